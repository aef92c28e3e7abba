package store

import "errors"

// Error kinds named in §4.1 / §7. Callers distinguish them with
// errors.Is.
var (
	// ErrSchemaMismatch is returned by AddJobs when the param columns of
	// the incoming rows differ from the existing table's (§4.1, §3
	// invariant: "Parameter column set is fixed for the life of the
	// store").
	ErrSchemaMismatch = errors.New("store: param column set does not match existing schema")

	// ErrLockTimeout is returned when the busy timeout is exceeded while
	// waiting for the write lock (§4.1, §7 "Contention"). The caller
	// (claim engine, worker loop) decides whether to retry or abort.
	ErrLockTimeout = errors.New("store: lock wait exceeded busy timeout")

	// ErrIntegrity is returned on a duplicate job_id or a reference to a
	// predecessor that does not exist (§4.1).
	ErrIntegrity = errors.New("store: integrity violation")

	// ErrNotInitialized is returned when an operation other than
	// Initialize is attempted before the jobs table exists.
	ErrNotInitialized = errors.New("store: jobs table not initialized")
)
