// Package store implements the single-writer, crash-safe embedded
// relational store the dispatcher coordinates through (§4.1). It is the
// only shared resource between worker processes: every mutation runs
// inside a write-intent ("BEGIN IMMEDIATE") transaction, the way
// original_source/script/job_scheduler.py opens its transactions, so that
// contending claims serialize on SQLite's writer lock rather than racing
// in application code.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jobrunner/batchsched/internal/job"
)

// BusyTimeout is the contended-lock retry window SQLite itself applies
// before surfacing SQLITE_BUSY (§4.1).
const BusyTimeout = 30 * time.Second

// Store is a handle on one jobs database file.
type Store struct {
	db     *sql.DB
	log    zerolog.Logger
	path   string

	// paramOrder is the fixed user-param column order established at
	// Initialize time. §3 invariant: this never changes for the life of
	// the store.
	paramOrder []string
}

// Open connects to the database file at path, applying the WAL and
// busy-timeout pragmas on every pooled connection via DSN parameters —
// go-sqlite3 re-applies DSN pragmas each time it opens a new underlying
// connection, which is how §4.1's "per-connection reapplication" is
// satisfied without a custom connection hook.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_foreign_keys=off",
		path, BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	// A single physical writer is sufficient and avoids the pool handing
	// out a connection that has not yet seen the DSN pragmas applied by a
	// concurrent Open on the same *sql.DB.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.With().Str("component", "store").Logger(), path: path}
	if err := s.loadParamOrder(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// loadParamOrder reads the current user-param columns from the table, if
// it exists, preserving creation order (cid). A no-op, non-error, if the
// table does not exist yet.
func (s *Store) loadParamOrder() error {
	rows, err := s.db.Query(`PRAGMA table_info(jobs)`)
	if err != nil {
		return errors.Wrap(err, "store: table_info")
	}
	defer rows.Close()

	type col struct {
		cid  int
		name string
	}
	var cols []col
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return errors.Wrap(err, "store: scan table_info")
		}
		if !job.IsReserved(name) {
			cols = append(cols, col{cid: cid, name: name})
		}
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].cid < cols[j].cid })
	order := make([]string, 0, len(cols))
	for _, c := range cols {
		order = append(order, c.name)
	}
	s.paramOrder = order
	return nil
}

// ParamColumns returns the store's fixed user-param column order.
func (s *Store) ParamColumns() []string {
	out := make([]string, len(s.paramOrder))
	copy(out, s.paramOrder)
	return out
}

// Initialize creates the jobs table (if absent) with the reserved
// columns plus paramColumns, and the (status, priority) index §6
// describes (§4.1 "initialize"). Calling Initialize again with the same
// param column set on an existing table is a no-op; a different set is
// ErrSchemaMismatch.
func (s *Store) Initialize(paramColumns []string) error {
	exists, err := s.tableExists()
	if err != nil {
		return err
	}
	if exists {
		if !sameColumnSet(s.paramOrder, paramColumns) {
			return errors.Wrapf(ErrSchemaMismatch,
				"existing columns %v, requested %v", s.paramOrder, paramColumns)
		}
		return nil
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE jobs (\n")
	b.WriteString("  JOBSCHEDULER_JOB_ID TEXT PRIMARY KEY,\n")
	b.WriteString("  JOBSCHEDULER_STATUS TEXT NOT NULL DEFAULT 'pending',\n")
	b.WriteString("  JOBSCHEDULER_PRIORITY INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("  JOBSCHEDULER_ESTIMATE_TIME REAL NOT NULL DEFAULT 0,\n")
	b.WriteString("  JOBSCHEDULER_ELAPSED_TIME REAL,\n")
	b.WriteString("  JOBSCHEDULER_DEPENDS_ON TEXT NOT NULL DEFAULT '',\n")
	b.WriteString("  JOBSCHEDULER_CREATED_AT TEXT NOT NULL,\n")
	b.WriteString("  JOBSCHEDULER_STARTED_AT TEXT,\n")
	b.WriteString("  JOBSCHEDULER_FINISHED_AT TEXT,\n")
	b.WriteString("  JOBSCHEDULER_ERROR_MESSAGE TEXT,\n")
	b.WriteString("  JOBSCHEDULER_WORKER_ID TEXT,\n")
	b.WriteString("  JOBSCHEDULER_HEARTBEAT TEXT")
	for _, col := range paramColumns {
		fmt.Fprintf(&b, ",\n  %s TEXT", quoteIdent(col))
	}
	b.WriteString("\n)")

	if _, err := s.db.Exec(b.String()); err != nil {
		return errors.Wrap(err, "store: create table")
	}
	if _, err := s.db.Exec(`CREATE INDEX idx_status_priority ON jobs(JOBSCHEDULER_STATUS, JOBSCHEDULER_PRIORITY DESC)`); err != nil {
		return errors.Wrap(err, "store: create index")
	}

	s.paramOrder = append([]string(nil), paramColumns...)
	return nil
}

func (s *Store) tableExists() (bool, error) {
	row := s.db.QueryRow(`SELECT 1 FROM sqlite_master WHERE type='table' AND name='jobs'`)
	var x int
	err := row.Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "store: table_exists")
	}
	return true, nil
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[string]bool, len(a))
	for _, c := range a {
		am[c] = true
	}
	for _, c := range b {
		if !am[c] {
			return false
		}
	}
	return true
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// isBusyErr reports whether err is SQLite's busy-timeout-exceeded error.
func isBusyErr(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withWriteIntentTx runs fn inside a transaction that acquires SQLite's
// write lock at BEGIN (BEGIN IMMEDIATE) rather than at first write,
// serializing contending claim/finish attempts the way §4.1/§9 require.
// database/sql's Tx defaults to deferred begin, so the raw connection is
// used directly.
func (s *Store) withWriteIntentTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "store: acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		if isBusyErr(err) {
			return ErrLockTimeout
		}
		return errors.Wrap(err, "store: begin immediate")
	}

	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		if isBusyErr(err) {
			return ErrLockTimeout
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		if isBusyErr(err) {
			return ErrLockTimeout
		}
		return errors.Wrap(err, "store: commit")
	}
	return nil
}

const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
