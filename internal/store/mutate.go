package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jobrunner/batchsched/internal/job"
	"github.com/jobrunner/batchsched/internal/resolver"
)

// NewJob is one row to add via AddJobs. ID may be empty, in which case
// the store generates one from the row's ordinal position in the batch,
// zero-padded (§3: "Generated from row ordinal during import if not
// supplied").
type NewJob struct {
	ID           string
	Priority     int
	EstimateTime float64
	DependsOn    []string
	Params       map[string]string
}

// AddJobs inserts new rows. It fails atomically with ErrSchemaMismatch if
// the batch's param columns differ from the store's fixed column set, or
// with ErrIntegrity if a job_id is already present, a dependency
// references a job that does not exist anywhere (existing table or this
// batch), or the batch introduces a dependency cycle (§4.1).
func (s *Store) AddJobs(ctx context.Context, rows []NewJob) error {
	if len(rows) == 0 {
		return nil
	}

	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = fmt.Sprintf("job_%08d", i)
		}
		if !sameColumnSet(s.paramOrder, keysOf(rows[i].Params)) {
			return errors.Wrapf(ErrSchemaMismatch, "job %q has columns %v, store expects %v",
				rows[i].ID, sortedKeys(rows[i].Params), s.paramOrder)
		}
	}

	if err := detectCycles(rows); err != nil {
		return err
	}

	return s.withWriteIntentTx(ctx, func(conn *sql.Conn) error {
		existing, err := s.existingJobIDs(ctx, conn)
		if err != nil {
			return err
		}

		batchIDs := make(map[string]bool, len(rows))
		var merr *multierror.Error
		for _, r := range rows {
			if existing[r.ID] || batchIDs[r.ID] {
				merr = multierror.Append(merr, errors.Wrapf(ErrIntegrity, "duplicate job_id %q", r.ID))
			}
			batchIDs[r.ID] = true
		}
		for _, r := range rows {
			for _, dep := range r.DependsOn {
				if !existing[dep] && !batchIDs[dep] {
					merr = multierror.Append(merr, errors.Wrapf(ErrIntegrity,
						"job %q depends on non-existent job %q", r.ID, dep))
				}
			}
		}
		if merr != nil {
			return merr
		}

		insertCols := append([]string{
			"JOBSCHEDULER_JOB_ID", "JOBSCHEDULER_STATUS", "JOBSCHEDULER_PRIORITY",
			"JOBSCHEDULER_ESTIMATE_TIME", "JOBSCHEDULER_DEPENDS_ON", "JOBSCHEDULER_CREATED_AT",
		})
		for _, p := range s.paramOrder {
			insertCols = append(insertCols, quoteIdent(p))
		}
		placeholders := strings.Repeat("?,", len(insertCols))
		placeholders = placeholders[:len(placeholders)-1]
		insertSQL := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", strings.Join(insertCols, ", "), placeholders)

		now := formatTime(time.Now())
		for _, r := range rows {
			args := []interface{}{
				r.ID, string(job.StatusPending), r.Priority, r.EstimateTime,
				job.FormatDependsOn(r.DependsOn), now,
			}
			for _, p := range s.paramOrder {
				args = append(args, r.Params[p])
			}
			if _, err := conn.ExecContext(ctx, insertSQL, args...); err != nil {
				return errors.Wrapf(err, "store: insert job %q", r.ID)
			}
		}
		return nil
	})
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := keysOf(m)
	sort.Strings(out)
	return out
}

// detectCycles rejects a batch whose intra-batch dependency edges form a
// cycle. Edges from a new row to a pre-existing job can never cycle back:
// a pre-existing job's own dependencies were validated acyclic when it
// was inserted, against the set of IDs that existed at that time, which
// necessarily excludes every ID in the current batch (§4.1 "cycles are
// forbidden").
func detectCycles(rows []NewJob) error {
	inBatch := make(map[string]bool, len(rows))
	for _, r := range rows {
		inBatch[r.ID] = true
	}
	edges := make(map[string][]string, len(rows))
	for _, r := range rows {
		for _, dep := range r.DependsOn {
			if inBatch[dep] {
				edges[r.ID] = append(edges[r.ID], dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(rows))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return errors.Wrapf(ErrIntegrity, "dependency cycle detected: %s -> %s",
				strings.Join(path, " -> "), id)
		}
		state[id] = visiting
		for _, dep := range edges[id] {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, r := range rows {
		if err := visit(r.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) existingJobIDs(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT JOBSCHEDULER_JOB_ID FROM jobs`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list existing job ids")
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "store: scan job id")
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Reset bulk-sets rows matching statusFilter (or every row, if nil) to
// pending, clearing started_at, finished_at, elapsed_time and
// error_message (§4.1).
func (s *Store) Reset(ctx context.Context, statusFilter *job.Status) (int64, error) {
	var affected int64
	err := s.withWriteIntentTx(ctx, func(conn *sql.Conn) error {
		query := `UPDATE jobs SET JOBSCHEDULER_STATUS = 'pending',
			JOBSCHEDULER_STARTED_AT = NULL,
			JOBSCHEDULER_FINISHED_AT = NULL,
			JOBSCHEDULER_ELAPSED_TIME = NULL,
			JOBSCHEDULER_ERROR_MESSAGE = NULL`
		args := []interface{}{}
		if statusFilter != nil {
			query += ` WHERE JOBSCHEDULER_STATUS = ?`
			args = append(args, string(*statusFilter))
		}
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, "store: reset")
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// RecoverStuck resets every row with status='running' back to pending
// (§4.1, §4.6). It runs store-wide, not scoped to a single worker; see
// SPEC_FULL.md §5 for why that is the intended, tolerated behavior.
func (s *Store) RecoverStuck(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withWriteIntentTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `UPDATE jobs SET
			JOBSCHEDULER_STATUS = 'pending',
			JOBSCHEDULER_STARTED_AT = NULL
			WHERE JOBSCHEDULER_STATUS = 'running'`)
		if err != nil {
			return errors.Wrap(err, "store: recover stuck")
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Finish records a job's terminal (done/error) outcome. Given
// job.StatusPending instead, it requeues the row to pending, clears
// started_at and sets no terminal fields. Executor.Run does not use the
// pending outcome: a job it cancels in flight is not passed to Finish and
// stays running until RecoverStuck resets it at the next worker startup
// (SPEC_FULL.md §3 item 4).
func (s *Store) Finish(ctx context.Context, jobID string, outcome job.Status, elapsed time.Duration, errMsg string) error {
	return s.withWriteIntentTx(ctx, func(conn *sql.Conn) error {
		var query string
		var args []interface{}
		switch outcome {
		case job.StatusDone, job.StatusError:
			query = `UPDATE jobs SET
				JOBSCHEDULER_STATUS = ?,
				JOBSCHEDULER_ELAPSED_TIME = ?,
				JOBSCHEDULER_FINISHED_AT = ?,
				JOBSCHEDULER_ERROR_MESSAGE = ?
				WHERE JOBSCHEDULER_JOB_ID = ?`
			var em interface{}
			if errMsg != "" {
				em = errMsg
			}
			args = []interface{}{string(outcome), elapsed.Seconds(), formatTime(time.Now()), em, jobID}
		case job.StatusPending:
			query = `UPDATE jobs SET
				JOBSCHEDULER_STATUS = 'pending',
				JOBSCHEDULER_STARTED_AT = NULL
				WHERE JOBSCHEDULER_JOB_ID = ?`
			args = []interface{}{jobID}
		default:
			return errors.Errorf("store: finish: unsupported outcome %q", outcome)
		}
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "store: finish job %q", jobID)
		}
		return nil
	})
}

// Counts is the read-only aggregate SnapshotCounts returns (§4.1
// "snapshot_counts", §6 "Viewer read model", SPEC_FULL.md §3 item 5).
type Counts struct {
	Total   int
	Pending int
	Running int
	Done    int
	Error   int

	PendingReady   int
	PendingWaiting int
	PendingBlocked int
}

// SnapshotCounts computes the read-only view the progress viewer
// consumes: per-status totals, plus a Ready/Waiting/Blocked breakdown of
// the pending set (§4.2, §6). It never writes.
func (s *Store) SnapshotCounts(ctx context.Context) (Counts, error) {
	var c Counts

	rows, err := s.db.QueryContext(ctx, `SELECT JOBSCHEDULER_STATUS, COUNT(*) FROM jobs GROUP BY JOBSCHEDULER_STATUS`)
	if err != nil {
		return c, errors.Wrap(err, "store: snapshot counts")
	}
	var pendingRows []struct {
		id   string
		deps []string
	}
	statusByID := make(map[string]job.Status)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return c, errors.Wrap(err, "store: scan status count")
		}
		c.Total += n
		switch job.Status(status) {
		case job.StatusPending:
			c.Pending = n
		case job.StatusRunning:
			c.Running = n
		case job.StatusDone:
			c.Done = n
		case job.StatusError:
			c.Error = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, errors.Wrap(err, "store: iterate status counts")
	}

	// Build the predecessor status map and the pending set in two cheap
	// queries rather than a dependency-aware SQL join: the classification
	// itself is the resolver's job (§4.2), not the store's.
	idRows, err := s.db.QueryContext(ctx, `SELECT JOBSCHEDULER_JOB_ID, JOBSCHEDULER_STATUS, JOBSCHEDULER_DEPENDS_ON FROM jobs`)
	if err != nil {
		return c, errors.Wrap(err, "store: list job statuses")
	}
	defer idRows.Close()
	for idRows.Next() {
		var id, status, deps string
		if err := idRows.Scan(&id, &status, &deps); err != nil {
			return c, errors.Wrap(err, "store: scan job status row")
		}
		statusByID[id] = job.Status(status)
		if job.Status(status) == job.StatusPending {
			pendingRows = append(pendingRows, struct {
				id   string
				deps []string
			}{id, job.ParseDependsOn(deps)})
		}
	}
	if err := idRows.Err(); err != nil {
		return c, errors.Wrap(err, "store: iterate job status rows")
	}

	for _, p := range pendingRows {
		switch resolver.Classify(p.deps, statusByID) {
		case resolver.Ready:
			c.PendingReady++
		case resolver.Waiting:
			c.PendingWaiting++
		case resolver.Blocked:
			c.PendingBlocked++
		}
	}
	return c, nil
}
