package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/jobrunner/batchsched/internal/deadline"
	"github.com/jobrunner/batchsched/internal/job"
	"github.com/jobrunner/batchsched/internal/resolver"
)

// TryClaim implements the claim engine (§4.3): it selects the
// highest-priority, lexicographically-earliest pending job whose
// predecessors are all done and whose estimated runtime fits the current
// deadline budget, marks it running, and returns it. now is stamped as
// the job's started_at. model may be nil, in which case the deadline
// filter is skipped entirely (equivalent to smart_scheduling=false with
// an unbounded budget). workerID is stamped into the diagnostic
// JOBSCHEDULER_WORKER_ID column only — it never gates the claim.
//
// The whole operation runs inside one write-intent transaction (§4.1,
// §9): a second worker's concurrent TryClaim serializes behind this one
// and re-reads a candidate set that no longer contains the job just
// claimed here.
//
// Return value: if a job is claimed, it is returned with morePossible
// meaningless. If none is claimed, morePossible reports whether any
// candidate was classified Waiting (§4.3 step 5) — the worker loop uses
// this to decide whether to sleep-and-retry or to exit.
func (s *Store) TryClaim(ctx context.Context, now time.Time, budget time.Duration, model *deadline.Model, workerID string) (claimed *job.Job, morePossible bool, err error) {
	err = s.withWriteIntentTx(ctx, func(conn *sql.Conn) error {
		query := `SELECT ` + s.selectColumnsSQL() + ` FROM jobs
			WHERE JOBSCHEDULER_STATUS = 'pending'
			ORDER BY JOBSCHEDULER_PRIORITY DESC, JOBSCHEDULER_JOB_ID ASC`
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return errors.Wrap(err, "store: select candidates")
		}
		var candidates []*job.Job
		for rows.Next() {
			j, err := s.scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, j)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(candidates) == 0 {
			return nil
		}

		statuses := make(map[string]job.Status, len(candidates))
		for _, c := range candidates {
			statuses[c.ID] = c.Status
		}
		missing := collectMissingDeps(candidates, statuses)
		if len(missing) > 0 {
			resolved, err := s.lookupStatuses(ctx, conn, missing)
			if err != nil {
				return err
			}
			for id, st := range resolved {
				statuses[id] = st
			}
		}

		var winner *job.Job
		for _, c := range candidates {
			switch resolver.Classify(c.DependsOn, statuses) {
			case resolver.Blocked:
				continue
			case resolver.Waiting:
				morePossible = true
				continue
			case resolver.Ready:
				if model != nil && !model.Admits(c.EstimateTime, budget) {
					// Ready but over budget: not Waiting, not claimable.
					// §4.4's "H is never claimed" scenario — this does
					// not set morePossible.
					continue
				}
				winner = c
			}
			if winner != nil {
				break
			}
		}

		if winner == nil {
			return nil
		}

		res, err := conn.ExecContext(ctx, `UPDATE jobs SET
			JOBSCHEDULER_STATUS = 'running',
			JOBSCHEDULER_STARTED_AT = ?,
			JOBSCHEDULER_WORKER_ID = ?
			WHERE JOBSCHEDULER_JOB_ID = ? AND JOBSCHEDULER_STATUS = 'pending'`,
			formatTime(now), workerID, winner.ID)
		if err != nil {
			return errors.Wrapf(err, "store: claim job %q", winner.ID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Lost the race to a concurrent writer within the same
			// process between the SELECT and the UPDATE; this should be
			// impossible under BEGIN IMMEDIATE but is handled
			// defensively rather than assumed away.
			return nil
		}
		winner.Status = job.StatusRunning
		winner.StartedAt = &now
		winner.WorkerID = workerID
		claimed = winner
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, morePossible, nil
}

func collectMissingDeps(candidates []*job.Job, known map[string]job.Status) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		for _, dep := range c.DependsOn {
			if _, ok := known[dep]; ok {
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			missing = append(missing, dep)
		}
	}
	return missing
}

func (s *Store) lookupStatuses(ctx context.Context, conn *sql.Conn, ids []string) (map[string]job.Status, error) {
	out := make(map[string]job.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT JOBSCHEDULER_JOB_ID, JOBSCHEDULER_STATUS FROM jobs WHERE JOBSCHEDULER_JOB_ID IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: lookup predecessor statuses")
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, errors.Wrap(err, "store: scan predecessor status")
		}
		out[id] = job.Status(status)
	}
	return out, rows.Err()
}
