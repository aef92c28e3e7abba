package store

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/jobrunner/batchsched/internal/job"
)

// reservedSelectCols is the fixed, ordered list of reserved columns every
// row-returning query selects explicitly (never SELECT *, so column
// order never depends on SQLite's internal layout).
var reservedSelectCols = []string{
	"JOBSCHEDULER_JOB_ID",
	"JOBSCHEDULER_STATUS",
	"JOBSCHEDULER_PRIORITY",
	"JOBSCHEDULER_ESTIMATE_TIME",
	"JOBSCHEDULER_ELAPSED_TIME",
	"JOBSCHEDULER_DEPENDS_ON",
	"JOBSCHEDULER_CREATED_AT",
	"JOBSCHEDULER_STARTED_AT",
	"JOBSCHEDULER_FINISHED_AT",
	"JOBSCHEDULER_ERROR_MESSAGE",
	"JOBSCHEDULER_WORKER_ID",
}

func (s *Store) selectColumnsSQL() string {
	cols := make([]string, 0, len(reservedSelectCols)+len(s.paramOrder))
	cols = append(cols, reservedSelectCols...)
	for _, p := range s.paramOrder {
		cols = append(cols, quoteIdent(p))
	}
	return strings.Join(cols, ", ")
}

// scanJob reads one row produced by a query selecting exactly
// selectColumnsSQL() into a *job.Job.
func (s *Store) scanJob(scanner interface{ Scan(...interface{}) error }) (*job.Job, error) {
	var (
		id, status, dependsOn, createdAt string
		priority                         int
		estimateTime                     float64
		elapsedTime                      sql.NullFloat64
		startedAt, finishedAt, errMsg    sql.NullString
		workerID                         sql.NullString
	)
	dest := []interface{}{
		&id, &status, &priority, &estimateTime, &elapsedTime, &dependsOn,
		&createdAt, &startedAt, &finishedAt, &errMsg, &workerID,
	}
	paramVals := make([]sql.NullString, len(s.paramOrder))
	for i := range paramVals {
		dest = append(dest, &paramVals[i])
	}

	if err := scanner.Scan(dest...); err != nil {
		return nil, errors.Wrap(err, "store: scan job row")
	}

	j := &job.Job{
		ID:           id,
		Status:       job.Status(status),
		Priority:     priority,
		EstimateTime: estimateTime,
		DependsOn:    job.ParseDependsOn(dependsOn),
		ErrorMessage: errMsg.String,
		ParamOrder:   append([]string(nil), s.paramOrder...),
		Params:       make(map[string]string, len(s.paramOrder)),
	}
	if elapsedTime.Valid {
		v := elapsedTime.Float64
		j.ElapsedTime = &v
	}
	if t, ok := parseTime(createdAt); ok {
		j.CreatedAt = t
	}
	if startedAt.Valid {
		if t, ok := parseTime(startedAt.String); ok {
			j.StartedAt = &t
		}
	}
	if finishedAt.Valid {
		if t, ok := parseTime(finishedAt.String); ok {
			j.FinishedAt = &t
		}
	}
	if workerID.Valid {
		j.WorkerID = workerID.String
	}
	for i, name := range s.paramOrder {
		j.Params[name] = paramVals[i].String
	}
	return j, nil
}
