// Package job defines the Job row type shared by the store, resolver,
// executor and worker packages.
package job

import (
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a job row (§3).
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// ReservedPrefix marks a column as store-managed rather than a user param.
const ReservedPrefix = "JOBSCHEDULER_"

// ReservedColumns lists every column the store manages itself. Columns not
// in this set are user params (§3). JOBSCHEDULER_WORKER_ID and
// JOBSCHEDULER_HEARTBEAT are carried from the original schema as
// diagnostic-only columns; see SPEC_FULL.md §3.
var ReservedColumns = []string{
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
	"JOBSCHEDULER_HEARTBEAT",
}

// IsReserved reports whether col is one of the JOBSCHEDULER_-prefixed
// columns the store manages, rather than a user parameter.
func IsReserved(col string) bool {
	return strings.HasPrefix(col, ReservedPrefix)
}

// Job is one row of the jobs table.
type Job struct {
	ID           string
	Status       Status
	Priority     int
	EstimateTime float64 // hours
	ElapsedTime  *float64 // seconds; nil until a terminal transition
	DependsOn    []string // parsed from the whitespace-separated DEPENDS_ON column
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage string
	WorkerID     string // diagnostic only; never gates a claim, see SPEC_FULL.md §3

	// Params holds every non-reserved column. ParamOrder fixes the column
	// order the Argument Formatter (§4.7) uses for positional mode.
	Params     map[string]string
	ParamOrder []string
}

// ParamValues returns the job's param values in ParamOrder.
func (j *Job) ParamValues() []string {
	out := make([]string, 0, len(j.ParamOrder))
	for _, k := range j.ParamOrder {
		out = append(out, j.Params[k])
	}
	return out
}

// ParseDependsOn splits the whitespace-separated JOBSCHEDULER_DEPENDS_ON
// text column into a deduplicated, sorted job ID set (§3).
func ParseDependsOn(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FormatDependsOn serializes a dependency set back to the whitespace
// separated text column format.
func FormatDependsOn(deps []string) string {
	return strings.Join(deps, " ")
}
