// Package resolver classifies a pending job's readiness from its
// predecessors' current statuses (§4.2). It holds no state of its own:
// every classification is a pure function of the status snapshot handed
// to it, because predecessor state can change between claim attempts.
package resolver

import "github.com/jobrunner/batchsched/internal/job"

// Classification is the result of evaluating a job's predecessors.
type Classification int

const (
	// Ready means every predecessor is done (or there are none).
	Ready Classification = iota
	// Waiting means at least one predecessor is pending or running, and
	// none is in error.
	Waiting
	// Blocked means at least one predecessor is in error.
	Blocked
)

func (c Classification) String() string {
	switch c {
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Classify evaluates deps (the job's predecessor ID list) against
// statuses, a point-in-time map from job ID to status. A predecessor
// absent from statuses is treated as missing and classified the same as
// an errored predecessor: it can never become done, so the job can never
// become Ready.
func Classify(deps []string, statuses map[string]job.Status) Classification {
	if len(deps) == 0 {
		return Ready
	}

	waiting := false
	for _, dep := range deps {
		st, ok := statuses[dep]
		if !ok {
			return Blocked
		}
		switch st {
		case job.StatusError:
			return Blocked
		case job.StatusPending, job.StatusRunning:
			waiting = true
		case job.StatusDone:
			// satisfied, keep checking the rest
		}
	}
	if waiting {
		return Waiting
	}
	return Ready
}
