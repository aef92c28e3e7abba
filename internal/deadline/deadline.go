// Package deadline computes the remaining claim-admission budget for a
// worker (§4.4) and the smart-scheduling admission filter used by the
// claim engine (§4.3).
package deadline

import "time"

// Model holds the worker-startup tunables that define its soft deadline.
type Model struct {
	MaxRuntime      time.Duration
	MarginTime      time.Duration
	SpeedFactor     float64
	SmartScheduling bool

	start time.Time
}

// DefaultMaxRuntime, DefaultMarginTime, DefaultSpeedFactor and
// DefaultSmartScheduling mirror the §6 CLI defaults.
const (
	DefaultMaxRuntime      = 86400 * time.Second
	DefaultMarginTime      = 0 * time.Second
	DefaultSpeedFactor     = 1.0
	DefaultSmartScheduling = true
)

// NewModel returns a Model, substituting DefaultSpeedFactor for a
// non-positive speed factor. The other values are used as given; a zero
// maxRuntime is not replaced and yields an already-exhausted budget.
func NewModel(maxRuntime, marginTime time.Duration, speedFactor float64, smart bool) *Model {
	if speedFactor <= 0 {
		speedFactor = DefaultSpeedFactor
	}
	return &Model{
		MaxRuntime:      maxRuntime,
		MarginTime:      marginTime,
		SpeedFactor:     speedFactor,
		SmartScheduling: smart,
	}
}

// Start records the worker's start time. Budget is measured relative to
// this instant, per §4.4.
func (m *Model) Start(now time.Time) {
	m.start = now
}

// Budget returns the remaining claim-admission budget at now:
// max_runtime - margin_time - (now - start). A non-positive result means
// the worker must stop claiming new jobs (§4.4).
func (m *Model) Budget(now time.Time) time.Duration {
	elapsed := now.Sub(m.start)
	return m.MaxRuntime - m.MarginTime - elapsed
}

// Expired reports whether the budget has been exhausted.
func (m *Model) Expired(now time.Time) bool {
	return m.Budget(now) <= 0
}

// RequiredSeconds converts a job's estimate_time (hours) into the
// wall-clock seconds it is expected to need at the worker's configured
// speed factor: estimate_time_hours * 3600 / speed_factor (§4.3).
func (m *Model) RequiredSeconds(estimateHours float64) float64 {
	return estimateHours * 3600 / m.SpeedFactor
}

// Admits reports whether a job with the given estimate_time (hours) may
// be claimed given the current budget. When smart scheduling is disabled,
// or the budget is unbounded (non-positive MaxRuntime is not a valid
// config, but an effectively infinite budget_seconds is represented by a
// very large duration), every job is admitted (§4.3, §4.4).
func (m *Model) Admits(estimateHours float64, budget time.Duration) bool {
	if !m.SmartScheduling {
		return true
	}
	if budget <= 0 {
		return false
	}
	required := m.RequiredSeconds(estimateHours)
	return required <= budget.Seconds()
}
