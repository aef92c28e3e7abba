// Package worker implements the per-process N-slot scheduling loop
// (§4.6): stuck-job recovery at startup, then claim-execute cycles across
// Parallel concurrent execution slots until no more runnable work
// remains or the deadline budget is exhausted.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jobrunner/batchsched/internal/deadline"
	"github.com/jobrunner/batchsched/internal/executor"
	"github.com/jobrunner/batchsched/internal/job"
	"github.com/jobrunner/batchsched/internal/store"
)

// Config bundles the tunables the CLI surface in §6 exposes.
type Config struct {
	Parallel        int
	DepWaitInterval time.Duration
}

// DefaultDepWaitInterval is the §6 CLI default for --dep-wait-interval.
const DefaultDepWaitInterval = 30 * time.Second

// Worker runs the scheduling loop against one store with one executor.
type Worker struct {
	Store    *store.Store
	Executor *executor.Executor
	Model    *deadline.Model
	Config   Config
	Log      zerolog.Logger

	// ID identifies this worker process in the diagnostic
	// JOBSCHEDULER_WORKER_ID column. Never used for claim admission or
	// scoping recovery — see SPEC_FULL.md §5.
	ID string
}

// New constructs a Worker with a generated instance ID and the §6
// defaults substituted for zero-value Config fields.
func New(st *store.Store, exec *executor.Executor, model *deadline.Model, cfg Config, log zerolog.Logger) *Worker {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if cfg.DepWaitInterval <= 0 {
		cfg.DepWaitInterval = DefaultDepWaitInterval
	}
	return &Worker{
		Store:    st,
		Executor: exec,
		Model:    model,
		Config:   cfg,
		Log:      log,
		ID:       uuid.NewString(),
	}
}

// Run performs startup recovery and then the main claim/execute loop
// until the deadline is exhausted or no claimable work remains. ctx
// cancellation (e.g. SIGINT/SIGTERM forwarded by cmd/worker) stops
// claiming immediately; jobs already dispatched to a slot observe the
// same cancellation inside Executor.Run and are left `running` for the
// next worker's recovery sweep rather than force-killed by this package
// (§4.5, §5).
//
// Run returns nil when the worker finished cleanly — no more runnable
// work, or the deadline was reached — matching §6's exit code 0 case.
// Only a fatal, non-lock-timeout store error from startup recovery or a
// claim is returned, for the caller to translate into a nonzero exit code
// (§7). An error from Executor.Run (a job outcome that could not be
// committed) is logged; it neither stops the loop nor changes Run's
// return value.
func (w *Worker) Run(ctx context.Context) error {
	log := w.Log.With().Str("worker_id", w.ID).Logger()

	n, err := w.Store.RecoverStuck(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Int64("recovered", n).Msg("reset stuck running jobs to pending at startup")
	}

	start := time.Now()
	w.Model.Start(start)

	slots := make(chan struct{}, w.Config.Parallel)
	for i := 0; i < w.Config.Parallel; i++ {
		slots <- struct{}{}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	// The claim call is serialized within the worker — this loop is the
	// only goroutine that ever calls TryClaim — to avoid a worker
	// contending against its own in-flight slots for the write-intent
	// lock (§4.6).
	for {
		now := time.Now()
		if w.Model.Expired(now) {
			log.Info().Msg("deadline budget exhausted; stopping claims, letting in-flight jobs finish")
			return nil
		}

		select {
		case <-slots:
		case <-ctx.Done():
			log.Info().Msg("shutdown requested while waiting for a free slot")
			return nil
		}

		budget := w.Model.Budget(now)
		j, more, err := w.Store.TryClaim(ctx, now, budget, w.Model, w.ID)
		if err != nil {
			if errors.Is(err, store.ErrLockTimeout) {
				log.Warn().Err(err).Msg("claim contended; retrying")
				slots <- struct{}{}
				continue
			}
			slots <- struct{}{}
			return err
		}

		if j == nil {
			slots <- struct{}{}
			if !more {
				log.Info().Msg("no claimable or waiting jobs remain; exiting")
				return nil
			}
			select {
			case <-time.After(w.Config.DepWaitInterval):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		wg.Add(1)
		go func(j *job.Job) {
			defer wg.Done()
			defer func() { slots <- struct{}{} }()
			if err := w.Executor.Run(ctx, w.Store, j); err != nil {
				log.Error().Err(err).Str("job_id", j.ID).Msg("failed to commit job outcome")
			}
		}(j)
	}
}
