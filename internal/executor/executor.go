// Package executor runs one claimed job to completion (§4.5): it builds
// the argument vector, spawns the subprocess via an argv-based API
// (never a shell), streams its output line-by-line prefixed with the
// job ID, waits for termination or cancellation, and commits the
// terminal outcome back to the store with a retry policy.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/jobrunner/batchsched/internal/argfmt"
	"github.com/jobrunner/batchsched/internal/job"
)

// stderrTailLines is the bounded buffer size kept to populate
// error_message on a nonzero exit (§4.5, §9: "N≈20").
const stderrTailLines = 20

// terminateGrace is how long a terminated subprocess is given to exit on
// its own before being killed, mirroring
// original_source/script/job_scheduler.py's run_job (process.terminate(),
// then process.wait(timeout=5) before process.kill()).
const terminateGrace = 5 * time.Second

// Finisher is the subset of *store.Store the executor needs to commit a
// terminal outcome. Scoped to an interface so tests can substitute a
// fake without importing the sqlite-backed store.
type Finisher interface {
	Finish(ctx context.Context, jobID string, outcome job.Status, elapsed time.Duration, errMsg string) error
}

// Executor runs jobs against one fixed command template.
type Executor struct {
	Template string
	Named    bool
	Log      zerolog.Logger

	tokens []string
}

// New parses the command template with a POSIX-shell tokenizer (§4.7)
// once, up front, so a malformed template fails fast rather than on the
// first claimed job.
func New(template string, named bool, log zerolog.Logger) (*Executor, error) {
	tokens, err := shellwords.Parse(template)
	if err != nil {
		return nil, fmt.Errorf("executor: parse command template %q: %w", template, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("executor: empty command template")
	}
	return &Executor{Template: template, Named: named, Log: log, tokens: tokens}, nil
}

// Run executes j to completion and commits its outcome via st.Finish,
// retrying a failed commit with exponential backoff for up to 60 s. If
// every attempt fails, Run returns the last error and the row stays
// running. Run does not stop the worker itself: the worker loop logs the
// returned error and keeps claiming.
//
// If ctx is cancelled while the subprocess is running, the job is left
// running in the store (no Finish call at all) rather than marked error,
// so that a subsequent worker's RecoverStuck sweep (§4.6) reclaims it —
// see SPEC_FULL.md §3 item 4.
func (e *Executor) Run(ctx context.Context, st Finisher, j *job.Job) error {
	argv := append(append([]string(nil), e.tokens...), argfmt.Build(j, e.Named)...)

	start := time.Now()
	log := e.Log.With().Str("job_id", j.ID).Logger()
	log.Info().Strs("argv", argv).Msg("job starting")

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return e.finishWithRetry(ctx, st, j.ID, job.StatusError, time.Since(start),
			fmt.Sprintf("spawn failed: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return e.finishWithRetry(ctx, st, j.ID, job.StatusError, time.Since(start),
			fmt.Sprintf("spawn failed: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return e.finishWithRetry(ctx, st, j.ID, job.StatusError, time.Since(start),
			fmt.Sprintf("spawn failed: %v", err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, log, "stdout", nil)
	tail := newTailBuffer(stderrTailLines)
	go streamLines(&wg, stderr, log, "stderr", tail)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	var cancelled bool
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		cancelled = true
		waitErr = waitOutCancellation(cmd, waitDone)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if cancelled {
		log.Warn().Msg("job interrupted by shutdown signal; leaving running for recovery")
		return nil
	}

	if waitErr == nil {
		log.Info().Dur("elapsed", elapsed).Msg("job done")
		return e.finishWithRetry(ctx, st, j.ID, job.StatusDone, elapsed, "")
	}

	exitCode := -1
	if ee, ok := waitErr.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
	}
	msg := fmt.Sprintf("exit code %d", exitCode)
	if lines := tail.Lines(); len(lines) > 0 {
		msg += ": " + strings.Join(lines, " | ")
	}
	log.Warn().Int("exit_code", exitCode).Msg("job error")
	return e.finishWithRetry(ctx, st, j.ID, job.StatusError, elapsed, msg)
}

// waitOutCancellation terminates cmd and gives it terminateGrace to exit
// before killing it, then drains waitDone so the process is reaped.
func waitOutCancellation(cmd *exec.Cmd, waitDone chan error) error {
	_ = cmd.Process.Signal(exitSignal())
	select {
	case err := <-waitDone:
		return err
	case <-time.After(terminateGrace):
		_ = cmd.Process.Kill()
		return <-waitDone
	}
}

func (e *Executor) finishWithRetry(ctx context.Context, st Finisher, jobID string, outcome job.Status, elapsed time.Duration, errMsg string) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 60 * time.Second
	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = st.Finish(ctx, jobID, outcome, elapsed, errMsg)
		return lastErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		e.Log.Error().Err(lastErr).Str("job_id", jobID).
			Msg("persistent store failure committing job outcome; leaving row running for recovery")
		return err
	}
	return nil
}

func streamLines(wg *sync.WaitGroup, r io.Reader, log zerolog.Logger, stream string, tail *tailBuffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Info().Str("stream", stream).Msg(line)
		if tail != nil {
			tail.Add(line)
		}
	}
}
