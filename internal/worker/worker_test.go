package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jobrunner/batchsched/internal/deadline"
	"github.com/jobrunner/batchsched/internal/executor"
	"github.com/jobrunner/batchsched/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp("", "worker_test_*.db")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(path) })

	s, err := store.Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Initialize(nil))
	return s
}

func TestRunClaimsAndExecutesUntilDrained(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []store.NewJob{{ID: "a"}, {ID: "b"}, {ID: "c"}}))

	exec, err := executor.New("true", false, zerolog.Nop())
	require.NoError(t, err)

	w := New(s, exec, deadline.NewModel(time.Hour, 0, 1.0, false), Config{Parallel: 2}, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, c.Done)
	require.Equal(t, 0, c.Pending)
	require.Equal(t, 0, c.Running)
}

func TestRunExitsCleanOnAllBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []store.NewJob{
		{ID: "root"},
		{ID: "child", DependsOn: []string{"root"}},
	}))

	exec, err := executor.New("false", false, zerolog.Nop())
	require.NoError(t, err)

	w := New(s, exec, deadline.NewModel(time.Hour, 0, 1.0, false), Config{Parallel: 1}, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Error)
	require.Equal(t, 1, c.PendingBlocked)
}

func TestRunStopsClaimingOnDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []store.NewJob{{ID: "a"}}))

	exec, err := executor.New("true", false, zerolog.Nop())
	require.NoError(t, err)

	w := New(s, exec, deadline.NewModel(0, 0, 1.0, true), Config{Parallel: 1}, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Pending, "deadline already expired at start; nothing should have been claimed")
}

func TestRunRecoversStuckJobsAtStartup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []store.NewJob{{ID: "a"}}))
	_, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "stale-worker")
	require.NoError(t, err)

	exec, err := executor.New("true", false, zerolog.Nop())
	require.NoError(t, err)

	w := New(s, exec, deadline.NewModel(time.Hour, 0, 1.0, false), Config{Parallel: 1}, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Done, "the stuck row must be recovered and then run to completion")
}

func TestRunStopsClaimingOnCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []store.NewJob{{ID: "a"}}))

	exec, err := executor.New("sleep 5", false, zerolog.Nop())
	require.NoError(t, err)

	w := New(s, exec, deadline.NewModel(time.Hour, 0, 1.0, false), Config{Parallel: 1}, zerolog.Nop())

	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, w.Run(runCtx))

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Running, "cancelled job is left running for the next worker's recovery sweep")
}
