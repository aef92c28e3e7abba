package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jobrunner/batchsched/internal/deadline"
	"github.com/jobrunner/batchsched/internal/job"
)

func newTestStore(t *testing.T, paramColumns []string) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "jobs_test_*.db")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(path) })

	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Initialize(paramColumns))
	return s
}

func TestInitializeIsIdempotentForSameSchema(t *testing.T) {
	s := newTestStore(t, []string{"input"})
	require.NoError(t, s.Initialize([]string{"input"}))
}

func TestInitializeRejectsSchemaChangeOnExistingTable(t *testing.T) {
	s := newTestStore(t, []string{"input"})
	err := s.Initialize([]string{"input", "extra"})
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestAddJobsRejectsMismatchedColumns(t *testing.T) {
	s := newTestStore(t, []string{"input"})
	err := s.AddJobs(context.Background(), []NewJob{
		{ID: "a", Params: map[string]string{"input": "x", "extra": "y"}},
	})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	// Table state unchanged: nothing inserted.
	c, err := s.SnapshotCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, c.Total)
}

func TestAddJobsRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{{ID: "a"}}))
	err := s.AddJobs(ctx, []NewJob{{ID: "a"}})
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestAddJobsRejectsMissingPredecessor(t *testing.T) {
	s := newTestStore(t, nil)
	err := s.AddJobs(context.Background(), []NewJob{
		{ID: "child", DependsOn: []string{"ghost"}},
	})
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestAddJobsRejectsCycle(t *testing.T) {
	s := newTestStore(t, nil)
	err := s.AddJobs(context.Background(), []NewJob{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestAddJobsGeneratesIDFromOrdinalWhenMissing(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{{}, {}}))

	_, more, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.False(t, more)
}

func TestTryClaimExclusivity(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{{ID: "only"}}))

	j1, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.NotNil(t, j1)
	require.Equal(t, job.StatusRunning, j1.Status)

	j2, more, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w2")
	require.NoError(t, err)
	require.Nil(t, j2)
	require.False(t, more)
}

func TestTryClaimPriorityThenJobIDOrdering(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{
		{ID: "x", Priority: 1},
		{ID: "y", Priority: 10},
		{ID: "z", Priority: 5},
	}))

	var order []string
	for i := 0; i < 3; i++ {
		j, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
		require.NoError(t, err)
		require.NotNil(t, j)
		order = append(order, j.ID)
	}
	require.Equal(t, []string{"y", "z", "x"}, order)
}

func TestTryClaimHonorsDependencies(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}))

	j, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.Equal(t, "a", j.ID)

	// b is Waiting until a finishes.
	bNone, more, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.Nil(t, bNone)
	require.True(t, more)

	require.NoError(t, s.Finish(ctx, "a", job.StatusDone, time.Second, ""))

	b, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.Equal(t, "b", b.ID)
}

func TestTryClaimBlockedNeverClaimedAndExitsClean(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{
		{ID: "root"},
		{ID: "child1", DependsOn: []string{"root"}},
		{ID: "child2", DependsOn: []string{"root"}},
	}))

	root, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.Equal(t, "root", root.ID)
	require.NoError(t, s.Finish(ctx, "root", job.StatusError, time.Second, "boom"))

	j, more, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.Nil(t, j)
	require.False(t, more, "blocked-only remainder must not report more_possible")

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Error)
	require.Equal(t, 2, c.PendingBlocked)
}

func TestTryClaimDeadlineAdmission(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{{ID: "h", EstimateTime: 2}}))

	m := deadline.NewModel(time.Hour, 0, 1.0, true)
	j, more, err := s.TryClaim(ctx, time.Now(), time.Hour, m, "w1")
	require.NoError(t, err)
	require.Nil(t, j)
	require.False(t, more)

	m2 := deadline.NewModel(time.Hour, 0, 1.0, false)
	j2, _, err := s.TryClaim(ctx, time.Now(), time.Hour, m2, "w1")
	require.NoError(t, err)
	require.NotNil(t, j2)
}

func TestRecoverStuckResetsRunningRows(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{{ID: "a"}, {ID: "b"}}))

	_, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	_, _, err = s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)

	n, err := s.RecoverStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, c.Pending)
	require.Equal(t, 0, c.Running)
}

func TestResetClearsTerminalFields(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{{ID: "a"}}))
	_, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, "a", job.StatusError, time.Second, "oops"))

	n, err := s.Reset(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Pending)
	require.Equal(t, 1, c.PendingReady)
}

func TestFinishPendingOutcomeRequeuesJob(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{{ID: "a"}}))
	_, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)

	require.NoError(t, s.Finish(ctx, "a", job.StatusPending, time.Second, ""))

	c, err := s.SnapshotCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Pending)
	require.Equal(t, 0, c.Running)
}

func TestParamValuesRoundTripThroughStore(t *testing.T) {
	s := newTestStore(t, []string{"input", "mode"})
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, []NewJob{
		{ID: "a", Params: map[string]string{"input": "has space", "mode": ""}},
	}))

	j, _, err := s.TryClaim(ctx, time.Now(), time.Hour, nil, "w1")
	require.NoError(t, err)
	require.Equal(t, "has space", j.Params["input"])
	require.Equal(t, "", j.Params["mode"])
	require.Equal(t, []string{"input", "mode"}, j.ParamOrder)
}
