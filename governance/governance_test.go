package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/progress"
	"github.com/maxpert/ferry/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "/pipeline/jobs"

func newTestGovernance(t *testing.T) (*Governance, repository.Repository) {
	t.Helper()
	repo, err := repository.NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return New(repo, testRoot), repo
}

func sampleProgress(status progress.JobStatus) progress.JobProgress {
	p := progress.NewJobProgress(status, "MySQL")
	p.Incremental["incremental-0"] = progress.TaskProgress{
		Position:  ingest.BinlogPosition{FileName: "mysql-bin.000001", Offset: 4, ServerID: 1},
		Processed: 10,
		State:     progress.TaskRunning,
	}
	p.Inventory["inventory-orders"] = progress.TaskProgress{
		Position: ingest.FinishedPosition{},
		State:    progress.TaskFinished,
	}
	return p
}

func TestKeys(t *testing.T) {
	g := New(nil, testRoot)
	assert.Equal(t, "/pipeline/jobs/j1", g.JobKey("j1"))
	assert.Equal(t, "/pipeline/jobs/j1/offset/0", g.OffsetKey("j1", 0))
	assert.Equal(t, "/pipeline/jobs/j1/check/result", g.CheckResultKey("j1"))
	assert.Equal(t, "/pipeline/jobs/j1/owner/2", g.OwnerKey("j1", 2))

	jobID, shard, ok := g.ParseOffsetKey("/pipeline/jobs/j1/offset/3")
	require.True(t, ok)
	assert.Equal(t, "j1", jobID)
	assert.Equal(t, 3, shard)

	_, _, ok = g.ParseOffsetKey("/pipeline/jobs/j1/check/result")
	assert.False(t, ok)
	_, _, ok = g.ParseOffsetKey("/pipeline/jobs/j1/owner/3")
	assert.False(t, ok)
	_, _, ok = g.ParseOffsetKey("/other/j1/offset/0")
	assert.False(t, ok)
}

func TestJobProgressRoundTrip(t *testing.T) {
	ctx := context.Background()
	g, repo := newTestGovernance(t)

	_, ok, err := g.GetJobProgress(ctx, "j1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	want := sampleProgress(progress.StatusExecuteIncrementalTask)
	require.NoError(t, g.PersistJobProgress(ctx, "j1", 0, want))

	raw, err := repo.Get(ctx, "/pipeline/jobs/j1/offset/0")
	require.NoError(t, err)
	assert.Contains(t, raw, "EXECUTE_INCREMENTAL_TASK")
	assert.Contains(t, raw, "mysql-bin.000001#4#1")

	got, ok, err := g.GetJobProgress(ctx, "j1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestGetJobProgress_EmptyIsAbsent(t *testing.T) {
	ctx := context.Background()
	g, repo := newTestGovernance(t)

	require.NoError(t, repo.Persist(ctx, g.OffsetKey("j1", 0), ""))
	_, ok, err := g.GetJobProgress(ctx, "j1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetJobProgress_Corrupt(t *testing.T) {
	ctx := context.Background()
	g, repo := newTestGovernance(t)

	require.NoError(t, repo.Persist(ctx, g.OffsetKey("j1", 0), "status: SLEEPING\n"))
	_, _, err := g.GetJobProgress(ctx, "j1", 0)
	assert.Error(t, err)
}

func TestInvalidShard(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernance(t)

	assert.ErrorIs(t, g.PersistJobProgress(ctx, "j1", -1, sampleProgress(progress.StatusRunning)), ErrInvalidShard)
	_, _, err := g.GetJobProgress(ctx, "j1", -1)
	assert.ErrorIs(t, err, ErrInvalidShard)
}

func TestCheckResult(t *testing.T) {
	ctx := context.Background()
	g, repo := newTestGovernance(t)

	_, present, err := g.GetCheckResult(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, present)
	_, owned, err := g.ShardOwner(ctx, "j1", 0)
	require.NoError(t, err)
	assert.False(t, owned)

	require.NoError(t, g.PersistCheckResult(ctx, "j1", true))
	raw, err := repo.Get(ctx, "/pipeline/jobs/j1/check/result")
	require.NoError(t, err)
	assert.Equal(t, "true", raw)

	result, present, err := g.GetCheckResult(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, present)
	assert.True(t, result)

	require.NoError(t, g.PersistCheckResult(ctx, "j1", false))
	result, present, err = g.GetCheckResult(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, present)
	assert.False(t, result)

	require.NoError(t, repo.Persist(ctx, g.CheckResultKey("j1"), "maybe"))
	_, _, err = g.GetCheckResult(ctx, "j1")
	assert.Error(t, err)
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernance(t)

	require.NoError(t, g.PersistJobProgress(ctx, "j1", 0, sampleProgress(progress.StatusRunning)))
	require.NoError(t, g.PersistJobProgress(ctx, "j1", 1, sampleProgress(progress.StatusRunning)))
	require.NoError(t, g.PersistCheckResult(ctx, "j1", true))
	_, err := g.ClaimShard(ctx, "j1", 0, "node-a")
	require.NoError(t, err)
	require.NoError(t, g.PersistJobProgress(ctx, "j2", 0, sampleProgress(progress.StatusRunning)))

	require.NoError(t, g.DeleteJob(ctx, "j1"))

	_, ok, err := g.GetJobProgress(ctx, "j1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, present, err := g.GetCheckResult(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, present)

	_, ok, err = g.GetJobProgress(ctx, "j2", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	jobs, err := g.JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, jobs)
}

func TestClaimShard(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernance(t)

	tests := []struct {
		name  string
		shard int
		node  string
		want  bool
	}{
		{name: "first claim", shard: 0, node: "node-a", want: true},
		{name: "held by another node", shard: 0, node: "node-b", want: false},
		{name: "owner reclaims", shard: 0, node: "node-a", want: true},
		{name: "other shard is free", shard: 1, node: "node-b", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.ClaimShard(ctx, "j1", tt.shard, tt.node)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	owner, ok, err := g.ShardOwner(ctx, "j1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-a", owner)

	_, err = g.ClaimShard(ctx, "j1", -1, "node-a")
	assert.ErrorIs(t, err, ErrInvalidShard)
}

func TestReleaseShard(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernance(t)

	claimed, err := g.ClaimShard(ctx, "j1", 0, "node-a")
	require.NoError(t, err)
	require.True(t, claimed)

	// only the owner releases
	require.NoError(t, g.ReleaseShard(ctx, "j1", 0, "node-b"))
	owner, ok, err := g.ShardOwner(ctx, "j1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-a", owner)

	require.NoError(t, g.ReleaseShard(ctx, "j1", 0, "node-a"))
	_, ok, err = g.ShardOwner(ctx, "j1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err = g.ClaimShard(ctx, "j1", 0, "node-b")
	require.NoError(t, err)
	assert.True(t, claimed)

	// releasing a free shard is a no-op
	require.NoError(t, g.ReleaseShard(ctx, "j1", 5, "node-a"))
}

func TestShardIDs(t *testing.T) {
	ctx := context.Background()
	g, repo := newTestGovernance(t)

	for _, shard := range []int{10, 2, 0} {
		require.NoError(t, g.PersistJobProgress(ctx, "j1", shard, sampleProgress(progress.StatusRunning)))
	}
	require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/offset/bogus", "x"))

	shards, err := g.ShardIDs(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 10}, shards)

	shards, err = g.ShardIDs(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, shards)
}

func TestRenewJobStatus(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernance(t)

	require.NoError(t, g.PersistJobProgress(ctx, "j1", 0, sampleProgress(progress.StatusExecuteIncrementalTask)))
	require.NoError(t, g.PersistJobProgress(ctx, "j1", 1, sampleProgress(progress.StatusExecuteInventoryTask)))

	require.NoError(t, g.RenewJobStatus(ctx, "j1", progress.StatusStopped))
	// Idempotent
	require.NoError(t, g.RenewJobStatus(ctx, "j1", progress.StatusStopped))

	for _, shard := range []int{0, 1} {
		p, ok, err := g.GetJobProgress(ctx, "j1", shard)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, progress.StatusStopped, p.Status)
		assert.Len(t, p.Incremental, 1, "positions are preserved")
	}
}

func TestRenewJobStatus_NoShards(t *testing.T) {
	g, _ := newTestGovernance(t)
	assert.NoError(t, g.RenewJobStatus(context.Background(), "nothing", progress.StatusStopped))
	assert.Error(t, g.RenewJobStatus(context.Background(), "nothing", progress.JobStatus("BOGUS")))
}

func TestWatchJob(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernance(t)

	var mu sync.Mutex
	var events []repository.DataChangedEvent
	cancel, err := g.Watch(ctx, g.JobKey("j1"), func(ev repository.DataChangedEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, g.PersistJobProgress(ctx, "j1", 0, sampleProgress(progress.StatusRunning)))
	require.NoError(t, g.RenewJobStatus(ctx, "j1", progress.StatusStopped))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, repository.Added, events[0].Type)
	assert.Equal(t, repository.Updated, events[1].Type)

	p, err := progress.Unmarshal([]byte(events[1].Value))
	require.NoError(t, err)
	assert.Equal(t, progress.StatusStopped, p.Status)
}

func TestChildrenKeysPassthrough(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernance(t)

	require.NoError(t, g.Persist(ctx, "/pipeline/jobs/j1/meta", "x"))
	require.NoError(t, g.PersistCheckResult(ctx, "j1", true))

	children, err := g.ChildrenKeys(ctx, g.JobKey("j1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "meta"}, children)
}
