package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []DataChangedEvent
}

func (r *eventRecorder) listener(ev DataChangedEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []DataChangedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]DataChangedEvent(nil), r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("expected %d events, got %d: %+v", n, len(r.events), r.events)
	return nil
}

// runContract exercises the behavior every Repository implementation shares
func runContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "/pipeline/jobs/j1/offset/0")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("persist overwrites", func(t *testing.T) {
		repo := newRepo(t)
		key := "/pipeline/jobs/j1/offset/0"
		require.NoError(t, repo.Persist(ctx, key, "a"))
		require.NoError(t, repo.Persist(ctx, key, "b"))

		value, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "b", value)
	})

	t.Run("create only once", func(t *testing.T) {
		repo := newRepo(t)
		key := "/pipeline/jobs/j1/owner/0"
		require.NoError(t, repo.Create(ctx, key, "node-a"))
		assert.ErrorIs(t, repo.Create(ctx, key, "node-b"), ErrKeyExists)

		value, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "node-a", value)

		require.NoError(t, repo.Delete(ctx, key))
		require.NoError(t, repo.Create(ctx, key, "node-b"))
	})

	t.Run("children keys", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/offset/1", "x"))
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/offset/0", "x"))
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/check/result", "true"))
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j2/offset/0", "x"))

		children, err := repo.ChildrenKeys(ctx, "/pipeline/jobs/j1/offset")
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1"}, children)

		children, err = repo.ChildrenKeys(ctx, "/pipeline/jobs/j1")
		require.NoError(t, err)
		assert.Equal(t, []string{"check", "offset"}, children)

		children, err = repo.ChildrenKeys(ctx, "/pipeline/jobs")
		require.NoError(t, err)
		assert.Equal(t, []string{"j1", "j2"}, children)

		children, err = repo.ChildrenKeys(ctx, "/pipeline/jobs/j3")
		require.NoError(t, err)
		assert.Empty(t, children)
	})

	t.Run("delete subtree", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/offset/0", "x"))
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/check/result", "true"))
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j10/offset/0", "keep"))

		require.NoError(t, repo.Delete(ctx, "/pipeline/jobs/j1"))

		_, err := repo.Get(ctx, "/pipeline/jobs/j1/offset/0")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.Get(ctx, "/pipeline/jobs/j1/check/result")
		assert.ErrorIs(t, err, ErrNotFound)

		value, err := repo.Get(ctx, "/pipeline/jobs/j10/offset/0")
		require.NoError(t, err)
		assert.Equal(t, "keep", value)
	})

	t.Run("watch subtree", func(t *testing.T) {
		repo := newRepo(t)
		rec := &eventRecorder{}
		cancel, err := repo.Watch(ctx, "/pipeline/jobs/j1", rec.listener)
		require.NoError(t, err)
		defer cancel()

		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/offset/0", "v1"))
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j2/offset/0", "other"))
		require.NoError(t, repo.Persist(ctx, "/pipeline/jobs/j1/offset/0", "v2"))
		require.NoError(t, repo.Delete(ctx, "/pipeline/jobs/j1"))

		events := rec.waitFor(t, 3)
		require.Len(t, events, 3)
		assert.Equal(t, DataChangedEvent{Key: "/pipeline/jobs/j1/offset/0", Value: "v1", Type: Added}, events[0])
		assert.Equal(t, DataChangedEvent{Key: "/pipeline/jobs/j1/offset/0", Value: "v2", Type: Updated}, events[1])
		assert.Equal(t, "/pipeline/jobs/j1/offset/0", events[2].Key)
		assert.Equal(t, Deleted, events[2].Type)
	})

	t.Run("invalid keys", func(t *testing.T) {
		repo := newRepo(t)
		for _, key := range []string{"", "relative", "/trailing/", "/double//slash"} {
			assert.ErrorIs(t, repo.Persist(ctx, key, "x"), ErrInvalidKey, key)
		}
	})

	t.Run("closed", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Close())
		require.NoError(t, repo.Close())
		_, err := repo.Get(ctx, "/a")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/pipeline/jobs/j1/offset/0", Join("/pipeline/jobs/", "j1", "offset", "0"))
	assert.Equal(t, "/pipeline/jobs/j1/check/result", Join("/pipeline/jobs", "/j1/", "check", "result"))
}

func TestChildName(t *testing.T) {
	name, ok := childName("/a", "/a/b/c")
	assert.True(t, ok)
	assert.Equal(t, "b", name)

	_, ok = childName("/a", "/ab/c")
	assert.False(t, ok)

	name, ok = childName("/", "/x/y")
	assert.True(t, ok)
	assert.Equal(t, "x", name)
}
