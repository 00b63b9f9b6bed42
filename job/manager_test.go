package job

import (
	"context"
	"testing"

	"github.com/maxpert/ferry/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(newGovernance(t), "node-a", func(jobID string, _ cfg.JobConfiguration) (Builder, error) {
		return newFakeBuilder(jobID), nil
	}, &fakeChecker{result: matching()})
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestJobID_Stable(t *testing.T) {
	assert.Equal(t, JobID("orders"), JobID("orders"))
	assert.NotEqual(t, JobID("orders"), JobID("users"))
	assert.Len(t, JobID("orders"), 36)
}

func TestManager_Registry(t *testing.T) {
	m := newTestManager(t)

	users, err := m.Create(testJobConfig("users", 1))
	require.NoError(t, err)
	orders, err := m.Create(testJobConfig("orders", 1))
	require.NoError(t, err)

	_, err = m.Create(testJobConfig("orders", 1))
	assert.Error(t, err, "duplicate names are rejected")

	got, err := m.Get(orders.ID())
	require.NoError(t, err)
	assert.Same(t, orders, got)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "orders", list[0].Name())
	assert.Equal(t, "users", list[1].Name())

	stats := m.JobStats()
	require.Len(t, stats, 2)
	assert.Equal(t, orders.ID(), stats[0].JobID)
	assert.Equal(t, users.ID(), stats[1].JobID)
}

func TestManager_InvalidJob(t *testing.T) {
	m := newTestManager(t)
	invalid := testJobConfig("broken", 1)
	invalid.Sources = nil

	_, err := m.Create(invalid)
	assert.Error(t, err)
	assert.Empty(t, m.List())
}

func TestManager_Drop(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Create(testJobConfig("orders", 1))
	require.NoError(t, err)

	require.NoError(t, m.Drop(context.Background(), c.ID()))
	_, err = m.Get(c.ID())
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, m.Drop(context.Background(), c.ID()), ErrJobNotFound)
}
