package cache

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/store"
)

func newTestCache(t *testing.T, cfg model.QueueConfig) (*Cache, *store.Store) {
	t.Helper()
	logger := logging.New(io.Discard, logging.LevelError, "test")
	st, err := store.New(t.TempDir(), cfg, lock.NewMutexMap(), logger)
	require.NoError(t, err)
	return New(st, cfg, logger), st
}

func addTask(t *testing.T, st *store.Store, priority int, createdAt string) *model.Task {
	t.Helper()
	created, err := st.Append(model.Task{
		Type:      model.TaskTypeCustom,
		Command:   "noop",
		Priority:  priority,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return created
}

func TestGetAndExists(t *testing.T) {
	c, st := newTestCache(t, model.QueueConfig{})
	created := addTask(t, st, 5, "")

	got, err := c.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)

	missing, err := c.Get("custom-1735689600-deadbeef")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ok, err := c.Exists(created.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidateObservesExternalWrite(t *testing.T) {
	c, st := newTestCache(t, model.QueueConfig{})
	addTask(t, st, 5, "")

	counts, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPending])

	addTask(t, st, 5, "")
	c.Invalidate("test")

	counts, err = c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusPending])
}

func TestNextPendingReturnsNilWhenPaused(t *testing.T) {
	c, st := newTestCache(t, model.QueueConfig{})
	addTask(t, st, 1, "")
	require.NoError(t, st.SetPaused(true, "rate_limited"))

	task, err := c.NextPending()
	require.NoError(t, err)
	assert.Nil(t, task)

	paused, reason, err := c.Paused()
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, "rate_limited", reason)
}

func TestNextPendingOrdersByPriorityThenCreation(t *testing.T) {
	c, st := newTestCache(t, model.QueueConfig{})
	older := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	newer := time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339)

	addTask(t, st, 5, newer)
	urgentNewer := addTask(t, st, 2, newer)
	urgentOlder := addTask(t, st, 2, older)

	task, err := c.NextPending()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, urgentOlder.ID, task.ID)

	// Drain the first; the newer priority-2 task is next.
	require.NoError(t, st.UpdateStatus(urgentOlder.ID, model.StatusInProgress))
	c.Invalidate("test")

	task, err = c.NextPending()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, urgentNewer.ID, task.ID)
}

func TestNextPendingSkipsNonPendingAndDeferred(t *testing.T) {
	c, st := newTestCache(t, model.QueueConfig{})

	running := addTask(t, st, 1, "")
	require.NoError(t, st.UpdateStatus(running.ID, model.StatusInProgress))

	deferred := addTask(t, st, 1, "")
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	require.NoError(t, st.Mutate(deferred.ID, func(task *model.Task) error {
		task.NotBefore = &future
		return nil
	}))

	eligible := addTask(t, st, 9, "")

	task, err := c.NextPending()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, eligible.ID, task.ID)
}

func TestNextPendingHonorsElapsedNotBefore(t *testing.T) {
	c, st := newTestCache(t, model.QueueConfig{})
	created := addTask(t, st, 5, "")
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	require.NoError(t, st.Mutate(created.ID, func(task *model.Task) error {
		task.NotBefore = &past
		return nil
	}))

	task, err := c.NextPending()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, created.ID, task.ID)
}

func TestNextPendingEmptyQueue(t *testing.T) {
	c, _ := newTestCache(t, model.QueueConfig{})
	task, err := c.NextPending()
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestPriorityAgingPromotesOldTasks(t *testing.T) {
	// One hour of age per priority step.
	c, st := newTestCache(t, model.QueueConfig{PriorityAgingSec: 3600})

	fresh := time.Now().UTC().Format(time.RFC3339)
	old := time.Now().UTC().Add(-5 * time.Hour).Format(time.RFC3339)

	addTask(t, st, 3, fresh)
	aged := addTask(t, st, 7, old) // effective 7-5 = 2, beats 3

	task, err := c.NextPending()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, aged.ID, task.ID)
}

func TestEffectivePriorityFloorsAtZero(t *testing.T) {
	old := time.Now().UTC().Add(-100 * time.Hour).Format(time.RFC3339)
	assert.Equal(t, 0, effectivePriority(3, old, 3600))
	assert.Equal(t, 3, effectivePriority(3, old, 0)) // aging disabled
}
