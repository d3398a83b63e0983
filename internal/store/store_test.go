package store

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logging.New(io.Discard, logging.LevelError, "test")
	s, err := New(t.TempDir(), model.QueueConfig{}, lock.NewMutexMap(), logger)
	require.NoError(t, err)
	return s
}

func appendTask(t *testing.T, s *Store, task model.Task) *model.Task {
	t.Helper()
	if task.Type == "" {
		task.Type = model.TaskTypeCustom
	}
	if task.Command == "" {
		task.Command = "echo hello"
	}
	if task.Priority == 0 {
		task.Priority = 5
	}
	created, err := s.Append(task)
	require.NoError(t, err)
	return created
}

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Tasks)
	assert.False(t, doc.Paused)
	assert.Equal(t, model.CurrentSchemaVersion, doc.SchemaVersion)
	assert.Equal(t, model.FileTypeQueue, doc.FileType)
}

func TestAppendAssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	created := appendTask(t, s, model.Task{Type: model.TaskTypeCustom, Command: "run tests"})

	assert.True(t, model.ValidateID(created.ID))
	assert.Equal(t, model.StatusPending, created.Status)
	assert.NotEmpty(t, created.CreatedAt)
	assert.NotEmpty(t, created.UpdatedAt)

	got, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestAppendPreservesInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	first := appendTask(t, s, model.Task{Description: "first"})
	second := appendTask(t, s, model.Task{Description: "second"})

	doc, err := s.Load()
	require.NoError(t, err)
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, first.ID, doc.Tasks[0].ID)
	assert.Equal(t, second.ID, doc.Tasks[1].ID)
}

func TestSavedFileAlwaysParses(t *testing.T) {
	s := newTestStore(t)
	appendTask(t, s, model.Task{})

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var doc model.QueueDocument
	require.NoError(t, yamlv3.Unmarshal(data, &doc))
	assert.Len(t, doc.Tasks, 1)
	assert.NotEmpty(t, doc.LastModified)
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	s := newTestStore(t)
	created := appendTask(t, s, model.Task{})

	require.NoError(t, s.UpdateStatus(created.ID, model.StatusInProgress))
	require.NoError(t, s.UpdateStatus(created.ID, model.StatusCompleted))

	// Terminal status cannot move.
	err := s.UpdateStatus(created.ID, model.StatusPending)
	assert.Error(t, err)
}

func TestUpdateStatusIfConflict(t *testing.T) {
	s := newTestStore(t)
	created := appendTask(t, s, model.Task{})

	require.NoError(t, s.UpdateStatusIf(created.ID, model.StatusPending, model.StatusInProgress))

	// A second claim sees in_progress, not pending.
	err := s.UpdateStatusIf(created.ID, model.StatusPending, model.StatusInProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusConflict)

	got, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("custom-1735689600-deadbeef")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestSetPaused(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetPaused(true, "rate_limited"))
	doc, err := s.Load()
	require.NoError(t, err)
	assert.True(t, doc.Paused)
	require.NotNil(t, doc.PauseReason)
	assert.Equal(t, "rate_limited", *doc.PauseReason)

	require.NoError(t, s.SetPaused(false, ""))
	doc, err = s.Load()
	require.NoError(t, err)
	assert.False(t, doc.Paused)
	assert.Nil(t, doc.PauseReason)
}

func TestBumpStats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.BumpStats(func(st *model.QueueStats) { st.TasksCompleted++ }))
	require.NoError(t, s.BumpStats(func(st *model.QueueStats) { st.TasksCompleted++ }))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Stats.TasksCompleted)
}

func TestClearBacksUpAndPreservesState(t *testing.T) {
	s := newTestStore(t)
	appendTask(t, s, model.Task{})
	require.NoError(t, s.SetPaused(true, "manual"))
	require.NoError(t, s.BumpStats(func(st *model.QueueStats) { st.TasksFailed = 4 }))

	require.NoError(t, s.Clear())

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Tasks)
	assert.True(t, doc.Paused)
	assert.Equal(t, 4, doc.Stats.TasksFailed)

	backups, err := os.ReadDir(filepath.Join(s.stateDir, "backups"))
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestRequeueResetsFailedTask(t *testing.T) {
	s := newTestStore(t)
	created := appendTask(t, s, model.Task{})

	require.NoError(t, s.UpdateStatus(created.ID, model.StatusInProgress))
	require.NoError(t, s.UpdateStatus(created.ID, model.StatusFailed))
	msg := "boom"
	nb := "2026-01-01T00:00:00Z"
	require.NoError(t, s.Mutate(created.ID, func(task *model.Task) error {
		task.RetryCount = 3
		task.LastError = &msg
		task.NotBefore = &nb
		return nil
	}))
	require.NoError(t, s.UpdateStatus(created.ID, model.StatusFailedPermanent))

	require.NoError(t, s.Requeue(created.ID))

	got, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.NotBefore)
}

func TestRequeueRejectsNonFailedTask(t *testing.T) {
	s := newTestStore(t)
	created := appendTask(t, s, model.Task{})
	err := s.Requeue(created.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestCorruptFileRecoversFromBackup(t *testing.T) {
	s := newTestStore(t)
	created := appendTask(t, s, model.Task{})
	// Second write produces a .bak of the one-task version.
	require.NoError(t, s.SetPaused(true, "manual"))

	require.NoError(t, os.WriteFile(s.Path(), []byte("}{corrupt"), 0644))

	doc, err := s.Load()
	require.NoError(t, err)
	require.Len(t, doc.Tasks, 1)
	assert.Equal(t, created.ID, doc.Tasks[0].ID)

	// The corrupt file was moved aside for inspection.
	entries, err := os.ReadDir(filepath.Join(s.stateDir, "quarantine"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCorruptFileWithoutBackupStartsEmpty(t *testing.T) {
	logger := logging.New(io.Discard, logging.LevelError, "test")
	dir := t.TempDir()
	s, err := New(dir, model.QueueConfig{}, lock.NewMutexMap(), logger)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("}{corrupt"), 0644))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Tasks)
}

// Two stores over the same state directory with independent mutex maps model
// the CLI and the daemon writing the queue file from separate processes. Only
// the flock stands between them.
func newStorePair(t *testing.T) (*Store, *Store) {
	t.Helper()
	dir := t.TempDir()
	logger := logging.New(io.Discard, logging.LevelError, "test")
	a, err := New(dir, model.QueueConfig{}, lock.NewMutexMap(), logger)
	require.NoError(t, err)
	b, err := New(dir, model.QueueConfig{}, lock.NewMutexMap(), logger)
	require.NoError(t, err)
	return a, b
}

func TestConcurrentAppendsAcrossStoresAllSurvive(t *testing.T) {
	a, b := newStorePair(t)

	const perStore = 25
	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < perStore; i++ {
				_, err := s.Append(model.Task{Type: model.TaskTypeCustom, Command: "x", Priority: 5})
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	doc, err := a.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Tasks, 2*perStore)
}

func TestClaimConflictAcrossStores(t *testing.T) {
	a, b := newStorePair(t)
	created := appendTask(t, a, model.Task{})

	require.NoError(t, a.UpdateStatusIf(created.ID, model.StatusPending, model.StatusInProgress))

	// The second store reloads under the flock and sees the claim.
	err := b.UpdateStatusIf(created.ID, model.StatusPending, model.StatusInProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestBackupAndPrune(t *testing.T) {
	s := newTestStore(t)
	appendTask(t, s, model.Task{})

	path, err := s.Backup("test")
	require.NoError(t, err)
	assert.FileExists(t, path)

	// Nothing is old enough to prune.
	removed, err := s.PruneBackups(7)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.FileExists(t, path)
}
