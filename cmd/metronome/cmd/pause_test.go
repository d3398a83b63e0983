package cmd

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkonno/metronome/internal/backoff"
	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/store"
)

func newResumeFixture(t *testing.T) (string, *store.Store, *backoff.Controller) {
	t.Helper()
	dir := t.TempDir()
	logger := logging.New(io.Discard, logging.LevelError, "test")
	st, err := store.New(dir, model.QueueConfig{}, lock.NewMutexMap(), logger)
	require.NoError(t, err)
	ctrl, err := backoff.NewController(dir, model.BackoffConfig{}, st, logger)
	require.NoError(t, err)
	return dir, st, ctrl
}

func TestResumeOfflineClearsBackoffState(t *testing.T) {
	dir, st, ctrl := newResumeFixture(t)

	det := &backoff.Detection{Kind: backoff.KindGeneric, Pattern: "rate_limit"}
	require.NoError(t, ctrl.Pause(600, "custom-1735689600-deadbeef", det))

	require.NoError(t, resumeOffline(dir))

	doc, err := st.Load()
	require.NoError(t, err)
	assert.False(t, doc.Paused)

	// A fresh controller models the next daemon start: nothing to restore,
	// so startup recovery cannot re-pause the queue.
	logger := logging.New(io.Discard, logging.LevelError, "test")
	restarted, err := backoff.NewController(dir, model.BackoffConfig{}, st, logger)
	require.NoError(t, err)
	assert.False(t, restarted.Active())

	cp, err := restarted.Checkpoint()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestResumeOfflineClearsManualPause(t *testing.T) {
	dir, st, _ := newResumeFixture(t)
	require.NoError(t, st.SetPaused(true, "manual"))

	require.NoError(t, resumeOffline(dir))

	doc, err := st.Load()
	require.NoError(t, err)
	assert.False(t, doc.Paused)
	assert.Nil(t, doc.PauseReason)
}
