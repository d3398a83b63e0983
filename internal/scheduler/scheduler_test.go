package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkonno/metronome/internal/backoff"
	"github.com/hkonno/metronome/internal/cache"
	"github.com/hkonno/metronome/internal/events"
	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/store"
)

// fakeSession is a scripted session.Session. Output returned by RecentOutput
// is set by tests, optionally after a number of polls.
type fakeSession struct {
	mu          sync.Mutex
	output      string
	outputAfter int // polls before output becomes visible
	polls       int
	sent        []string
	resets      int
	responsive  bool
	sendErr     error
}

func newFakeSession() *fakeSession {
	return &fakeSession{responsive: true}
}

func (f *fakeSession) Send(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, command)
	return nil
}

func (f *fakeSession) RecentOutput() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.outputAfter {
		return "working...", nil
	}
	return f.output, nil
}

func (f *fakeSession) IsResponsive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responsive
}

func (f *fakeSession) Recover() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responsive = true
	return nil
}

func (f *fakeSession) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeSession) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fixture struct {
	store *store.Store
	cache *cache.Cache
	ctrl  *backoff.Controller
	sess  *fakeSession
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := logging.New(io.Discard, logging.LevelError, "test")

	st, err := store.New(dir, model.QueueConfig{}, lock.NewMutexMap(), logger)
	require.NoError(t, err)
	qc := cache.New(st, model.QueueConfig{}, logger)
	ctrl, err := backoff.NewController(dir, model.BackoffConfig{}, st, logger)
	require.NoError(t, err)

	bus := events.NewBus(10)
	t.Cleanup(bus.Close)
	sess := newFakeSession()
	retry := NewRetryHandler(st, model.RetryConfig{MaxRetries: 2, BaseRetryDelaySec: 60, AutoPauseOnPermanentFail: false}, bus, logger)

	cfg := model.SchedulerConfig{
		PollIntervalSec:     1,
		IdleSleepSec:        1,
		InterCycleDelaySec:  1,
		DefaultTimeoutSec:   2,
		CompletionMarkers:   []string{"TASK COMPLETE"},
		ResetBeforeDispatch: true,
		DefaultPriority:     5,
	}
	sched := New(st, qc, ctrl, sess, retry, bus, cfg, logger)
	return &fixture{store: st, cache: qc, ctrl: ctrl, sess: sess, sched: sched}
}

func (f *fixture) addTask(t *testing.T, timeoutSec int) *model.Task {
	t.Helper()
	created, err := f.store.Append(model.Task{
		Type:           model.TaskTypeCustom,
		Command:        "do the thing",
		Priority:       5,
		TimeoutSeconds: timeoutSec,
	})
	require.NoError(t, err)
	return created
}

func TestCycleCompletesTaskOnMarker(t *testing.T) {
	f := newFixture(t)
	created := f.addTask(t, 30)
	f.sess.output = "...\nTASK COMPLETE\n"

	f.sched.runCycle(context.Background())

	got, err := f.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, []string{"do the thing"}, f.sess.sentCommands())
	assert.Equal(t, 1, f.sess.resets)

	doc, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Stats.TasksCompleted)
}

func TestCycleTimeoutMarksFailedAndSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	created := f.addTask(t, 1)
	f.sess.output = "still going, no marker here"

	f.sched.runCycle(context.Background())

	got, err := f.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status, "first failure is retried")
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NotBefore)
	nb, err := time.Parse(time.RFC3339, *got.NotBefore)
	require.NoError(t, err)
	assert.True(t, nb.After(time.Now()), "retry must be deferred")
	require.NotNil(t, got.LastError)

	doc, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Stats.TasksFailed)
}

func TestCycleRateLimitPausesQueueWithoutRetryCharge(t *testing.T) {
	f := newFixture(t)
	created := f.addTask(t, 1)
	f.sess.output = "Error: rate limit exceeded, slow down"

	f.sched.runCycle(context.Background())

	got, err := f.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount, "rate limit is not the task's fault")

	assert.True(t, f.ctrl.Active())
	doc, err := f.store.Load()
	require.NoError(t, err)
	assert.True(t, doc.Paused)
	require.NotNil(t, doc.PauseReason)
	assert.Equal(t, backoff.PauseReasonRateLimited, *doc.PauseReason)
}

func TestCycleSkipsWhenPaused(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, 30)
	require.NoError(t, f.store.SetPaused(true, "manual"))

	f.sched.runCycle(context.Background())

	assert.Empty(t, f.sess.sentCommands())
}

func TestCycleResumesWhenBackoffExpired(t *testing.T) {
	f := newFixture(t)
	created := f.addTask(t, 30)
	det := &backoff.Detection{Kind: backoff.KindGeneric, Pattern: "quota", Matched: "quota exceeded"}
	require.NoError(t, f.ctrl.Pause(0, created.ID, det))
	f.cache.Invalidate("test")
	f.sess.output = "TASK COMPLETE"

	// Wait already complete (0s); the cycle resumes and dispatches.
	f.sched.runCycle(context.Background())

	assert.False(t, f.ctrl.Active())
	got, err := f.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestCycleDispatchFailureReleasesTask(t *testing.T) {
	f := newFixture(t)
	created := f.addTask(t, 30)
	f.sess.sendErr = errors.New("tmux gone")

	f.sched.runCycle(context.Background())

	got, err := f.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestRecoverStartupReleasesOrphanedTask(t *testing.T) {
	f := newFixture(t)
	created := f.addTask(t, 30)
	require.NoError(t, f.store.UpdateStatus(created.ID, model.StatusInProgress))

	require.NoError(t, f.sched.RecoverStartup())

	got, err := f.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestRecoverStartupRestoresBackoffPause(t *testing.T) {
	f := newFixture(t)
	det := &backoff.Detection{Kind: backoff.KindGeneric, Pattern: "quota", Matched: "quota exceeded"}
	require.NoError(t, f.ctrl.Pause(3600, "task-1", det))
	// Simulate an external unpause that lost the backoff state.
	require.NoError(t, f.store.SetPaused(false, ""))

	require.NoError(t, f.sched.RecoverStartup())

	doc, err := f.store.Load()
	require.NoError(t, err)
	assert.True(t, doc.Paused)
}
