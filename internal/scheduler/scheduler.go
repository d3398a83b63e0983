// Package scheduler drains the task queue one task at a time: claim the most
// urgent pending task, dispatch it to the session, monitor output for
// completion, and classify everything else into retry or backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hkonno/metronome/internal/backoff"
	"github.com/hkonno/metronome/internal/cache"
	"github.com/hkonno/metronome/internal/events"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/notify"
	"github.com/hkonno/metronome/internal/session"
	"github.com/hkonno/metronome/internal/store"
)

// Scheduler runs the dispatch loop. Exactly one task is in_progress at any
// time; the loop never runs tasks concurrently.
type Scheduler struct {
	store   *store.Store
	cache   *cache.Cache
	ctrl    *backoff.Controller
	sess    session.Session
	monitor *Monitor
	retry   *RetryHandler
	bus     *events.Bus
	cfg     model.SchedulerConfig
	logger  *logging.Logger
}

func New(
	st *store.Store,
	c *cache.Cache,
	ctrl *backoff.Controller,
	sess session.Session,
	retry *RetryHandler,
	bus *events.Bus,
	cfg model.SchedulerConfig,
	logger *logging.Logger,
) *Scheduler {
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 5
	}
	if cfg.IdleSleepSec <= 0 {
		cfg.IdleSleepSec = 10
	}
	if cfg.InterCycleDelaySec <= 0 {
		cfg.InterCycleDelaySec = 3
	}
	if cfg.DefaultTimeoutSec <= 0 {
		cfg.DefaultTimeoutSec = 1800
	}
	return &Scheduler{
		store: st,
		cache: c,
		ctrl:  ctrl,
		sess:  sess,
		monitor: NewMonitor(sess, cfg.CompletionMarkers,
			time.Duration(cfg.PollIntervalSec)*time.Second, logger),
		retry:  retry,
		bus:    bus,
		cfg:    cfg,
		logger: logger.WithComponent("scheduler"),
	}
}

// Run executes the scheduling loop until ctx is cancelled. It begins with a
// recovery pass so a restart mid-task or mid-backoff picks up cleanly.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.RecoverStartup(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	s.logger.Infof("scheduler_started poll_sec=%d idle_sec=%d", s.cfg.PollIntervalSec, s.cfg.IdleSleepSec)
	for {
		if ctx.Err() != nil {
			s.logger.Infof("scheduler_stopped")
			return nil
		}
		s.runCycle(ctx)
		if !s.sleep(ctx, time.Duration(s.cfg.InterCycleDelaySec)*time.Second) {
			s.logger.Infof("scheduler_stopped")
			return nil
		}
	}
}

// RecoverStartup reconciles persisted state after a restart: an active
// backoff pause is re-applied to the queue, and any task stranded in
// in_progress by a crash is released back to pending without counting a
// retry.
func (s *Scheduler) RecoverStartup() error {
	if st := s.ctrl.State(); st != nil && st.Active {
		s.logger.Infof("recovery_backoff_active pattern=%s resume_at=%s", st.DetectedPattern, st.EstimatedResumeAt)
		if err := s.store.SetPaused(true, backoff.PauseReasonRateLimited); err != nil {
			return err
		}
	}

	doc, err := s.store.Load()
	if err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].Status != model.StatusInProgress {
			continue
		}
		id := doc.Tasks[i].ID
		s.logger.Warnf("recovery_orphaned_task task=%s", id)
		if err := s.store.UpdateStatusIf(id, model.StatusInProgress, model.StatusPending); err != nil {
			s.logger.Errorf("recovery_release_failed task=%s error=%v", id, err)
		}
	}
	s.cache.Invalidate("startup_recovery")
	return nil
}

// runCycle performs one pass of the loop: resolve backoff, find work, claim
// it, dispatch, monitor, classify.
func (s *Scheduler) runCycle(ctx context.Context) {
	if s.ctrl.Active() {
		if !s.ctrl.IsWaitComplete() {
			return
		}
		if err := s.ctrl.Resume(); err != nil {
			s.logger.Errorf("backoff_resume_failed error=%v", err)
			return
		}
		s.cache.Invalidate("backoff_resume")
		s.bus.Publish(events.EventQueueResumed, map[string]interface{}{"reason": backoff.PauseReasonRateLimited})
	}

	paused, reason, err := s.cache.Paused()
	if err != nil {
		s.logger.Errorf("queue_read_failed error=%v", err)
		return
	}
	if paused {
		s.logger.Debugf("queue_paused reason=%s", reason)
		return
	}

	task, err := s.cache.NextPending()
	if err != nil {
		s.logger.Errorf("queue_read_failed error=%v", err)
		return
	}
	if task == nil {
		s.sleep(ctx, time.Duration(s.cfg.IdleSleepSec)*time.Second)
		return
	}

	if err := s.claim(task.ID); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			s.logger.Debugf("claim_lost task=%s", task.ID)
			s.cache.Invalidate("claim_conflict")
			return
		}
		s.logger.Errorf("claim_failed task=%s error=%v", task.ID, err)
		return
	}
	s.cache.Invalidate("task_claimed")

	if err := s.dispatch(task); err != nil {
		s.logger.Errorf("dispatch_failed task=%s error=%v", task.ID, err)
		s.release(task.ID)
		return
	}

	s.bus.Publish(events.EventTaskStarted, map[string]interface{}{
		"task_id":  task.ID,
		"type":     string(task.Type),
		"priority": task.Priority,
	})

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DefaultTimeoutSec) * time.Second
	}
	result, output := s.monitor.Await(ctx, task.ID, timeout)
	s.classify(task, result, output)
	s.cache.Invalidate("cycle_complete")
}

func (s *Scheduler) claim(id string) error {
	return s.store.UpdateStatusIf(id, model.StatusPending, model.StatusInProgress)
}

// release puts a claimed task back to pending without touching its retry
// count. Used for shutdown, dispatch failures, and backoff interrupts, none
// of which are the task's fault.
func (s *Scheduler) release(id string) {
	if err := s.store.UpdateStatusIf(id, model.StatusInProgress, model.StatusPending); err != nil {
		s.logger.Errorf("release_failed task=%s error=%v", id, err)
	}
	s.cache.Invalidate("task_released")
}

func (s *Scheduler) dispatch(task *model.Task) error {
	if !s.sess.IsResponsive() {
		s.logger.Warnf("session_unresponsive task=%s", task.ID)
		if err := s.sess.Recover(); err != nil {
			return fmt.Errorf("session recovery: %w", err)
		}
	}
	if s.cfg.ResetBeforeDispatch {
		if err := s.sess.Reset(); err != nil {
			s.logger.Warnf("context_reset_failed task=%s error=%v", task.ID, err)
		}
	}
	if err := s.sess.Send(task.Command); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	s.logger.Infof("task_dispatched task=%s type=%s priority=%d timeout_sec=%d",
		task.ID, task.Type, task.Priority, task.TimeoutSeconds)
	return nil
}

// classify routes a finished monitoring pass. Completion marks the task done;
// a timeout is first checked for unavailability markers (backoff pause, task
// released without a retry charge) and otherwise treated as a failure that
// enters the retry path.
func (s *Scheduler) classify(task *model.Task, result MonitorResult, output string) {
	switch result {
	case MonitorCompleted:
		if err := s.store.UpdateStatusIf(task.ID, model.StatusInProgress, model.StatusCompleted); err != nil {
			s.logger.Errorf("complete_failed task=%s error=%v", task.ID, err)
			return
		}
		if err := s.store.BumpStats(func(st *model.QueueStats) { st.TasksCompleted++ }); err != nil {
			s.logger.Warnf("stats_update_failed error=%v", err)
		}
		s.logger.Infof("task_completed task=%s", task.ID)
		s.bus.Publish(events.EventTaskCompleted, map[string]interface{}{"task_id": task.ID})

	case MonitorCancelled:
		s.logger.Infof("task_interrupted task=%s", task.ID)
		s.release(task.ID)

	case MonitorTimedOut:
		if det := backoff.Detect(output); det != nil {
			s.handleBackoff(task, det)
			return
		}
		s.fail(task, fmt.Sprintf("timed out after %ds without completion marker", task.TimeoutSeconds))
	}
}

// handleBackoff pauses the queue for an unavailability detection and releases
// the in-flight task. The interruption is external, so the task keeps its
// retry count.
func (s *Scheduler) handleBackoff(task *model.Task, det *backoff.Detection) {
	wait := s.ctrl.ComputeWaitSeconds(det, task.ID)
	if err := s.ctrl.Pause(wait, task.ID, det); err != nil {
		s.logger.Errorf("backoff_pause_failed task=%s error=%v", task.ID, err)
		s.fail(task, fmt.Sprintf("unavailability detected (%s) but pause failed", det.Pattern))
		return
	}
	s.release(task.ID)
	s.bus.Publish(events.EventQueuePaused, map[string]interface{}{
		"reason":   backoff.PauseReasonRateLimited,
		"task_id":  task.ID,
		"pattern":  det.Pattern,
		"wait_sec": wait,
	})
	if err := notify.Send("metronome: queue paused",
		fmt.Sprintf("rate limited (%s), resuming in %s", det.Pattern, time.Duration(wait)*time.Second)); err != nil {
		s.logger.Debugf("notify_failed error=%v", err)
	}
}

// fail marks the task failed and hands it to the retry handler.
func (s *Scheduler) fail(task *model.Task, errMsg string) {
	err := s.store.Mutate(task.ID, func(t *model.Task) error {
		if t.Status != model.StatusInProgress {
			return fmt.Errorf("task %s is %s, expected %s", task.ID, t.Status, model.StatusInProgress)
		}
		t.Status = model.StatusFailed
		t.LastError = &errMsg
		return nil
	})
	if err != nil {
		s.logger.Errorf("fail_transition_failed task=%s error=%v", task.ID, err)
		return
	}
	if err := s.store.BumpStats(func(st *model.QueueStats) { st.TasksFailed++ }); err != nil {
		s.logger.Warnf("stats_update_failed error=%v", err)
	}
	s.bus.Publish(events.EventTaskFailed, map[string]interface{}{
		"task_id":   task.ID,
		"permanent": false,
		"error":     errMsg,
	})

	action, err := s.retry.HandleFailure(task.ID, errMsg)
	if err != nil {
		s.logger.Errorf("retry_handling_failed task=%s error=%v", task.ID, err)
		return
	}
	s.logger.Infof("task_failed task=%s action=%s", task.ID, retryActionName(action))
}

func retryActionName(a RetryAction) string {
	if a == ActionRetried {
		return "retried"
	}
	return "permanent"
}

// sleep waits for d or until ctx is cancelled; returns false on cancellation.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
