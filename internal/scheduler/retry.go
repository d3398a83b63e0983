package scheduler

import (
	"fmt"
	"time"

	"github.com/hkonno/metronome/internal/events"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/notify"
	"github.com/hkonno/metronome/internal/store"
)

// PauseReasonPermanentFailure is the queue pause reason written when a task
// exhausts its retries and auto-pause is enabled.
const PauseReasonPermanentFailure = "permanent_failure"

// RetryAction classifies the outcome of failure handling.
type RetryAction int

const (
	// ActionRetried means the task was requeued with an increased retry count.
	ActionRetried RetryAction = iota
	// ActionPermanentlyFailed means retries are exhausted.
	ActionPermanentlyFailed
)

// RetryHandler escalates task failures: bounded retries with a linearly
// growing delay, then permanent failure. Tasks are never deleted on failure.
type RetryHandler struct {
	store  *store.Store
	cfg    model.RetryConfig
	bus    *events.Bus
	logger *logging.Logger
}

func NewRetryHandler(st *store.Store, cfg model.RetryConfig, bus *events.Bus, logger *logging.Logger) *RetryHandler {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelaySec <= 0 {
		cfg.BaseRetryDelaySec = 60
	}
	if cfg.MaxRetryDelaySec <= 0 {
		cfg.MaxRetryDelaySec = 3600
	}
	return &RetryHandler{
		store:  st,
		cfg:    cfg,
		bus:    bus,
		logger: logger.WithComponent("retry"),
	}
}

// HandleFailure moves a failed task either back to pending (with retry_count
// incremented and a not_before deferral) or to failed_permanent. The task
// must already be in status failed.
func (h *RetryHandler) HandleFailure(taskID, errMsg string) (RetryAction, error) {
	task, err := h.store.Get(taskID)
	if err != nil {
		return ActionPermanentlyFailed, err
	}

	if task.RetryCount >= h.cfg.MaxRetries {
		return ActionPermanentlyFailed, h.escalate(task, errMsg)
	}

	delaySec := h.cfg.BaseRetryDelaySec * (task.RetryCount + 1)
	if delaySec > h.cfg.MaxRetryDelaySec {
		delaySec = h.cfg.MaxRetryDelaySec
	}
	notBefore := time.Now().UTC().Add(time.Duration(delaySec) * time.Second).Format(time.RFC3339)

	err = h.store.Mutate(taskID, func(t *model.Task) error {
		if t.Status != model.StatusFailed {
			return fmt.Errorf("task %s is %s, expected %s", taskID, t.Status, model.StatusFailed)
		}
		t.Status = model.StatusPending
		t.RetryCount++
		t.NotBefore = &notBefore
		t.LastError = &errMsg
		return nil
	})
	if err != nil {
		return ActionPermanentlyFailed, err
	}

	h.logger.Infof("task_retry task=%s attempt=%d/%d delay_sec=%d not_before=%s",
		taskID, task.RetryCount+1, h.cfg.MaxRetries, delaySec, notBefore)
	return ActionRetried, nil
}

func (h *RetryHandler) escalate(task *model.Task, errMsg string) error {
	err := h.store.Mutate(task.ID, func(t *model.Task) error {
		if t.Status != model.StatusFailed {
			return fmt.Errorf("task %s is %s, expected %s", task.ID, t.Status, model.StatusFailed)
		}
		t.Status = model.StatusFailedPermanent
		t.LastError = &errMsg
		return nil
	})
	if err != nil {
		return err
	}

	if err := h.store.BumpStats(func(s *model.QueueStats) { s.PermanentFailures++ }); err != nil {
		h.logger.Warnf("stats_update_failed error=%v", err)
	}

	h.logger.Errorf("task_failed_permanent task=%s retries=%d error=%q", task.ID, task.RetryCount, errMsg)
	h.bus.Publish(events.EventTaskFailed, map[string]interface{}{
		"task_id":   task.ID,
		"permanent": true,
		"error":     errMsg,
	})

	if h.cfg.AutoPauseOnPermanentFail {
		if err := h.store.SetPaused(true, PauseReasonPermanentFailure); err != nil {
			return fmt.Errorf("auto-pause queue: %w", err)
		}
		h.bus.Publish(events.EventQueuePaused, map[string]interface{}{
			"reason":  PauseReasonPermanentFailure,
			"task_id": task.ID,
		})
		h.logger.Warnf("queue_auto_paused task=%s reason=%s", task.ID, PauseReasonPermanentFailure)
		if err := notify.Send("metronome: queue paused",
			fmt.Sprintf("task %s failed permanently after %d retries", task.ID, task.RetryCount)); err != nil {
			h.logger.Debugf("notify_failed error=%v", err)
		}
	}
	return nil
}
