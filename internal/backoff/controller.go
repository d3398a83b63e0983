package backoff

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/store"
	"github.com/hkonno/metronome/internal/yaml"
)

// PauseReasonRateLimited is the queue pause reason written by the controller.
const PauseReasonRateLimited = "rate_limited"

// Controller owns all backoff state: the active pause, the recovery
// checkpoint, and the per-(task, pattern) occurrence history that drives
// exponential waits. No ambient globals; tests construct a fresh instance.
type Controller struct {
	stateDir string
	cfg      model.BackoffConfig
	store    *store.Store
	logger   *logging.Logger

	mu          sync.Mutex
	state       *model.BackoffState
	occurrences map[string]int // "taskID|pattern" → count, survives resume
}

type history struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Occurrences   map[string]int `yaml:"occurrences"`
}

func NewController(stateDir string, cfg model.BackoffConfig, st *store.Store, logger *logging.Logger) (*Controller, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, "state"), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	c := &Controller{
		stateDir:    stateDir,
		cfg:         applyDefaults(cfg),
		store:       st,
		logger:      logger.WithComponent("backoff"),
		occurrences: make(map[string]int),
	}
	c.loadPersisted()
	return c, nil
}

func applyDefaults(cfg model.BackoffConfig) model.BackoffConfig {
	if cfg.BaseCooldownSec <= 0 {
		cfg.BaseCooldownSec = 300
	}
	if cfg.Factor <= 1 {
		cfg.Factor = 1.5
	}
	if cfg.MaxWaitSec <= 0 {
		cfg.MaxWaitSec = 14400
	}
	if cfg.MinWaitSec <= 0 {
		cfg.MinWaitSec = 60
	}
	if cfg.MinTimedWaitSec <= 0 {
		cfg.MinTimedWaitSec = 300
	}
	return cfg
}

func (c *Controller) statePath() string      { return filepath.Join(c.stateDir, "state", "backoff.yaml") }
func (c *Controller) checkpointPath() string { return filepath.Join(c.stateDir, "state", "checkpoint.yaml") }
func (c *Controller) historyPath() string    { return filepath.Join(c.stateDir, "state", "backoff_history.yaml") }

// loadPersisted restores the active pause and occurrence history after a
// process restart. Corrupt files are logged and skipped; backoff state is
// reconstructible, never worth failing startup over.
func (c *Controller) loadPersisted() {
	if data, err := os.ReadFile(c.statePath()); err == nil {
		var st model.BackoffState
		if err := yamlv3.Unmarshal(data, &st); err == nil && st.Active {
			c.state = &st
			c.logger.Infof("backoff_state_restored pattern=%s resume_at=%s", st.DetectedPattern, st.EstimatedResumeAt)
		} else if err != nil {
			c.logger.Warnf("backoff_state_unreadable error=%v", err)
		}
	}
	if data, err := os.ReadFile(c.historyPath()); err == nil {
		var h history
		if err := yamlv3.Unmarshal(data, &h); err == nil && h.Occurrences != nil {
			c.occurrences = h.Occurrences
		} else if err != nil {
			c.logger.Warnf("backoff_history_unreadable error=%v", err)
		}
	}
}

// ComputeWaitSeconds converts a detection into a wait duration. Timed
// detections use the explicit resume timestamp verbatim (floored at the
// minimum timed wait); generic detections use exponential backoff keyed by
// the (task, pattern) occurrence count, which is NOT incremented here.
func (c *Controller) ComputeWaitSeconds(det *Detection, taskID string) int {
	if det.Kind == KindTimed {
		wait := int(time.Until(det.ResumeAt).Seconds())
		if wait < c.cfg.MinTimedWaitSec {
			wait = c.cfg.MinTimedWaitSec
		}
		return wait
	}

	c.mu.Lock()
	n := c.occurrences[occurrenceKey(taskID, det.Pattern)] + 1
	c.mu.Unlock()

	wait := int(float64(c.cfg.BaseCooldownSec) * math.Pow(c.cfg.Factor, float64(n-1)))
	if wait > c.cfg.MaxWaitSec {
		wait = c.cfg.MaxWaitSec
	}
	if wait < c.cfg.MinWaitSec {
		wait = c.cfg.MinWaitSec
	}
	return wait
}

// Pause records the backoff state and checkpoint, pauses the queue, and
// counts the occurrence. Idempotent: pausing again for the same (task,
// pattern) while already paused overwrites the state without double-counting.
func (c *Controller) Pause(waitSeconds int, taskID string, det *Detection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	resumeAt := now.Add(time.Duration(waitSeconds) * time.Second)
	key := occurrenceKey(taskID, det.Pattern)

	alreadyPaused := c.state != nil && c.state.Active &&
		c.state.TaskID == taskID && c.state.DetectedPattern == det.Pattern
	if !alreadyPaused && det.Kind == KindGeneric {
		c.occurrences[key]++
		if err := c.saveHistory(); err != nil {
			c.logger.Warnf("backoff_history_save_failed error=%v", err)
		}
	}

	st := &model.BackoffState{
		SchemaVersion:     model.CurrentSchemaVersion,
		FileType:          model.FileTypeBackoffState,
		Active:            true,
		DetectedPattern:   det.Pattern,
		OccurrenceCount:   c.occurrences[key],
		TaskID:            taskID,
		PauseStartedAt:    now.Format(time.RFC3339),
		EstimatedResumeAt: resumeAt.Format(time.RFC3339),
	}
	if err := yaml.AtomicWrite(c.statePath(), st); err != nil {
		return fmt.Errorf("persist backoff state: %w", err)
	}

	cp := &model.Checkpoint{
		SchemaVersion:       model.CurrentSchemaVersion,
		FileType:            model.FileTypeCheckpoint,
		TaskID:              taskID,
		Pattern:             det.Pattern,
		PauseTime:           st.PauseStartedAt,
		EstimatedResumeTime: st.EstimatedResumeAt,
		OccurrenceCount:     st.OccurrenceCount,
	}
	if err := yaml.AtomicWrite(c.checkpointPath(), cp); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}

	c.state = st

	if err := c.store.SetPaused(true, PauseReasonRateLimited); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	if !alreadyPaused {
		if err := c.store.BumpStats(func(s *model.QueueStats) { s.RateLimitPauses++ }); err != nil {
			c.logger.Warnf("stats_update_failed error=%v", err)
		}
	}

	c.logger.Infof("backoff_pause task=%s pattern=%s wait_sec=%d resume_at=%s occurrence=%d",
		taskID, det.Pattern, waitSeconds, st.EstimatedResumeAt, st.OccurrenceCount)
	return nil
}

// Active reports whether a backoff pause is in effect.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != nil && c.state.Active
}

// State returns a copy of the current backoff state, or nil.
func (c *Controller) State() *model.BackoffState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	st := *c.state
	return &st
}

// IsWaitComplete reports whether the estimated resume time has passed. Pure
// check, no side effects.
func (c *Controller) IsWaitComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil || !c.state.Active {
		return true
	}
	resumeAt, err := time.Parse(time.RFC3339, c.state.EstimatedResumeAt)
	if err != nil {
		return true
	}
	return !time.Now().UTC().Before(resumeAt)
}

// Resume clears the backoff state, deletes the checkpoint, and un-pauses the
// queue. This is the only path that un-pauses a rate-limited queue; an
// operator pause with a different reason is left alone.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.statePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backoff state: %w", err)
	}
	if err := os.Remove(c.checkpointPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	c.state = nil

	doc, err := c.store.Load()
	if err != nil {
		return err
	}
	if doc.Paused && doc.PauseReason != nil && *doc.PauseReason == PauseReasonRateLimited {
		if err := c.store.SetPaused(false, ""); err != nil {
			return fmt.Errorf("unpause queue: %w", err)
		}
	}

	c.logger.Infof("backoff_resume")
	return nil
}

// Checkpoint returns the persisted recovery checkpoint, or nil when none
// exists.
func (c *Controller) Checkpoint() (*model.Checkpoint, error) {
	data, err := os.ReadFile(c.checkpointPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp model.Checkpoint
	if err := yamlv3.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// ResetStats clears the occurrence history. Occurrence counts are otherwise
// never reset, including across resumes.
func (c *Controller) ResetStats() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.occurrences = make(map[string]int)
	return c.saveHistory()
}

// Occurrences returns the recorded count for a (task, pattern) pair.
func (c *Controller) Occurrences(taskID, pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.occurrences[occurrenceKey(taskID, pattern)]
}

func (c *Controller) saveHistory() error {
	return yaml.AtomicWrite(c.historyPath(), &history{
		SchemaVersion: model.CurrentSchemaVersion,
		FileType:      "state_backoff_history",
		Occurrences:   c.occurrences,
	})
}

func occurrenceKey(taskID, pattern string) string {
	return taskID + "|" + pattern
}
