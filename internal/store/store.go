// Package store implements durable, atomic persistence of the task queue
// document. All mutating operations follow the same shape: take the queue
// lock, reload the document from disk, mutate, publish atomically. The lock
// is two-level: a keyed mutex serializes goroutines in this process, and a
// blocking flock serializes the CLI and the daemon mutating the same file
// from separate processes. Status updates are compare-and-set on top, so a
// claim that lost the race reports a conflict instead of overwriting.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/yaml"
)

const queueLockKey = "queue"

// Store owns the queue document at <stateDir>/queue/tasks.yaml.
type Store struct {
	stateDir    string
	path        string
	locks       *lock.MutexMap
	flock       *lock.Flock
	logger      *logging.Logger
	saveRetries int

	lastBackupPath string
}

func New(stateDir string, cfg model.QueueConfig, locks *lock.MutexMap, logger *logging.Logger) (*Store, error) {
	queueDir := filepath.Join(stateDir, "queue")
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "backups"), 0755); err != nil {
		return nil, fmt.Errorf("create backups dir: %w", err)
	}
	locksDir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}

	saveRetries := cfg.SaveRetries
	if saveRetries <= 0 {
		saveRetries = 3
	}

	return &Store{
		stateDir:    stateDir,
		path:        filepath.Join(queueDir, "tasks.yaml"),
		locks:       locks,
		flock:       lock.NewFlock(filepath.Join(locksDir, "queue.lock")),
		logger:      logger.WithComponent("store"),
		saveRetries: saveRetries,
	}, nil
}

// lockQueue acquires both levels of the queue lock and returns the release
// function. Every read-modify-write cycle goes through here; a CLI mutation
// and a daemon save can then never interleave their reload and publish.
func (s *Store) lockQueue() (func(), error) {
	s.locks.Lock(queueLockKey)
	if err := s.flock.Lock(); err != nil {
		s.locks.Unlock(queueLockKey)
		return nil, fmt.Errorf("lock queue: %w", err)
	}
	return func() {
		if err := s.flock.Unlock(); err != nil {
			s.logger.Warnf("queue_unlock_failed error=%v", err)
		}
		s.locks.Unlock(queueLockKey)
	}, nil
}

// Path returns the queue document path.
func (s *Store) Path() string {
	return s.path
}

// ModTime returns the document's modification time, the authoritative marker
// for cache invalidation. A missing file reports the zero time.
func (s *Store) ModTime() time.Time {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Load reads the queue document. A missing file yields an empty document. A
// corrupt file is quarantined, restored from .bak when possible, and
// otherwise replaced with an empty skeleton. Read errors never abort the
// daemon.
func (s *Store) Load() (*model.QueueDocument, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return model.NewQueueDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue document: %w", err)
	}

	var doc model.QueueDocument
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		s.logger.Errorf("queue_document_corrupt path=%s error=%v", s.path, err)
		return s.recoverCorrupt()
	}
	if doc.Tasks == nil {
		doc.Tasks = []model.Task{}
	}
	return &doc, nil
}

func (s *Store) recoverCorrupt() (*model.QueueDocument, error) {
	if err := yaml.Quarantine(s.stateDir, s.path); err != nil {
		return nil, fmt.Errorf("quarantine queue document: %w", err)
	}
	if err := yaml.RestoreFromBackup(s.path); err == nil {
		s.logger.Warnf("queue_document_restored_from_backup path=%s", s.path)
		return s.Load()
	}
	s.logger.Warnf("queue_document_reset_to_empty path=%s", s.path)
	return model.NewQueueDocument(), nil
}

// Save publishes the document atomically, stamping last_modified. Writes are
// retried a bounded number of times before the error surfaces to the caller.
func (s *Store) Save(doc *model.QueueDocument) error {
	doc.SchemaVersion = model.CurrentSchemaVersion
	doc.FileType = model.FileTypeQueue
	doc.LastModified = time.Now().UTC().Format(time.RFC3339)

	var lastErr error
	for attempt := 1; attempt <= s.saveRetries; attempt++ {
		if lastErr = yaml.AtomicWrite(s.path, doc); lastErr == nil {
			return nil
		}
		s.logger.Warnf("queue_save_retry attempt=%d/%d error=%v", attempt, s.saveRetries, lastErr)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("save queue document after %d attempts: %w", s.saveRetries, lastErr)
}

// Append adds a task to the queue, assigning id, timestamps, and defaults if
// absent. Insertion order defines the FIFO tie-break for equal priority.
func (s *Store) Append(task model.Task) (*model.Task, error) {
	unlock, err := s.lockQueue()
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.Load()
	if err != nil {
		return nil, err
	}

	if task.ID == "" {
		id, err := model.GenerateID(task.Type)
		if err != nil {
			return nil, err
		}
		task.ID = id
	}
	if task.Status == "" {
		task.Status = model.StatusPending
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if task.CreatedAt == "" {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	doc.Tasks = append(doc.Tasks, task)
	if err := s.Save(doc); err != nil {
		return nil, err
	}

	s.logger.Infof("task_appended id=%s type=%s priority=%d", task.ID, task.Type, task.Priority)
	return &task, nil
}

// Get returns a snapshot of the task with the given id.
func (s *Store) Get(id string) (*model.Task, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			t := doc.Tasks[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

// UpdateStatus transitions the task to the given status, enforcing the
// transition table.
func (s *Store) UpdateStatus(id string, status model.Status) error {
	return s.Mutate(id, func(task *model.Task) error {
		return transition(task, status)
	})
}

// UpdateStatusIf transitions the task only if it is currently in the expected
// status. This is the compare-and-set primitive that keeps two scheduler
// instances from claiming the same task: the reload inside the queue mutex
// observes any concurrent rename-published write, and a mismatch reports
// ErrStatusConflict instead of overwriting it.
func (s *Store) UpdateStatusIf(id string, expected, status model.Status) error {
	return s.Mutate(id, func(task *model.Task) error {
		if task.Status != expected {
			return fmt.Errorf("task %s is %s, expected %s: %w", id, task.Status, expected, ErrStatusConflict)
		}
		return transition(task, status)
	})
}

// Mutate applies fn to the task under the queue lock and persists the result.
func (s *Store) Mutate(id string, fn func(*model.Task) error) error {
	unlock, err := s.lockQueue()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.Load()
	if err != nil {
		return err
	}

	for i := range doc.Tasks {
		if doc.Tasks[i].ID != id {
			continue
		}
		if err := fn(&doc.Tasks[i]); err != nil {
			return err
		}
		doc.Tasks[i].UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return s.Save(doc)
	}
	return fmt.Errorf("task %s: %w", id, ErrNotFound)
}

// MutateDocument applies fn to the whole document under the queue lock.
func (s *Store) MutateDocument(fn func(*model.QueueDocument) error) error {
	unlock, err := s.lockQueue()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.Save(doc)
}

// SetPaused flips the queue pause flag. An empty reason clears pause_reason.
func (s *Store) SetPaused(paused bool, reason string) error {
	err := s.MutateDocument(func(doc *model.QueueDocument) error {
		doc.Paused = paused
		if paused && reason != "" {
			doc.PauseReason = &reason
		} else {
			doc.PauseReason = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Infof("queue_paused=%v reason=%q", paused, reason)
	return nil
}

// BumpStats updates the persisted counters.
func (s *Store) BumpStats(fn func(*model.QueueStats)) error {
	return s.MutateDocument(func(doc *model.QueueDocument) error {
		fn(&doc.Stats)
		return nil
	})
}

// Clear removes all tasks after taking a backup. Pause state and stats are
// preserved.
func (s *Store) Clear() error {
	unlock, err := s.lockQueue()
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.backupLocked("clear"); err != nil {
		return err
	}

	doc, err := s.Load()
	if err != nil {
		return err
	}
	n := len(doc.Tasks)
	doc.Tasks = []model.Task{}
	if err := s.Save(doc); err != nil {
		return err
	}
	s.logger.Infof("queue_cleared tasks_removed=%d", n)
	return nil
}

// Requeue is the operator escape hatch that returns a failed or permanently
// failed task to pending with a fresh retry budget. It takes a backup first
// because it bypasses the normal transition table.
func (s *Store) Requeue(id string) error {
	unlock, err := s.lockQueue()
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.backupLocked("requeue"); err != nil {
		return err
	}

	doc, err := s.Load()
	if err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID != id {
			continue
		}
		task := &doc.Tasks[i]
		if task.Status != model.StatusFailed && task.Status != model.StatusFailedPermanent {
			return fmt.Errorf("task %s is %s, not failed: %w", id, task.Status, ErrStatusConflict)
		}
		task.Status = model.StatusPending
		task.RetryCount = 0
		task.NotBefore = nil
		task.LastError = nil
		task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := s.Save(doc); err != nil {
			return err
		}
		s.logger.Infof("task_requeued id=%s", id)
		return nil
	}
	return fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func transition(task *model.Task, status model.Status) error {
	if err := model.ValidateTaskTransition(task.Status, status); err != nil {
		return err
	}
	task.Status = status
	return nil
}

// IsNotFound reports whether err is a missing-task error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
