// Package cache maintains an in-memory index over the queue store, rebuilt
// wholesale whenever the document's modification time changes. Cross-process
// coherency comes purely from that mtime check: another process's write is
// observed on the next access, so staleness is bounded by one access cycle.
package cache

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/store"
)

// Cache is safe for concurrent use within one process. Rebuilds are
// deduplicated with singleflight so a burst of callers after an invalidation
// triggers a single document parse.
type Cache struct {
	store  *store.Store
	logger *logging.Logger

	mu    sync.RWMutex
	index *index

	group singleflight.Group

	priorityAgingSec int
}

// index is the derived snapshot. It is replaced wholesale, never patched.
type index struct {
	doc          *model.QueueDocument
	byID         map[string]int // task id → position in doc.Tasks
	statusCounts map[model.Status]int
	sourceMtime  time.Time
}

func New(st *store.Store, cfg model.QueueConfig, logger *logging.Logger) *Cache {
	return &Cache{
		store:            st,
		logger:           logger.WithComponent("cache"),
		priorityAgingSec: cfg.PriorityAgingSec,
	}
}

// ensureFresh returns a current index, rebuilding if the on-disk document has
// changed since the snapshot was taken. A rebuild failure leaves the previous
// index in place and reports the error.
func (c *Cache) ensureFresh() (*index, error) {
	mtime := c.store.ModTime()

	c.mu.RLock()
	idx := c.index
	c.mu.RUnlock()

	if idx != nil && idx.sourceMtime.Equal(mtime) {
		return idx, nil
	}

	v, err, _ := c.group.Do("rebuild", func() (any, error) {
		return c.rebuild()
	})
	if err != nil {
		if idx != nil {
			c.logger.Errorf("cache_rebuild_failed keeping_stale_index error=%v", err)
			return idx, nil
		}
		return nil, err
	}
	return v.(*index), nil
}

func (c *Cache) rebuild() (*index, error) {
	// Capture mtime before reading so a write racing the read invalidates
	// this snapshot on the next access rather than being missed.
	mtime := c.store.ModTime()
	doc, err := c.store.Load()
	if err != nil {
		return nil, fmt.Errorf("rebuild cache: %w", err)
	}

	idx := &index{
		doc:          doc,
		byID:         make(map[string]int, len(doc.Tasks)),
		statusCounts: make(map[model.Status]int),
		sourceMtime:  mtime,
	}
	for i := range doc.Tasks {
		idx.byID[doc.Tasks[i].ID] = i
		idx.statusCounts[doc.Tasks[i].Status]++
	}

	c.mu.Lock()
	c.index = idx
	c.mu.Unlock()

	c.logger.Debugf("cache_rebuilt tasks=%d mtime=%s", len(doc.Tasks), mtime.Format(time.RFC3339))
	return idx, nil
}

// Invalidate discards the index so the next access rebuilds it.
func (c *Cache) Invalidate(reason string) {
	c.mu.Lock()
	c.index = nil
	c.mu.Unlock()
	c.logger.Debugf("cache_invalidated reason=%s", reason)
}

// Get returns a snapshot of the task with the given id, or nil.
func (c *Cache) Get(id string) (*model.Task, error) {
	idx, err := c.ensureFresh()
	if err != nil {
		return nil, err
	}
	pos, ok := idx.byID[id]
	if !ok {
		return nil, nil
	}
	t := idx.doc.Tasks[pos]
	return &t, nil
}

// Exists reports whether the task id is present.
func (c *Cache) Exists(id string) (bool, error) {
	t, err := c.Get(id)
	return t != nil, err
}

// Stats returns the per-status task counts.
func (c *Cache) Stats() (map[model.Status]int, error) {
	idx, err := c.ensureFresh()
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Status]int, len(idx.statusCounts))
	for k, v := range idx.statusCounts {
		counts[k] = v
	}
	return counts, nil
}

// Paused reports the queue pause flag and reason.
func (c *Cache) Paused() (bool, string, error) {
	idx, err := c.ensureFresh()
	if err != nil {
		return false, "", err
	}
	reason := ""
	if idx.doc.PauseReason != nil {
		reason = *idx.doc.PauseReason
	}
	return idx.doc.Paused, reason, nil
}

// NextPending returns the most urgent eligible pending task: lowest effective
// priority first, ties broken by creation time then id. Returns nil when the
// queue is paused, empty, or every pending task is deferred by not_before.
func (c *Cache) NextPending() (*model.Task, error) {
	idx, err := c.ensureFresh()
	if err != nil {
		return nil, err
	}
	if idx.doc.Paused {
		return nil, nil
	}

	now := time.Now().UTC()
	type candidate struct {
		pos               int
		effectivePriority int
		createdAt         time.Time
		id                string
	}
	var candidates []candidate
	for i := range idx.doc.Tasks {
		task := &idx.doc.Tasks[i]
		if task.Status != model.StatusPending {
			continue
		}
		if task.NotBefore != nil {
			notBefore, err := time.Parse(time.RFC3339, *task.NotBefore)
			if err == nil && now.Before(notBefore) {
				continue
			}
		}
		created, _ := time.Parse(time.RFC3339, task.CreatedAt)
		candidates = append(candidates, candidate{
			pos:               i,
			effectivePriority: effectivePriority(task.Priority, task.CreatedAt, c.priorityAgingSec),
			createdAt:         created,
			id:                task.ID,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].effectivePriority != candidates[j].effectivePriority {
			return candidates[i].effectivePriority < candidates[j].effectivePriority
		}
		if !candidates[i].createdAt.Equal(candidates[j].createdAt) {
			return candidates[i].createdAt.Before(candidates[j].createdAt)
		}
		return candidates[i].id < candidates[j].id
	})

	t := idx.doc.Tasks[candidates[0].pos]
	return &t, nil
}

// effectivePriority computes the aging-adjusted priority:
// max(0, priority - floor(age_seconds / priority_aging_sec)). Aging is
// disabled when priorityAgingSec <= 0.
func effectivePriority(priority int, createdAt string, priorityAgingSec int) int {
	if priorityAgingSec <= 0 {
		return priority
	}
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return priority
	}
	aging := int(math.Floor(time.Since(created).Seconds() / float64(priorityAgingSec)))
	result := priority - aging
	if result < 0 {
		return 0
	}
	return result
}
