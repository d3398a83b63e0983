package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one line of the JSONL audit log.
type AuditEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends task lifecycle events to an append-only JSONL file.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

func NewAuditLogger(logPath string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{file: file}, nil
}

// Record writes one entry. Common fields are lifted out of the details map.
func (l *AuditLogger) Record(event Event) error {
	entry := AuditEntry{
		Timestamp: event.Timestamp,
		EventType: string(event.Type),
		Details:   event.Data,
	}
	if taskID, ok := event.Data["task_id"].(string); ok {
		entry.TaskID = taskID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// SubscribeAll attaches the audit logger to every known event type on the bus.
func (l *AuditLogger) SubscribeAll(bus *Bus) {
	for _, et := range []EventType{
		EventTaskStarted, EventTaskCompleted, EventTaskFailed,
		EventQueuePaused, EventQueueResumed,
	} {
		bus.Subscribe(et, func(e Event) { _ = l.Record(e) })
	}
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}
