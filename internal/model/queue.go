package model

// QueueDocument is the single persisted source of truth for all tasks and
// queue-level metadata. It is always written atomically (temp file + rename)
// so readers never observe a torn write.
type QueueDocument struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Tasks         []Task     `yaml:"tasks"`
	Paused        bool       `yaml:"paused"`
	PauseReason   *string    `yaml:"pause_reason"`
	LastModified  string     `yaml:"last_modified"`
	Stats         QueueStats `yaml:"stats"`
}

// Task is one unit of work to execute against the execution session.
type Task struct {
	ID             string   `yaml:"id"`
	Type           TaskType `yaml:"type"`
	Description    string   `yaml:"description"`
	Command        string   `yaml:"command"`
	Status         Status   `yaml:"status"`
	Priority       int      `yaml:"priority"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RetryCount     int      `yaml:"retry_count"`
	NotBefore      *string  `yaml:"not_before"`
	LastError      *string  `yaml:"last_error"`
	CreatedAt      string   `yaml:"created_at"`
	UpdatedAt      string   `yaml:"updated_at"`
}

// TaskType classifies where a task came from. The scheduler treats all types
// identically; the type only affects how the command was built at creation.
type TaskType string

const (
	TaskTypeCustom         TaskType = "custom"
	TaskTypeIssueReference TaskType = "issue_reference"
	TaskTypePRReference    TaskType = "pr_reference"
)

var validTaskTypes = map[TaskType]bool{
	TaskTypeCustom:         true,
	TaskTypeIssueReference: true,
	TaskTypePRReference:    true,
}

func ValidTaskType(t TaskType) bool {
	return validTaskTypes[t]
}

// QueueStats holds cumulative counters persisted with the document.
type QueueStats struct {
	TasksCompleted    int `yaml:"tasks_completed"`
	TasksFailed       int `yaml:"tasks_failed"`
	PermanentFailures int `yaml:"permanent_failures"`
	RateLimitPauses   int `yaml:"rate_limit_pauses"`
}

const (
	// CurrentSchemaVersion is the queue document schema version.
	CurrentSchemaVersion = 1
	// FileTypeQueue identifies a task queue document.
	FileTypeQueue = "queue_task"
)

// NewQueueDocument returns an empty, valid queue document.
func NewQueueDocument() *QueueDocument {
	return &QueueDocument{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeQueue,
		Tasks:         []Task{},
	}
}
