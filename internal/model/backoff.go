package model

// BackoffState is persisted while the queue is paused for external
// unavailability. It is created on detection and cleared on resume.
type BackoffState struct {
	SchemaVersion     int    `yaml:"schema_version"`
	FileType          string `yaml:"file_type"`
	Active            bool   `yaml:"active"`
	DetectedPattern   string `yaml:"detected_pattern"`
	OccurrenceCount   int    `yaml:"occurrence_count"`
	TaskID            string `yaml:"task_id"`
	PauseStartedAt    string `yaml:"pause_started_at"`
	EstimatedResumeAt string `yaml:"estimated_resume_at"`
}

// Checkpoint records the in-flight task when backoff begins so a restarted
// process can recover the same point. Deleted on resume.
type Checkpoint struct {
	SchemaVersion       int    `yaml:"schema_version"`
	FileType            string `yaml:"file_type"`
	TaskID              string `yaml:"task_id"`
	Pattern             string `yaml:"pattern"`
	PauseTime           string `yaml:"pause_time"`
	EstimatedResumeTime string `yaml:"estimated_resume_time"`
	OccurrenceCount     int    `yaml:"occurrence_count"`
}

const (
	FileTypeBackoffState = "state_backoff"
	FileTypeCheckpoint   = "state_checkpoint"
)
