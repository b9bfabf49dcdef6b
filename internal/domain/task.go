package domain

import "time"

type TaskStatus string

const (
	TaskPending     TaskStatus = "PENDING"
	TaskDispatching TaskStatus = "DISPATCHING"
	TaskProcessing  TaskStatus = "PROCESSING"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskFailed      TaskStatus = "FAILED"
	TaskCancelled   TaskStatus = "CANCELLED"
)

// Task is a unit of work to translate inline text or a stored audio
// artifact into one or more target languages. Exactly one of TextContent
// and AudioFilePath is populated at creation time.
type Task struct {
	ID string

	Status TaskStatus

	SourceLanguage   string
	TargetLanguages  []string
	TextContent      string
	AudioFilePath    string
	OriginalTextHint string

	AssignedNodeID string

	ResultFilePath string
	ErrorMessage   string
	RetryCount     int
	Accuracy       *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateTaskParams carries the caller-supplied fields for a new task; the
// repository fills in ID, status, timestamps, and retry count.
type CreateTaskParams struct {
	SourceLanguage   string
	TargetLanguages  []string
	TextContent      string
	AudioFilePath    string
	OriginalTextHint string
}

// TaskFilter narrows ListTasks results. Zero-value fields are ignored.
type TaskFilter struct {
	Status                  TaskStatus
	SourceLanguage          string
	TargetLanguageSubstring string
	TextContentSubstring    string
}
