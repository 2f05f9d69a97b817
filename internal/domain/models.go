package domain

import (
	"time"
)

// PageImage represents a single converted PDF page
type PageImage struct {
	PageNumber int
	ImagePath  string // Path to temporary JPG file
	Width      int
	Height     int
}

// TaskStatus is the lifecycle state of a task within one run.
type TaskStatus string

const (
	// TaskPending and TaskInProgress name the states before an Outcome
	// exists. Outcomes only carry the end states below; the reporter counts
	// in-progress tasks instead of storing this status on each task.
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	// TaskCancelled marks a task interrupted before its output was written.
	// It is absent from the checkpoint and is picked up by the next run.
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of extraction work: one input document.
type Task struct {
	ID         string // stable across runs, derived from RelPath
	Index      int    // position in the natural-sorted input listing
	InputPath  string
	RelPath    string // input path relative to the input folder, slash separated
	OutputPath string
}

// FailureReason explains why a task ended Failed.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonNoCredential          FailureReason = "NoCredentialAvailable"
	ReasonQuotaExhaustedAllKeys FailureReason = "QuotaExhaustedAllKeys"
	ReasonTransientExhausted    FailureReason = "TransientErrorRetriesExhausted"
	ReasonInvalidCredential     FailureReason = "InvalidCredential"
	ReasonPermanent             FailureReason = "PermanentError"
	ReasonCheckpoint            FailureReason = "CheckpointWriteFailed"
)

// Outcome is the typed result of processing one task.
type Outcome struct {
	Task     Task
	Status   TaskStatus
	Reason   FailureReason
	Detail   string
	Attempts int // recognition calls made
	Duration time.Duration
}

// Completed reports whether the task reached its terminal success state.
func (o Outcome) Completed() bool {
	return o.Status == TaskCompleted
}

// CheckpointRecord marks a task whose output artifact is fully written.
type CheckpointRecord struct {
	TaskID      string    `json:"task_id"`
	OutputPath  string    `json:"output_path"`
	CompletedAt time.Time `json:"completed_at"`
	Note        string    `json:"note,omitempty"`
}

// ProgressSnapshot is a point-in-time view of a run.
type ProgressSnapshot struct {
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	InProgress int           `json:"in_progress"`
	Elapsed    time.Duration `json:"elapsed"`
	Rate       float64       `json:"rate_per_minute"`
	ETA        time.Duration `json:"eta"`
	ETAKnown   bool          `json:"eta_known"`
	Done       bool          `json:"done"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Settled is the number of tasks that have reached an end state.
func (s ProgressSnapshot) Settled() int {
	return s.Completed + s.Failed + s.Cancelled
}

// Remaining is the number of tasks not yet settled.
func (s ProgressSnapshot) Remaining() int {
	r := s.Total - s.Settled()
	if r < 0 {
		return 0
	}
	return r
}
