package jobs

import (
	"context"
	"time"

	"msgdeck/internal/storage"
)

// Type names a job kind. The type name doubles as the job's resource
// class: at most one job of each type is active at a time.
type Type string

const (
	TypeSync     Type = "sync"
	TypeReport   Type = "report"
	TypeBulkSend Type = "bulk_send"
)

func (t Type) valid() bool {
	switch t {
	case TypeSync, TypeReport, TypeBulkSend:
		return true
	}
	return false
}

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ProgressFunc reports job progress. Calls are fire-and-forget: the runner
// never blocks the job on slow observers. total may be 0 (indeterminate).
type ProgressFunc func(current, total int, message string)

// WorkFunc is a job's body. It runs on one worker, observes ctx for
// cooperative cancellation at its checkpoints, and returns a
// JSON-serializable result on success.
type WorkFunc func(ctx context.Context, progress ProgressFunc) (result any, err error)

// Request describes a job to enqueue.
type Request struct {
	Type Type
	Run  WorkFunc
}

// Config controls the worker pool.
type Config struct {
	Workers   int // default 2
	QueueSize int // default 16
}

// Event bus types published by the engine.
const (
	EventQueued    = "job.queued"
	EventRunning   = "job.running"
	EventProgress  = "job.progress"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
)

// Event is the bus payload for every job state change and progress update.
type Event struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	State   string `json:"state"`
	Current int    `json:"progress_current"`
	Total   int    `json:"progress_total"`
	Message string `json:"progress_message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RecordStore is the durable job record collaborator (satisfied by
// storage.Store).
type RecordStore interface {
	CreateJob(ctx context.Context, j storage.JobRecord) error
	MarkJobRunning(ctx context.Context, id string) error
	UpdateJobProgress(ctx context.Context, id string, current, total int, message string) error
	FinishJob(ctx context.Context, id, state, resultJSON, errorKind, errorMessage string, endedAt time.Time) error
	GetJob(ctx context.Context, id string) (storage.JobRecord, error)
	RecentJobs(ctx context.Context, limit int) ([]storage.JobRecord, error)
	ReconcileInterrupted(ctx context.Context, errorKind, errorMessage string) ([]string, error)
}
