package storage

import (
	"context"
	"time"
)

// Store is the persistence API consumed by the job engine and pipelines.
//
// Each call is individually atomic; the engine never requires multi-call
// transactions (MergeMessagePage commits a page and its watermark advance
// together, which is the only cross-record invariant).
type Store interface {
	// Conversations.
	UpsertConversation(ctx context.Context, c Conversation) (created bool, err error)
	GetConversation(ctx context.Context, uuid string) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	ConversationsActiveSince(ctx context.Context, since time.Time, limit int) ([]Conversation, error)
	ConversationMeta(ctx context.Context, uuid string) (Meta, error)
	SetConversationMeta(ctx context.Context, m Meta) error

	// Messages and watermarks.
	MergeMessagePage(ctx context.Context, uuid string, msgs []Message, lastID int64, backfilled bool) error
	RecentMessages(ctx context.Context, uuid string, limit int) ([]Message, error)
	GetWatermark(ctx context.Context, uuid string) (Watermark, bool, error)
	MergeParticipants(ctx context.Context, uuid string, ps []Participant) error

	// Reports.
	SaveReport(ctx context.Context, r Report) (int64, error)
	LatestReport(ctx context.Context) (Report, error)

	// Job records.
	CreateJob(ctx context.Context, j JobRecord) error
	UpdateJobProgress(ctx context.Context, id string, current, total int, message string) error
	MarkJobRunning(ctx context.Context, id string) error
	FinishJob(ctx context.Context, id, state, resultJSON, errorKind, errorMessage string, endedAt time.Time) error
	GetJob(ctx context.Context, id string) (JobRecord, error)
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	ReconcileInterrupted(ctx context.Context, errorKind, errorMessage string) ([]string, error)

	// Free-form user state (caught_up_at, last_report_at, ...).
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the SQLite store at cfg.Path.
func Open(cfg Config) (Store, error) {
	return openSQLite(cfg)
}
