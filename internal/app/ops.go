package app

import (
	"context"
	"time"

	"msgdeck/internal/eventbus"
	"msgdeck/internal/llm"
	"msgdeck/internal/services/bulksend"
	"msgdeck/internal/services/jobs"
	"msgdeck/internal/services/report"
	"msgdeck/internal/storage"
)

// StartSync enqueues a sync job. Returns jobs.ErrResourceBusy when a sync
// is already active.
func (a *App) StartSync(ctx context.Context) (string, error) {
	return a.engine.Enqueue(ctx, jobs.Request{
		Type: jobs.TypeSync,
		Run:  a.syncer.Work(a.owner),
	})
}

// StartReport enqueues a report job.
func (a *App) StartReport(ctx context.Context) (string, error) {
	return a.engine.Enqueue(ctx, jobs.Request{
		Type: jobs.TypeReport,
		Run: a.reporter.Work(llm.Owner{
			Username:  a.owner.Username,
			FirstName: a.owner.FirstName,
			UserID:    a.owner.UserID,
		}),
	})
}

// PreviewBulkSend renders the batch and issues its confirmation code.
// Synchronous; no job record is created and nothing is sent.
func (a *App) PreviewBulkSend(ctx context.Context, conversationUUIDs []string, template string) (*bulksend.Preview, error) {
	return a.bulk.PreviewBatch(ctx, conversationUUIDs, template)
}

// ExecuteBulkSend validates the confirmation code against its preview and,
// on a match, enqueues the send job. Mismatches, oversized batches, and a
// busy bulk_send class are all rejected synchronously with no job record.
// An admission rejection restores the preview, so the same code stays
// valid for a retry.
func (a *App) ExecuteBulkSend(ctx context.Context, conversationUUIDs []string, template, code string) (string, error) {
	restore, err := a.bulk.Authorize(conversationUUIDs, template, code)
	if err != nil {
		return "", err
	}
	id, err := a.engine.Enqueue(ctx, jobs.Request{
		Type: jobs.TypeBulkSend,
		Run:  a.bulk.Work(conversationUUIDs, template),
	})
	if err != nil {
		restore()
		return "", err
	}
	return id, nil
}

// Job returns the durable record for one job.
func (a *App) Job(ctx context.Context, id string) (storage.JobRecord, error) {
	return a.engine.Get(ctx, id)
}

// RecentJobs returns the latest job records, newest first.
func (a *App) RecentJobs(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	return a.engine.Recent(ctx, limit)
}

// CancelJob requests cooperative cancellation of an active job.
func (a *App) CancelJob(id string) error {
	return a.engine.Cancel(id)
}

// Events subscribes to job progress events. Call unsubscribe when done.
func (a *App) Events(buffer int) (<-chan eventbus.Event, func()) {
	return a.bus.Subscribe(buffer)
}

// LatestReport returns the most recently persisted report.
func (a *App) LatestReport(ctx context.Context) (storage.Report, error) {
	return a.store.LatestReport(ctx)
}

// Conversations lists the locally mirrored conversations.
func (a *App) Conversations(ctx context.Context) ([]storage.Conversation, error) {
	return a.store.ListConversations(ctx)
}

// MarkCaughtUp records "I have read everything up to now"; the next report
// covers activity from this point.
func (a *App) MarkCaughtUp(ctx context.Context) error {
	return a.store.SetState(ctx, report.StateCaughtUpAt, time.Now().UTC().Format(time.RFC3339Nano))
}
