package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "deck.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedConversation(t *testing.T, st Store, uuid string, remoteID int64) {
	t.Helper()
	_, err := st.UpsertConversation(context.Background(), Conversation{
		UUID:     uuid,
		RemoteID: remoteID,
		Kind:     "private",
	})
	if err != nil {
		t.Fatalf("seed %s: %v", uuid, err)
	}
}

func TestConversationUpsertRoundTrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	c := Conversation{
		UUID:          "c1",
		RemoteID:      100,
		Kind:          "private",
		DisplayName:   "Ada",
		Username:      "ada",
		UnreadCount:   3,
		LastMessageAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		LastPreview:   "hello",
	}
	created, err := st.UpsertConversation(ctx, c)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create")
	}

	c.DisplayName = "Ada L"
	c.UnreadCount = 0
	created, err = st.UpsertConversation(ctx, c)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if created {
		t.Fatal("second upsert should update, not create")
	}

	got, err := st.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Ada L" || got.UnreadCount != 0 || got.RemoteID != 100 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.LastMessageAt.Equal(c.LastMessageAt) {
		t.Fatalf("last_message_at = %v, want %v", got.LastMessageAt, c.LastMessageAt)
	}

	if _, err := st.GetConversation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
}

func TestConversationMetaDefaults(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", 100)

	m, err := st.ConversationMeta(ctx, "c1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if m.Priority != "medium" || m.VIP {
		t.Fatalf("absent meta should read as defaults, got %+v", m)
	}

	want := Meta{ConversationUUID: "c1", Priority: "high", VIP: true, CustomFieldsJSON: `{"company":"ACME"}`}
	if err := st.SetConversationMeta(ctx, want); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	m, err = st.ConversationMeta(ctx, "c1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if m.Priority != "high" || !m.VIP || m.CustomFieldsJSON != want.CustomFieldsJSON {
		t.Fatalf("meta mismatch: %+v", m)
	}
}

func TestMergeMessagePageAdvancesWatermarkMonotonically(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", 100)

	msgs := []Message{
		{ConversationUUID: "c1", MessageID: 1, Text: "one", SentAt: time.Now()},
		{ConversationUUID: "c1", MessageID: 2, Text: "two", SentAt: time.Now()},
	}
	if err := st.MergeMessagePage(ctx, "c1", msgs, 2, false); err != nil {
		t.Fatalf("merge: %v", err)
	}

	wm, ok, err := st.GetWatermark(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("watermark: ok=%v err=%v", ok, err)
	}
	if wm.LastMessageID != 2 || wm.Backfilled {
		t.Fatalf("watermark = %+v", wm)
	}

	// A stale, lower lastID must not move the watermark backwards, and the
	// backfilled flag is sticky.
	if err := st.MergeMessagePage(ctx, "c1", nil, 1, true); err != nil {
		t.Fatalf("merge stale: %v", err)
	}
	wm, _, err = st.GetWatermark(ctx, "c1")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm.LastMessageID != 2 || !wm.Backfilled {
		t.Fatalf("watermark regressed: %+v", wm)
	}
	if err := st.MergeMessagePage(ctx, "c1", nil, 0, false); err != nil {
		t.Fatalf("merge: %v", err)
	}
	wm, _, _ = st.GetWatermark(ctx, "c1")
	if !wm.Backfilled {
		t.Fatal("backfilled flag must not clear")
	}

	// Duplicate message ids are ignored, not duplicated.
	if err := st.MergeMessagePage(ctx, "c1", msgs, 2, false); err != nil {
		t.Fatalf("merge dup: %v", err)
	}
	got, err := st.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
}

func TestRecentMessagesReturnsLastNOldestFirst(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", 100)

	var msgs []Message
	for i := int64(1); i <= 5; i++ {
		msgs = append(msgs, Message{ConversationUUID: "c1", MessageID: i, Text: "m", SentAt: time.Now()})
	}
	if err := st.MergeMessagePage(ctx, "c1", msgs, 5, true); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := st.RecentMessages(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, id := range []int64{3, 4, 5} {
		if got[i].MessageID != id {
			t.Fatalf("message %d id = %d, want %d", i, got[i].MessageID, id)
		}
	}
}

func TestJobLifecyclePersistence(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	rec := JobRecord{ID: "j1", Type: "sync", State: "queued", CreatedAt: time.Now()}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.MarkJobRunning(ctx, "j1"); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := st.UpdateJobProgress(ctx, "j1", 2, 5, "syncing Ada"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := st.FinishJob(ctx, "j1", "completed", `{"pages":2}`, "", "", time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := st.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "completed" || got.ResultJSON != `{"pages":2}` {
		t.Fatalf("job = %+v", got)
	}
	if got.ProgressCurrent != 2 || got.ProgressTotal != 5 || got.ProgressMessage != "syncing Ada" {
		t.Fatalf("progress lost: %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("ended_at not set")
	}
}

func TestReconcileInterrupted(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for _, j := range []JobRecord{
		{ID: "stale-running", Type: "sync", State: "running", CreatedAt: base},
		{ID: "stale-queued", Type: "report", State: "queued", CreatedAt: base.Add(time.Second)},
		{ID: "done", Type: "sync", State: "completed", CreatedAt: base.Add(2 * time.Second)},
	} {
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	ids, err := st.ReconcileInterrupted(ctx, "interrupted", "engine restarted")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("reconciled %d jobs, want 2: %v", len(ids), ids)
	}

	for _, id := range []string{"stale-running", "stale-queued"} {
		got, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.State != "failed" || got.ErrorKind != "interrupted" {
			t.Fatalf("%s = %+v", id, got)
		}
	}
	got, err := st.GetJob(ctx, "done")
	if err != nil {
		t.Fatalf("get done: %v", err)
	}
	if got.State != "completed" {
		t.Fatalf("terminal job must be untouched, got %+v", got)
	}

	// Second pass is a no-op.
	ids, err = st.ReconcileInterrupted(ctx, "interrupted", "engine restarted")
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("second reconcile flipped %v", ids)
	}
}

func TestReportsAndState(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.LatestReport(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty reports: %v", err)
	}

	for i, body := range []string{`{"n":1}`, `{"n":2}`} {
		_, err := st.SaveReport(ctx, Report{
			GeneratedAt: time.Now().Add(time.Duration(i) * time.Minute),
			CoversSince: time.Now().Add(-time.Hour),
			ReportJSON:  body,
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	r, err := st.LatestReport(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if r.ReportJSON != `{"n":2}` {
		t.Fatalf("latest = %q", r.ReportJSON)
	}

	if _, ok, err := st.GetState(ctx, "caught_up_at"); err != nil || ok {
		t.Fatalf("absent state: ok=%v err=%v", ok, err)
	}
	if err := st.SetState(ctx, "caught_up_at", "2026-08-01T00:00:00Z"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.SetState(ctx, "caught_up_at", "2026-08-02T00:00:00Z"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := st.GetState(ctx, "caught_up_at")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v != "2026-08-02T00:00:00Z" {
		t.Fatalf("state = %q", v)
	}
}
