package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"msgdeck/internal/services/jobs"
	"msgdeck/internal/storage"
	"msgdeck/internal/transport"
	logx "msgdeck/pkg/logx"
)

type memStore struct {
	mu            sync.Mutex
	convs         map[string]storage.Conversation
	meta          map[string]storage.Meta
	msgs          map[string][]storage.Message
	marks         map[string]storage.Watermark
	participants  map[string][]storage.Participant
	mergeFailures map[string]int // uuid -> fail the Nth merge call (1-based)
	mergeCalls    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		convs:         map[string]storage.Conversation{},
		meta:          map[string]storage.Meta{},
		msgs:          map[string][]storage.Message{},
		marks:         map[string]storage.Watermark{},
		participants:  map[string][]storage.Participant{},
		mergeFailures: map[string]int{},
		mergeCalls:    map[string]int{},
	}
}

func (s *memStore) ListConversations(context.Context) ([]storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) UpsertConversation(_ context.Context, c storage.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.convs {
		if existing.RemoteID == c.RemoteID {
			c.UUID = existing.UUID
			s.convs[c.UUID] = c
			return false, nil
		}
	}
	s.convs[c.UUID] = c
	return true, nil
}

func (s *memStore) SetConversationMeta(_ context.Context, m storage.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[m.ConversationUUID] = m
	return nil
}

func (s *memStore) GetWatermark(_ context.Context, uuid string) (storage.Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.marks[uuid]
	return wm, ok, nil
}

func (s *memStore) MergeMessagePage(_ context.Context, uuid string, msgs []storage.Message, lastID int64, backfilled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeCalls[uuid]++
	if n := s.mergeFailures[uuid]; n > 0 && s.mergeCalls[uuid] == n {
		return errors.New("disk full")
	}
	s.msgs[uuid] = append(s.msgs[uuid], msgs...)
	wm := s.marks[uuid]
	if lastID > wm.LastMessageID {
		wm.LastMessageID = lastID
	}
	wm.ConversationUUID = uuid
	wm.Backfilled = backfilled
	s.marks[uuid] = wm
	return nil
}

func (s *memStore) MergeParticipants(_ context.Context, uuid string, ps []storage.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[uuid] = append(s.participants[uuid], ps...)
	return nil
}

func (s *memStore) uuidForRemote(remoteID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.RemoteID == remoteID {
			return c.UUID
		}
	}
	return ""
}

type fakeRemote struct {
	dialogs    []transport.Dialog
	msgs       map[int64][]transport.Message // remoteID -> full history, ascending ids
	failFetch  map[int64]int                 // remoteID -> fail the Nth fetch (1-based)
	fetchCalls map[int64]int
	listErr    error
}

func (f *fakeRemote) ListDialogs(context.Context) ([]transport.Dialog, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.dialogs, nil
}

func (f *fakeRemote) FetchMessages(_ context.Context, remoteID, afterID int64, pageSize int) ([]transport.Message, error) {
	if f.fetchCalls == nil {
		f.fetchCalls = map[int64]int{}
	}
	f.fetchCalls[remoteID]++
	if n := f.failFetch[remoteID]; n > 0 && f.fetchCalls[remoteID] == n {
		return nil, fmt.Errorf("connection reset")
	}
	var out []transport.Message
	for _, m := range f.msgs[remoteID] {
		if m.ID > afterID {
			out = append(out, m)
		}
		if len(out) == pageSize {
			break
		}
	}
	return out, nil
}

func (f *fakeRemote) SendMessage(context.Context, int64, string) (int64, error) {
	return 0, errors.New("not implemented")
}

func history(remoteID int64, n int) []transport.Message {
	out := make([]transport.Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, transport.Message{
			ID:       int64(i),
			SenderID: remoteID * 100,
			Text:     fmt.Sprintf("msg %d", i),
			SentAt:   time.Date(2026, 8, 1, 0, 0, i, 0, time.UTC),
		})
	}
	return out
}

func noProgress(int, int, string) {}

func TestSyncBackfillsNewConversation(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs: []transport.Dialog{{RemoteID: 7, Kind: transport.DialogPrivate, DisplayName: "Ada"}},
		msgs:    map[int64][]transport.Message{7: history(7, 5)},
	}
	p := New(Config{PageSize: 2, MaxBackfillPages: 10}, store, remote, logx.Nop())

	res, err := p.Work(Owner{})(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	r := res.(*Result)
	if r.NewConversations != 1 {
		t.Fatalf("new conversations = %d", r.NewConversations)
	}
	id := store.uuidForRemote(7)
	if got := len(store.msgs[id]); got != 5 {
		t.Fatalf("stored %d messages, want 5", got)
	}
	wm := store.marks[id]
	if wm.LastMessageID != 5 || !wm.Backfilled {
		t.Fatalf("watermark = %+v", wm)
	}
	if store.meta[id].Priority != "medium" {
		t.Fatalf("default priority = %q", store.meta[id].Priority)
	}
	// Pages: 2+2+1, the short last page marks the backfill done.
	if r.Conversations[0].Pages != 3 {
		t.Fatalf("pages = %d", r.Conversations[0].Pages)
	}
}

func TestSyncFetchesForwardOfWatermark(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs: []transport.Dialog{{RemoteID: 7, Kind: transport.DialogPrivate, DisplayName: "Ada"}},
		msgs:    map[int64][]transport.Message{7: history(7, 8)},
	}
	p := New(Config{PageSize: 10}, store, remote, logx.Nop())

	if _, err := p.Work(Owner{})(context.Background(), noProgress); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	id := store.uuidForRemote(7)
	if store.marks[id].LastMessageID != 8 {
		t.Fatalf("watermark after first sync = %d", store.marks[id].LastMessageID)
	}

	remote.msgs[7] = history(7, 11)
	if _, err := p.Work(Owner{})(context.Background(), noProgress); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := len(store.msgs[id]); got != 11 {
		t.Fatalf("stored %d messages, want 11 (no refetch of old ones)", got)
	}
	if store.marks[id].LastMessageID != 11 {
		t.Fatalf("watermark after second sync = %d", store.marks[id].LastMessageID)
	}
}

func TestSyncPartialFailureKeepsCommittedWatermark(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs: []transport.Dialog{
			{RemoteID: 1, Kind: transport.DialogPrivate, DisplayName: "Flaky"},
			{RemoteID: 2, Kind: transport.DialogPrivate, DisplayName: "Solid"},
		},
		msgs: map[int64][]transport.Message{
			1: history(1, 4),
			2: history(2, 3),
		},
		failFetch: map[int64]int{1: 2}, // page 2 of conversation 1 fails
	}
	p := New(Config{PageSize: 2, MaxBackfillPages: 10}, store, remote, logx.Nop())

	res, err := p.Work(Owner{})(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("sync should complete with embedded failures: %v", err)
	}
	r := res.(*Result)
	if len(r.Conversations) != 2 {
		t.Fatalf("outcomes = %d", len(r.Conversations))
	}

	flaky := store.uuidForRemote(1)
	if store.marks[flaky].LastMessageID != 2 {
		t.Fatalf("flaky watermark = %d, want page 1's last id 2", store.marks[flaky].LastMessageID)
	}
	var flakyOut, solidOut Outcome
	for _, o := range r.Conversations {
		switch o.DisplayName {
		case "Flaky":
			flakyOut = o
		case "Solid":
			solidOut = o
		}
	}
	if flakyOut.Error == "" {
		t.Fatal("flaky conversation should carry an error")
	}
	if solidOut.Error != "" || solidOut.NewMessages != 3 {
		t.Fatalf("solid outcome = %+v", solidOut)
	}
}

func TestSyncFailsWholesaleWhenNothingSyncs(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs:   []transport.Dialog{{RemoteID: 1, DisplayName: "Only"}},
		msgs:      map[int64][]transport.Message{1: history(1, 2)},
		failFetch: map[int64]int{1: 1},
	}
	p := New(Config{}, store, remote, logx.Nop())

	if _, err := p.Work(Owner{})(context.Background(), noProgress); err == nil {
		t.Fatal("want wholesale failure when no conversation synced")
	}
}

func TestSyncListDialogsAuthFailure(t *testing.T) {
	t.Parallel()
	p := New(Config{}, newMemStore(), &fakeRemote{listErr: transport.ErrAuthRequired}, logx.Nop())
	_, err := p.Work(Owner{})(context.Background(), noProgress)
	if jobs.Classify(err) != jobs.KindAuthRequired {
		t.Fatalf("Classify = %q, err = %v", jobs.Classify(err), err)
	}
}

func TestSyncCancellationAtPageBoundary(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs: []transport.Dialog{{RemoteID: 1, DisplayName: "Big"}},
		msgs:    map[int64][]transport.Message{1: history(1, 100)},
	}
	p := New(Config{PageSize: 10, MaxBackfillPages: 100}, store, remote, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	work := p.Work(Owner{})
	_, err := work(ctx, func(current, total int, msg string) {
		once.Do(cancel)
	})
	_ = err // either cancelled wholesale or recorded per-conversation

	// Whatever committed before cancellation stands and the watermark
	// matches the merged prefix exactly.
	id := store.uuidForRemote(1)
	if id != "" {
		if int64(len(store.msgs[id])) != store.marks[id].LastMessageID {
			t.Fatalf("merged %d messages but watermark is %d", len(store.msgs[id]), store.marks[id].LastMessageID)
		}
	}
}

func TestSyncMentionDetection(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs: []transport.Dialog{{RemoteID: 9, Kind: transport.DialogGroup, DisplayName: "Team"}},
		msgs: map[int64][]transport.Message{9: {
			{ID: 1, SenderID: 11, SenderName: "Bob", Text: "hey @Ada can you look at this"},
			{ID: 2, SenderID: 12, SenderName: "Eve", Text: "shipping tomorrow"},
		}},
	}
	p := New(Config{}, store, remote, logx.Nop())

	if _, err := p.Work(Owner{Username: "ada", FirstName: "Ada"})(context.Background(), noProgress); err != nil {
		t.Fatalf("sync: %v", err)
	}
	id := store.uuidForRemote(9)
	msgs := store.msgs[id]
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages", len(msgs))
	}
	if !msgs[0].MentionsOwner || msgs[1].MentionsOwner {
		t.Fatalf("mention flags = %v, %v", msgs[0].MentionsOwner, msgs[1].MentionsOwner)
	}
	if len(store.participants[id]) != 2 {
		t.Fatalf("participants merged = %d", len(store.participants[id]))
	}
}

func TestSyncPreviewTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs: []transport.Dialog{{
			RemoteID:    7,
			Kind:        transport.DialogPrivate,
			DisplayName: "Ada",
			LastPreview: strings.Repeat("ж", 300),
		}},
		msgs: map[int64][]transport.Message{7: history(7, 1)},
	}
	p := New(Config{}, store, remote, logx.Nop())

	if _, err := p.Work(Owner{})(context.Background(), noProgress); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got := store.convs[store.uuidForRemote(7)].LastPreview
	if !utf8.ValidString(got) {
		t.Fatal("stored preview is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != 200 {
		t.Fatalf("preview length = %d runes, want 200", n)
	}
}

func TestSyncBackfillCap(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	remote := &fakeRemote{
		dialogs: []transport.Dialog{{RemoteID: 1, DisplayName: "Huge"}},
		msgs:    map[int64][]transport.Message{1: history(1, 1000)},
	}
	p := New(Config{PageSize: 50, MaxBackfillPages: 2}, store, remote, logx.Nop())

	res, err := p.Work(Owner{})(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	r := res.(*Result)
	if r.Conversations[0].Pages != 2 || r.Conversations[0].NewMessages != 100 {
		t.Fatalf("outcome = %+v", r.Conversations[0])
	}
	id := store.uuidForRemote(1)
	if store.marks[id].Backfilled {
		t.Fatal("capped backfill must not claim completion")
	}
}
