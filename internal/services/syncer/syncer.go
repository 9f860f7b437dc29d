// Package syncer implements the incremental sync job: it pulls dialogs and
// new messages from the remote messenger, merges them into the store page
// by page, and advances per-conversation watermarks only after each page
// has been committed.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"msgdeck/internal/services/jobs"
	"msgdeck/internal/storage"
	"msgdeck/internal/transport"
	logx "msgdeck/pkg/logx"
)

type Config struct {
	PageSize         int // messages per fetch, default 50
	MaxBackfillPages int // lookback cap for never-synced conversations, default 4
}

// Owner identifies the inbox owner; used to flag messages that mention them.
type Owner struct {
	Username  string
	FirstName string
	UserID    int64
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	ListConversations(ctx context.Context) ([]storage.Conversation, error)
	UpsertConversation(ctx context.Context, c storage.Conversation) (created bool, err error)
	SetConversationMeta(ctx context.Context, m storage.Meta) error
	GetWatermark(ctx context.Context, uuid string) (storage.Watermark, bool, error)
	MergeMessagePage(ctx context.Context, uuid string, msgs []storage.Message, lastID int64, backfilled bool) error
	MergeParticipants(ctx context.Context, uuid string, ps []storage.Participant) error
}

// Outcome is the per-conversation entry in a sync job's result.
type Outcome struct {
	UUID        string `json:"conversation_uuid"`
	DisplayName string `json:"display_name"`
	NewMessages int    `json:"new_messages"`
	Pages       int    `json:"pages"`
	Error       string `json:"error,omitempty"`
}

// Result is the sync job's terminal payload. Per-conversation failures are
// embedded here; the job as a whole fails only when nothing synced.
type Result struct {
	NewConversations     int       `json:"new_conversations"`
	UpdatedConversations int       `json:"updated_conversations"`
	Conversations        []Outcome `json:"conversations"`
}

type Pipeline struct {
	cfg    Config
	store  Store
	remote transport.Messenger
	log    logx.Logger
}

func New(cfg Config, store Store, remote transport.Messenger, log logx.Logger) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxBackfillPages <= 0 {
		cfg.MaxBackfillPages = 4
	}
	return &Pipeline{cfg: cfg, store: store, remote: remote, log: log}
}

// Work returns the job body for one sync run.
func (p *Pipeline) Work(owner Owner) jobs.WorkFunc {
	return func(ctx context.Context, progress jobs.ProgressFunc) (any, error) {
		return p.run(ctx, owner, progress)
	}
}

func (p *Pipeline) run(ctx context.Context, owner Owner, progress jobs.ProgressFunc) (*Result, error) {
	dialogs, err := p.remote.ListDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}

	known, err := p.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	byRemote := make(map[int64]storage.Conversation, len(known))
	for _, c := range known {
		byRemote[c.RemoteID] = c
	}

	mentions := mentionPatterns(owner)
	res := &Result{}
	total := len(dialogs)

	for i, d := range dialogs {
		// Conversation boundary is a cancellation checkpoint. Pages already
		// merged stay merged.
		if err := ctx.Err(); err != nil {
			return nil, jobs.Fail(jobs.KindCancelled, err)
		}

		conv, created, err := p.upsertDialog(ctx, d, byRemote)
		if err != nil {
			res.Conversations = append(res.Conversations, Outcome{
				DisplayName: d.DisplayName,
				Error:       err.Error(),
			})
			p.log.Warn("sync dialog upsert failed", logx.Int64("remote", d.RemoteID), logx.Err(err))
			continue
		}
		if created {
			res.NewConversations++
		} else {
			res.UpdatedConversations++
		}

		out := p.syncMessages(ctx, conv, d.Kind, mentions)
		res.Conversations = append(res.Conversations, out)
		if out.Error == "" {
			p.log.Debug("conversation synced",
				logx.String("conversation", conv.UUID),
				logx.Int("new_messages", out.NewMessages),
				logx.Int("pages", out.Pages))
		}

		progress(i+1, total, "syncing "+d.DisplayName)
	}

	if err := ctx.Err(); err != nil {
		return nil, jobs.Fail(jobs.KindCancelled, err)
	}
	if total > 0 && res.successCount() == 0 {
		return nil, fmt.Errorf("sync yielded nothing: %s", res.firstError())
	}
	return res, nil
}

func (r *Result) successCount() int {
	n := 0
	for _, o := range r.Conversations {
		if o.Error == "" {
			n++
		}
	}
	return n
}

func (r *Result) firstError() string {
	for _, o := range r.Conversations {
		if o.Error != "" {
			return o.Error
		}
	}
	return "no conversations"
}

func (p *Pipeline) upsertDialog(ctx context.Context, d transport.Dialog, byRemote map[int64]storage.Conversation) (storage.Conversation, bool, error) {
	conv, exists := byRemote[d.RemoteID]
	if !exists {
		conv = storage.Conversation{UUID: uuid.NewString(), RemoteID: d.RemoteID}
	}
	conv.Kind = string(d.Kind)
	conv.DisplayName = d.DisplayName
	conv.Username = d.Username
	conv.UnreadCount = d.UnreadCount
	conv.LastMessageAt = d.LastMessageAt
	conv.LastPreview = truncatePreview(d.LastPreview)
	conv.UpdatedAt = time.Now()

	created, err := p.store.UpsertConversation(ctx, conv)
	if err != nil {
		return storage.Conversation{}, false, err
	}
	if created {
		// New conversations start at medium priority until the operator says
		// otherwise.
		if err := p.store.SetConversationMeta(ctx, storage.Meta{
			ConversationUUID: conv.UUID,
			Priority:         "medium",
		}); err != nil {
			return storage.Conversation{}, false, err
		}
		byRemote[d.RemoteID] = conv
	}
	return conv, created, nil
}

// syncMessages pages forward from the conversation's watermark. Each page
// is merged and the watermark advanced in one store call before the next
// fetch, so an interruption never loses or repeats committed pages.
func (p *Pipeline) syncMessages(ctx context.Context, conv storage.Conversation, kind transport.DialogKind, mentions []string) Outcome {
	out := Outcome{UUID: conv.UUID, DisplayName: conv.DisplayName}

	wm, _, err := p.store.GetWatermark(ctx, conv.UUID)
	if err != nil {
		out.Error = fmt.Sprintf("load watermark: %v", err)
		return out
	}
	afterID := wm.LastMessageID

	for {
		// Page boundary checkpoint.
		if err := ctx.Err(); err != nil {
			out.Error = "cancelled"
			return out
		}
		if !wm.Backfilled && out.Pages >= p.cfg.MaxBackfillPages {
			return out
		}

		page, err := p.remote.FetchMessages(ctx, conv.RemoteID, afterID, p.cfg.PageSize)
		if err != nil {
			out.Error = fmt.Sprintf("fetch after %d: %v", afterID, err)
			return out
		}
		if len(page) == 0 {
			if !wm.Backfilled {
				// Provider is exhausted; record that so later runs fetch
				// forward only.
				if err := p.store.MergeMessagePage(ctx, conv.UUID, nil, afterID, true); err != nil {
					out.Error = fmt.Sprintf("mark backfilled: %v", err)
				}
			}
			return out
		}

		msgs := make([]storage.Message, 0, len(page))
		var participants []storage.Participant
		lastID := afterID
		for _, m := range page {
			msgs = append(msgs, storage.Message{
				ConversationUUID: conv.UUID,
				MessageID:        m.ID,
				SentAt:           m.SentAt,
				SenderID:         m.SenderID,
				SenderName:       m.SenderName,
				SenderUsername:   m.SenderUsername,
				Text:             m.Text,
				ReplyToID:        m.ReplyToID,
				MentionsOwner:    mentionsOwner(m.Text, mentions),
			})
			if m.ID > lastID {
				lastID = m.ID
			}
			if m.SenderID != 0 && (kind == transport.DialogGroup || kind == transport.DialogChannel) {
				participants = append(participants, storage.Participant{
					RemoteUserID: m.SenderID,
					DisplayName:  m.SenderName,
					Username:     m.SenderUsername,
				})
			}
		}

		exhausted := len(page) < p.cfg.PageSize
		backfilled := wm.Backfilled || exhausted
		if err := p.store.MergeMessagePage(ctx, conv.UUID, msgs, lastID, backfilled); err != nil {
			out.Error = fmt.Sprintf("merge page after %d: %v", afterID, err)
			return out
		}
		if len(participants) > 0 {
			if err := p.store.MergeParticipants(ctx, conv.UUID, participants); err != nil {
				out.Error = fmt.Sprintf("merge participants: %v", err)
				return out
			}
		}

		out.Pages++
		out.NewMessages += len(msgs)
		afterID = lastID
		wm.Backfilled = backfilled
		if exhausted {
			return out
		}
	}
}

func mentionPatterns(owner Owner) []string {
	var pats []string
	if owner.Username != "" {
		pats = append(pats, "@"+strings.ToLower(owner.Username))
	}
	if owner.FirstName != "" {
		pats = append(pats, strings.ToLower(owner.FirstName))
	}
	return pats
}

func mentionsOwner(text string, patterns []string) bool {
	if text == "" || len(patterns) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// truncatePreview caps the stored preview at 200 runes without splitting
// a multi-byte sequence.
func truncatePreview(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
