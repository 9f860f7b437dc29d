// Package report implements the report job: it bundles recent conversation
// activity, asks the language model for a three-tier prioritization, and
// persists the structured result. Without model credentials it falls back
// to rule-based scoring so the report surface always works.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"msgdeck/internal/llm"
	"msgdeck/internal/services/jobs"
	"msgdeck/internal/storage"
	logx "msgdeck/pkg/logx"
)

// User-state keys consumed and written by the pipeline.
const (
	StateCaughtUpAt   = "caught_up_at"
	StateLastReportAt = "last_report_at"
)

// Recommended actions in the report output.
const (
	ActionReplyNow = "reply_now"
	ActionReview   = "review"
	ActionIgnore   = "ignore_for_now"
)

type Config struct {
	RecencyWindow   time.Duration // conversation selection window, default 168h
	MaxMessages     int           // per-conversation context depth, default 20
	MaxMessageChars int           // per-message truncation, default 500
	BatchSize       int           // conversations per model call, default 10
	MaxSelected     int           // hard cap on analyzed conversations, default 200
}

// Analyzer scores conversation batches. Satisfied by *llm.Client.
type Analyzer interface {
	Enabled() bool
	AnalyzeBatch(ctx context.Context, owner llm.Owner, convs []llm.ConversationContext) ([]llm.Analysis, error)
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	ConversationsActiveSince(ctx context.Context, since time.Time, limit int) ([]storage.Conversation, error)
	ConversationMeta(ctx context.Context, uuid string) (storage.Meta, error)
	RecentMessages(ctx context.Context, uuid string, limit int) ([]storage.Message, error)
	SaveReport(ctx context.Context, r storage.Report) (int64, error)
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// Item is one conversation's entry in a report section.
type Item struct {
	ConversationUUID  string `json:"conversation_uuid"`
	DisplayName       string `json:"display_name"`
	Username          string `json:"username,omitempty"`
	Kind              string `json:"kind"`
	UnreadCount       int    `json:"unread_count"`
	UrgencyScore      int    `json:"urgency_score"`
	Summary           string `json:"summary"`
	Reasoning         string `json:"reasoning"`
	RecommendedAction string `json:"recommended_action"`
}

// Sections buckets items by urgency tier.
type Sections struct {
	ReplyNow    []Item `json:"reply_now"`
	Review      []Item `json:"review"`
	LowPriority []Item `json:"low_priority"`
}

type Stats struct {
	TotalConversations int `json:"total_conversations"`
	TotalUnread        int `json:"total_unread"`
}

// Data is the full persisted report payload.
type Data struct {
	GeneratedAt time.Time `json:"generated_at"`
	CoversSince time.Time `json:"covers_since"`
	Sections    Sections  `json:"sections"`
	Stats       Stats     `json:"stats"`
	Fallback    bool      `json:"fallback,omitempty"`
}

// Result is the job's terminal payload.
type Result struct {
	ReportID           int64     `json:"report_id"`
	GeneratedAt        time.Time `json:"generated_at"`
	CoversSince        time.Time `json:"covers_since"`
	TotalConversations int       `json:"total_conversations"`
	ReplyNow           int       `json:"reply_now"`
	Review             int       `json:"review"`
	LowPriority        int       `json:"low_priority"`
	Fallback           bool      `json:"fallback,omitempty"`
}

type Pipeline struct {
	cfg      Config
	store    Store
	analyzer Analyzer
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, store Store, analyzer Analyzer, log logx.Logger) *Pipeline {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 7 * 24 * time.Hour
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 500
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxSelected <= 0 {
		cfg.MaxSelected = 200
	}
	return &Pipeline{cfg: cfg, store: store, analyzer: analyzer, log: log, now: time.Now}
}

// Work returns the job body for one report run.
func (p *Pipeline) Work(owner llm.Owner) jobs.WorkFunc {
	return func(ctx context.Context, progress jobs.ProgressFunc) (any, error) {
		return p.run(ctx, owner, progress)
	}
}

func (p *Pipeline) run(ctx context.Context, owner llm.Owner, progress jobs.ProgressFunc) (*Result, error) {
	now := p.now()
	since := p.coversSince(ctx, now)
	cutoff := now.Add(-p.cfg.RecencyWindow)

	convs, err := p.store.ConversationsActiveSince(ctx, cutoff, p.cfg.MaxSelected)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}

	data := Data{GeneratedAt: now, CoversSince: since}
	data.Stats.TotalConversations = len(convs)

	if len(convs) > 0 {
		if p.analyzer != nil && p.analyzer.Enabled() {
			err = p.analyze(ctx, owner, convs, &data, progress)
		} else {
			data.Fallback = true
			err = p.scoreByRules(ctx, convs, &data, progress)
		}
		if err != nil {
			return nil, err
		}
	}

	sortSection(data.Sections.ReplyNow)
	sortSection(data.Sections.Review)
	sortSection(data.Sections.LowPriority)

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	id, err := p.store.SaveReport(ctx, storage.Report{
		GeneratedAt: now,
		CoversSince: since,
		ReportJSON:  string(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	if err := p.store.SetState(ctx, StateLastReportAt, now.UTC().Format(time.RFC3339Nano)); err != nil {
		p.log.Warn("record last report time", logx.Err(err))
	}

	p.log.Info("report generated",
		logx.Int64("report", id),
		logx.Int("conversations", data.Stats.TotalConversations),
		logx.Bool("fallback", data.Fallback))

	return &Result{
		ReportID:           id,
		GeneratedAt:        now,
		CoversSince:        since,
		TotalConversations: data.Stats.TotalConversations,
		ReplyNow:           len(data.Sections.ReplyNow),
		Review:             len(data.Sections.Review),
		LowPriority:        len(data.Sections.LowPriority),
		Fallback:           data.Fallback,
	}, nil
}

// coversSince picks the report's lower bound: the user's caught-up marker
// when present, otherwise the recency window.
func (p *Pipeline) coversSince(ctx context.Context, now time.Time) time.Time {
	if v, ok, err := p.store.GetState(ctx, StateCaughtUpAt); err == nil && ok {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			return t
		}
		if t, perr := time.Parse(time.RFC3339, v); perr == nil {
			return t
		}
	}
	return now.Add(-p.cfg.RecencyWindow)
}

// convContext holds one selected conversation with its meta and recent
// messages, oldest first.
type convContext struct {
	conv storage.Conversation
	meta storage.Meta
	msgs []storage.Message
}

func (p *Pipeline) load(ctx context.Context, convs []storage.Conversation, progress jobs.ProgressFunc) ([]convContext, error) {
	out := make([]convContext, 0, len(convs))
	total := len(convs)
	for i, c := range convs {
		if err := ctx.Err(); err != nil {
			return nil, jobs.Fail(jobs.KindCancelled, err)
		}
		meta, err := p.store.ConversationMeta(ctx, c.UUID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load meta for %s: %w", c.UUID, err)
		}
		msgs, err := p.store.RecentMessages(ctx, c.UUID, p.cfg.MaxMessages)
		if err != nil {
			return nil, fmt.Errorf("load messages for %s: %w", c.UUID, err)
		}
		out = append(out, convContext{conv: c, meta: meta, msgs: msgs})
		progress(i+1, total, "gathering "+c.DisplayName)
	}
	return out, nil
}

func (p *Pipeline) analyze(ctx context.Context, owner llm.Owner, convs []storage.Conversation, data *Data, progress jobs.ProgressFunc) error {
	loaded, err := p.load(ctx, convs, progress)
	if err != nil {
		return err
	}

	byUUID := make(map[string]convContext, len(loaded))
	contexts := make([]llm.ConversationContext, 0, len(loaded))
	for _, lc := range loaded {
		byUUID[lc.conv.UUID] = lc
		contexts = append(contexts, p.modelContext(lc))
	}

	total := len(contexts)
	var analyses []llm.Analysis
	for start := 0; start < total; start += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return jobs.Fail(jobs.KindCancelled, err)
		}
		end := start + p.cfg.BatchSize
		if end > total {
			end = total
		}
		progress(end, total, "analyzing conversations")
		batch, err := p.analyzer.AnalyzeBatch(ctx, owner, contexts[start:end])
		if err != nil {
			if errors.Is(err, llm.ErrMalformedOutput) {
				return jobs.Fail(jobs.KindInvalidModelOutput, err)
			}
			return fmt.Errorf("analyze batch: %w", err)
		}
		analyses = append(analyses, batch...)
	}

	// Strict validation: a malformed verdict fails the whole job rather
	// than producing a partially garbled report.
	for _, a := range analyses {
		lc, ok := byUUID[a.ConversationID]
		if !ok {
			return jobs.Fail(jobs.KindInvalidModelOutput,
				fmt.Errorf("verdict references unknown conversation %q", a.ConversationID))
		}
		if a.UrgencyScore < 0 || a.UrgencyScore > 100 {
			return jobs.Fail(jobs.KindInvalidModelOutput,
				fmt.Errorf("urgency score %d out of range for %s", a.UrgencyScore, a.ConversationID))
		}
		switch a.RecommendedAction {
		case ActionReplyNow, ActionReview, ActionIgnore:
		default:
			return jobs.Fail(jobs.KindInvalidModelOutput,
				fmt.Errorf("unknown recommended action %q for %s", a.RecommendedAction, a.ConversationID))
		}
		data.Stats.TotalUnread += lc.conv.UnreadCount
		data.Sections.add(Item{
			ConversationUUID:  a.ConversationID,
			DisplayName:       lc.conv.DisplayName,
			Username:          lc.conv.Username,
			Kind:              lc.conv.Kind,
			UnreadCount:       lc.conv.UnreadCount,
			UrgencyScore:      a.UrgencyScore,
			Summary:           a.Summary,
			Reasoning:         a.Reasoning,
			RecommendedAction: a.RecommendedAction,
		})
	}
	return nil
}

func (p *Pipeline) modelContext(lc convContext) llm.ConversationContext {
	msgs := make([]llm.ContextMessage, 0, len(lc.msgs))
	for _, m := range lc.msgs {
		msgs = append(msgs, llm.ContextMessage{
			Sender: senderOrUnknown(m.SenderName),
			Text:   truncateRunes(m.Text, p.cfg.MaxMessageChars),
			Date:   m.SentAt.UTC().Format(time.RFC3339),
		})
	}
	var custom map[string]any
	if lc.meta.CustomFieldsJSON != "" {
		// Operator-entered JSON; ignore if unparseable.
		_ = json.Unmarshal([]byte(lc.meta.CustomFieldsJSON), &custom)
	}
	return llm.ConversationContext{
		ConversationID: lc.conv.UUID,
		Kind:           lc.conv.Kind,
		DisplayName:    lc.conv.DisplayName,
		Username:       lc.conv.Username,
		Priority:       priorityOrDefault(lc.meta.Priority),
		VIP:            lc.meta.VIP,
		CustomFields:   custom,
		Messages:       msgs,
	}
}

// scoreByRules mirrors the model's tiers with deterministic signals:
// mentions of the owner, replies, VIP contacts, and direct messages.
func (p *Pipeline) scoreByRules(ctx context.Context, convs []storage.Conversation, data *Data, progress jobs.ProgressFunc) error {
	loaded, err := p.load(ctx, convs, progress)
	if err != nil {
		return err
	}
	for _, lc := range loaded {
		score := 20
		var reasons []string
		if lc.meta.VIP {
			score += 20
			reasons = append(reasons, "VIP contact")
		}
		if lc.conv.Kind == "private" {
			score += 15
			reasons = append(reasons, "Direct message")
		}
		var hasMention, hasReply bool
		for _, m := range lc.msgs {
			hasMention = hasMention || m.MentionsOwner
			hasReply = hasReply || m.ReplyToID != 0
		}
		if hasMention {
			score += 50
			reasons = append(reasons, "You were mentioned")
		}
		if hasReply {
			score += 25
			reasons = append(reasons, "Contains replies")
		}
		if score > 100 {
			score = 100
		}

		reasoning := "Regular conversation"
		if len(reasons) > 0 {
			reasoning = strings.Join(reasons, ", ")
		}

		data.Stats.TotalUnread += lc.conv.UnreadCount
		data.Sections.add(Item{
			ConversationUUID:  lc.conv.UUID,
			DisplayName:       lc.conv.DisplayName,
			Username:          lc.conv.Username,
			Kind:              lc.conv.Kind,
			UnreadCount:       lc.conv.UnreadCount,
			UrgencyScore:      score,
			Summary:           summarize(lc.msgs),
			Reasoning:         reasoning,
			RecommendedAction: actionForScore(score),
		})
	}
	return nil
}

func (s *Sections) add(it Item) {
	switch {
	case it.UrgencyScore >= 80:
		s.ReplyNow = append(s.ReplyNow, it)
	case it.UrgencyScore >= 40:
		s.Review = append(s.Review, it)
	default:
		s.LowPriority = append(s.LowPriority, it)
	}
}

func actionForScore(score int) string {
	switch {
	case score >= 80:
		return ActionReplyNow
	case score >= 40:
		return ActionReview
	default:
		return ActionIgnore
	}
}

func sortSection(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UrgencyScore > items[j].UrgencyScore
	})
}

// summarize joins the most recent message texts, newest first.
func summarize(msgs []storage.Message) string {
	var parts []string
	for i := len(msgs) - 1; i >= 0 && len(parts) < 3; i-- {
		if msgs[i].Text == "" {
			continue
		}
		parts = append(parts, truncateRunes(msgs[i].Text, 100))
	}
	if len(parts) == 0 {
		return "No text messages"
	}
	return truncateRunes(strings.Join(parts, "; "), 200)
}

func senderOrUnknown(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}

func priorityOrDefault(p string) string {
	if p == "" {
		return "medium"
	}
	return p
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
