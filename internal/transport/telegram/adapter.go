// Package telegram implements transport.Messenger over the Telegram Bot API
// via telebot.
//
// The Bot API has no "fetch arbitrary history" call, so the adapter learns
// dialogs and messages incrementally: every update it receives is journaled
// per chat (bounded ring), and ListDialogs/FetchMessages serve from that
// journal. SendMessage goes straight to the API under a local flood limiter.
package telegram

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"msgdeck/internal/runtime/supervisor"
	"msgdeck/internal/transport"
	logx "msgdeck/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // long-poll timeout, default 10s
	RatePerSec  int           // outbound API call budget, default 20
	JournalSize int           // retained messages per dialog, default 500
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	mu      sync.RWMutex
	dialogs map[int64]*dialogState
}

type dialogState struct {
	dialog   transport.Dialog
	messages []transport.Message // ascending by ID, bounded by JournalSize
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, transport.ErrAuthRequired
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.JournalSize <= 0 {
		cfg.JournalSize = 500
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, classify(err)
	}

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dialogs: map[int64]*dialogState{},
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.journal(m)
		}
		return nil
	})
}

// Start begins consuming updates. Idempotent.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	a.running = true

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "telegram"))))
	a.sup.GoRestart("poll", func(c context.Context) error {
		go func() {
			<-c.Done()
			a.bot.Stop()
		}()
		a.bot.Start() // blocks until Stop
		return c.Err()
	})
	a.log.Info("telegram adapter started")
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.running = false
	a.runMu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (a *Adapter) ListDialogs(ctx context.Context) ([]transport.Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	out := make([]transport.Dialog, 0, len(a.dialogs))
	for _, st := range a.dialogs {
		out = append(out, st.dialog)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (a *Adapter) FetchMessages(ctx context.Context, remoteID int64, afterID int64, pageSize int) ([]transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	a.mu.RLock()
	st := a.dialogs[remoteID]
	if st == nil {
		a.mu.RUnlock()
		return nil, transport.ErrDialogUnknown
	}
	// Messages are kept ascending; find the first ID past the watermark.
	idx := sort.Search(len(st.messages), func(i int) bool { return st.messages[i].ID > afterID })
	end := idx + pageSize
	if end > len(st.messages) {
		end = len(st.messages)
	}
	page := make([]transport.Message, end-idx)
	copy(page, st.messages[idx:end])
	a.mu.RUnlock()

	return page, nil
}

func (a *Adapter) SendMessage(ctx context.Context, remoteID int64, text string) (int64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: remoteID}, text)
	if err != nil {
		return 0, classify(err)
	}
	return int64(msg.ID), nil
}

func (a *Adapter) journal(m *tele.Message) {
	if m.Chat == nil {
		return
	}
	msg := transport.Message{
		ID:     int64(m.ID),
		Text:   m.Text,
		SentAt: m.Time(),
	}
	if m.Sender != nil {
		msg.SenderID = m.Sender.ID
		msg.SenderName = displayName(m.Sender.FirstName, m.Sender.LastName)
		msg.SenderUsername = m.Sender.Username
	}
	if m.ReplyTo != nil {
		msg.ReplyToID = int64(m.ReplyTo.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.dialogs[m.Chat.ID]
	if st == nil {
		st = &dialogState{dialog: transport.Dialog{RemoteID: m.Chat.ID, Kind: dialogKind(m.Chat.Type)}}
		a.dialogs[m.Chat.ID] = st
	}
	d := &st.dialog
	if m.Chat.Title != "" {
		d.DisplayName = m.Chat.Title
	} else {
		d.DisplayName = displayName(m.Chat.FirstName, m.Chat.LastName)
	}
	d.Username = m.Chat.Username
	d.LastMessageAt = msg.SentAt
	d.LastPreview = preview(msg.Text)
	d.UnreadCount++

	// Updates can replay after reconnects; keep the journal strictly ascending.
	if n := len(st.messages); n > 0 && st.messages[n-1].ID >= msg.ID {
		return
	}
	st.messages = append(st.messages, msg)
	if len(st.messages) > a.cfg.JournalSize {
		st.messages = st.messages[len(st.messages)-a.cfg.JournalSize:]
	}
}

func dialogKind(t tele.ChatType) transport.DialogKind {
	switch t {
	case tele.ChatPrivate:
		return transport.DialogPrivate
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return transport.DialogChannel
	default:
		return transport.DialogGroup
	}
}

func displayName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

func preview(text string) string {
	const maxLen = 200
	if len(text) <= maxLen {
		return text
	}
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen])
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
		return transport.ErrAuthRequired
	}
	return err
}
