// Package bulksend implements the two-phase bulk dispatch flow: a
// synchronous preview that renders per-recipient messages and issues a
// confirmation code, and a background job that sends them one at a time
// under the pacer once the code is confirmed.
package bulksend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"msgdeck/internal/pacer"
	"msgdeck/internal/services/jobs"
	"msgdeck/internal/storage"
	"msgdeck/internal/transport"
	logx "msgdeck/pkg/logx"
)

// Admission errors. Returned synchronously, before any job record exists
// and before any network action.
var (
	ErrConfirmationMismatch = jobs.Fail(jobs.KindConfirmationMismatch,
		errors.New("confirmation code does not match the preview"))
	ErrBatchTooLarge = jobs.Fail(jobs.KindBatchTooLarge,
		errors.New("recipient list exceeds the batch cap"))
	ErrEmptyBatch = errors.New("bulksend: no resolvable recipients")
)

type Config struct {
	SendInterval  time.Duration // minimum gap between sends, default 10s
	MaxRecipients int           // hard batch cap, default 200
	PreviewTTL    time.Duration // how long a confirmation code stays valid, default 15m
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetConversation(ctx context.Context, uuid string) (storage.Conversation, error)
	ConversationMeta(ctx context.Context, uuid string) (storage.Meta, error)
}

// Recipient is one rendered preview entry.
type Recipient struct {
	UUID        string `json:"conversation_uuid"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
	RemoteID    int64  `json:"-"`
	Rendered    string `json:"rendered_message"`
}

// Preview is the synchronous first phase's response.
type Preview struct {
	Code       string      `json:"confirmation_code"`
	Recipients []Recipient `json:"recipients"`
	TotalCount int         `json:"total_count"`
	Skipped    []string    `json:"skipped,omitempty"` // uuids with no stored conversation
	Delay      float64     `json:"delay_seconds"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// ItemOutcome records one recipient's send result.
type ItemOutcome struct {
	UUID        string `json:"conversation_uuid"`
	DisplayName string `json:"display_name"`
	MessageID   int64  `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Manifest is the execute job's terminal payload.
type Manifest struct {
	Total  int           `json:"total"`
	Sent   int           `json:"sent"`
	Failed int           `json:"failed"`
	Items  []ItemOutcome `json:"items"`
}

type previewEntry struct {
	code      string
	expiresAt time.Time
}

type Orchestrator struct {
	cfg    Config
	store  Store
	remote transport.Messenger
	pace   *pacer.Pacer
	log    logx.Logger

	mu       sync.Mutex
	previews map[string]previewEntry // batch fingerprint -> pending code
	now      func() time.Time
}

func New(cfg Config, store Store, remote transport.Messenger, log logx.Logger) *Orchestrator {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 10 * time.Second
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 200
	}
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = 15 * time.Minute
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		pace:     pacer.New(cfg.SendInterval),
		log:      log,
		previews: map[string]previewEntry{},
		now:      time.Now,
	}
}

// PreviewBatch renders the batch and issues its confirmation code. Nothing
// is sent and no job record is created. Conversation uuids with no stored
// conversation are reported in Skipped rather than failing the preview.
func (o *Orchestrator) PreviewBatch(ctx context.Context, uuids []string, template string) (*Preview, error) {
	if len(uuids) > o.cfg.MaxRecipients {
		return nil, ErrBatchTooLarge
	}
	recipients, skipped, err := o.render(ctx, uuids, template)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrEmptyBatch
	}

	code, err := newCode()
	if err != nil {
		return nil, fmt.Errorf("generate confirmation code: %w", err)
	}
	expires := o.now().Add(o.cfg.PreviewTTL)

	o.mu.Lock()
	o.previews[fingerprint(uuids, template)] = previewEntry{code: code, expiresAt: expires}
	o.mu.Unlock()

	o.log.Debug("bulk send previewed", logx.Int("recipients", len(recipients)), logx.Int("skipped", len(skipped)))
	return &Preview{
		Code:       code,
		Recipients: recipients,
		TotalCount: len(recipients),
		Skipped:    skipped,
		Delay:      o.cfg.SendInterval.Seconds(),
		ExpiresAt:  expires,
	}, nil
}

// Authorize validates the execute phase against its preview: same
// recipient list, same template, byte-for-byte code match, inside the
// preview's TTL. A successful authorization consumes the preview, so a
// code cannot be replayed. The returned restore callback re-registers the
// preview with its original expiry; callers invoke it when job admission
// fails after authorization (e.g. a busy resource class), so the user
// does not have to re-preview an unchanged batch.
func (o *Orchestrator) Authorize(uuids []string, template, code string) (restore func(), err error) {
	if len(uuids) > o.cfg.MaxRecipients {
		return nil, ErrBatchTooLarge
	}
	fp := fingerprint(uuids, template)

	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.previews[fp]
	if !ok || entry.code != code {
		return nil, ErrConfirmationMismatch
	}
	if o.now().After(entry.expiresAt) {
		delete(o.previews, fp)
		return nil, ErrConfirmationMismatch
	}
	delete(o.previews, fp)

	restore = func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		// A newer preview for the same batch wins.
		if _, exists := o.previews[fp]; !exists {
			o.previews[fp] = entry
		}
	}
	return restore, nil
}

// Work returns the job body for an authorized batch. Call Authorize first;
// Work itself performs no gate checks.
func (o *Orchestrator) Work(uuids []string, template string) jobs.WorkFunc {
	return func(ctx context.Context, progress jobs.ProgressFunc) (any, error) {
		return o.run(ctx, uuids, template, progress)
	}
}

func (o *Orchestrator) run(ctx context.Context, uuids []string, template string, progress jobs.ProgressFunc) (*Manifest, error) {
	recipients, skipped, err := o.render(ctx, uuids, template)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Total: len(recipients)}
	for _, uuid := range skipped {
		m.Failed++
		m.Items = append(m.Items, ItemOutcome{UUID: uuid, Error: "conversation not found"})
	}

	for i, r := range recipients {
		// Recipient boundary is the cancellation checkpoint. Messages
		// already sent stay sent.
		if err := ctx.Err(); err != nil {
			return nil, jobs.Fail(jobs.KindCancelled, err)
		}
		if err := o.pace.Wait(ctx); err != nil {
			return nil, jobs.Fail(jobs.KindCancelled, err)
		}

		item := ItemOutcome{UUID: r.UUID, DisplayName: r.DisplayName}
		msgID, err := o.remote.SendMessage(ctx, r.RemoteID, r.Rendered)
		if err != nil {
			item.Error = err.Error()
			m.Failed++
			o.log.Warn("bulk send item failed", logx.String("conversation", r.UUID), logx.Err(err))
		} else {
			item.MessageID = msgID
			m.Sent++
		}
		m.Items = append(m.Items, item)
		progress(i+1, len(recipients), "sending to "+r.DisplayName)
	}

	if m.Total > 0 && m.Sent == 0 {
		return nil, fmt.Errorf("no messages sent: %s", m.firstError())
	}
	o.log.Info("bulk send finished", logx.Int("sent", m.Sent), logx.Int("failed", m.Failed))
	return m, nil
}

func (m *Manifest) firstError() string {
	for _, it := range m.Items {
		if it.Error != "" {
			return it.Error
		}
	}
	return "empty batch"
}

// render resolves recipients in input order and renders their messages.
// Rendering is deterministic: preview and execute see identical text.
func (o *Orchestrator) render(ctx context.Context, uuids []string, template string) ([]Recipient, []string, error) {
	var recipients []Recipient
	var skipped []string
	for _, uuid := range uuids {
		conv, err := o.store.GetConversation(ctx, uuid)
		if errors.Is(err, storage.ErrNotFound) {
			skipped = append(skipped, uuid)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load conversation %s: %w", uuid, err)
		}
		meta, err := o.store.ConversationMeta(ctx, uuid)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("load meta %s: %w", uuid, err)
		}
		recipients = append(recipients, Recipient{
			UUID:        uuid,
			DisplayName: conv.DisplayName,
			Username:    conv.Username,
			RemoteID:    conv.RemoteID,
			Rendered:    Render(template, templateContext(conv, meta)),
		})
	}
	return recipients, skipped, nil
}

// fingerprint binds a preview to the exact (recipients, template) pair,
// order included.
func fingerprint(uuids []string, template string) string {
	h := sha256.New()
	for _, u := range uuids {
		h.Write([]byte(u))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	h.Write([]byte(template))
	return hex.EncodeToString(h.Sum(nil))
}

func newCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
