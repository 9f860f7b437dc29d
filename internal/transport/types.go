// Package transport defines the remote messaging collaborator consumed by
// the job pipelines. Adapters (e.g. Telegram) implement Messenger; the
// engine never imports a provider SDK directly.
package transport

import (
	"context"
	"errors"
	"time"
)

// DialogKind classifies a remote conversation.
type DialogKind string

const (
	DialogPrivate DialogKind = "private"
	DialogGroup   DialogKind = "group"
	DialogChannel DialogKind = "channel"
)

// Dialog is a remote conversation as reported by the provider.
type Dialog struct {
	RemoteID      int64
	Kind          DialogKind
	DisplayName   string
	Username      string
	UnreadCount   int
	LastMessageAt time.Time
	LastPreview   string
}

// Message is a single remote message inside a dialog.
//
// ID ordering is provider-defined but MUST be monotonically increasing
// within one dialog; the sync watermark relies on it.
type Message struct {
	ID             int64
	SenderID       int64
	SenderName     string
	SenderUsername string
	Text           string
	SentAt         time.Time
	ReplyToID      int64
}

// Messenger is the remote messaging capability.
//
// Any call may fail with a transient network error or ErrAuthRequired.
// FetchMessages returns up to pageSize messages with ID > afterID, oldest
// first; a short page means the dialog is exhausted.
type Messenger interface {
	ListDialogs(ctx context.Context) ([]Dialog, error)
	FetchMessages(ctx context.Context, remoteID int64, afterID int64, pageSize int) ([]Message, error)
	SendMessage(ctx context.Context, remoteID int64, text string) (messageID int64, err error)
}

// ErrAuthRequired is returned when the provider session is missing or
// expired and the caller must re-run the authentication flow.
var ErrAuthRequired = errors.New("transport: authentication required")

// ErrDialogUnknown is returned by adapters that learn dialogs incrementally
// (bot-style APIs) when asked about a dialog they have never seen.
var ErrDialogUnknown = errors.New("transport: unknown dialog")
