package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Conversation mirrors one remote dialog.
type Conversation struct {
	UUID          string
	RemoteID      int64
	Kind          string // private | group | channel
	DisplayName   string
	Username      string
	UnreadCount   int
	LastMessageAt time.Time
	LastPreview   string
	UpdatedAt     time.Time
}

// Meta holds operator-maintained conversation attributes used by templates
// and report scoring. Absent rows read back as the zero value.
type Meta struct {
	ConversationUUID string
	Priority         string
	VIP              bool
	CustomFieldsJSON string
}

// Participant is a person seen in a conversation.
type Participant struct {
	RemoteUserID int64
	DisplayName  string
	Username     string
}

// Message is one cached remote message.
type Message struct {
	ConversationUUID string
	MessageID        int64
	SentAt           time.Time
	SenderID         int64
	SenderName       string
	SenderUsername   string
	Text             string
	ReplyToID        int64
	MentionsOwner    bool
}

// Watermark records the last durably merged position of a conversation's
// message stream. LastMessageID is monotonically non-decreasing.
type Watermark struct {
	ConversationUUID string
	LastMessageID    int64
	Backfilled       bool
}

// Report is a persisted prioritization report.
type Report struct {
	ID          int64
	GeneratedAt time.Time
	CoversSince time.Time
	ReportJSON  string
}

// JobRecord is the durable form of a background job. Created on enqueue,
// mutated only by the runner executing it, immutable once terminal.
type JobRecord struct {
	ID              string
	Type            string
	State           string
	ProgressCurrent int
	ProgressTotal   int
	ProgressMessage string
	ResultJSON      string
	ErrorKind       string
	ErrorMessage    string
	CreatedAt       time.Time
	EndedAt         time.Time
}
