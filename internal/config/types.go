package config

import (
	"fmt"
	"strings"
	"time"
)

// Report cadences.
const (
	CadenceManual = "manual"
	CadenceDaily  = "daily"
	CadenceWeekly = "weekly"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`
	Owner    OwnerConfig    `json:"owner,omitempty"`
	Engine   EngineConfig   `json:"engine,omitempty"`
	Sync     SyncConfig     `json:"sync,omitempty"`
	Report   ReportConfig   `json:"report,omitempty"`
	BulkSend BulkSendConfig `json:"bulk_send,omitempty"`
	LLM      LLMConfig      `json:"llm,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	JournalSize int    `json:"journal_size,omitempty"`
}

// OwnerConfig identifies the inbox owner. Used for mention detection in
// sync and report scoring.
type OwnerConfig struct {
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
}

// EngineConfig controls the job worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 16
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type SyncConfig struct {
	PageSize         int `json:"page_size,omitempty"`          // default 50
	MaxBackfillPages int `json:"max_backfill_pages,omitempty"` // default 4
}

type ReportConfig struct {
	// Cadence is manual, daily, or weekly. Non-manual cadences run the
	// report job on a schedule; manual only on request.
	Cadence string `json:"cadence,omitempty"`
	// RecencyWindow is a Go duration string (default "168h").
	RecencyWindow   string `json:"recency_window,omitempty"`
	MaxMessages     int    `json:"max_messages,omitempty"`      // per conversation, default 20
	MaxMessageChars int    `json:"max_message_chars,omitempty"` // default 500
	BatchSize       int    `json:"batch_size,omitempty"`        // default 10
	MaxSelected     int    `json:"max_selected,omitempty"`      // default 200
}

type BulkSendConfig struct {
	// SendInterval is a Go duration string (default "10s").
	SendInterval  string `json:"send_interval,omitempty"`
	MaxRecipients int    `json:"max_recipients,omitempty"` // default 200
	// PreviewTTL bounds how long a confirmation code stays valid (default "15m").
	PreviewTTL string `json:"preview_ttl,omitempty"`
}

type LLMConfig struct {
	BaseURL      string `json:"base_url,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	// Timeout is a Go duration string (default "60s").
	Timeout string `json:"timeout,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	switch c.Report.Cadence {
	case "", CadenceManual, CadenceDaily, CadenceWeekly:
	default:
		return fmt.Errorf("report.cadence must be manual, daily, or weekly (got %q)", c.Report.Cadence)
	}
	for path, raw := range map[string]string{
		"storage.busy_timeout":    c.Storage.BusyTimeout,
		"telegram.poll_timeout":   c.Telegram.PollTimeout,
		"report.recency_window":   c.Report.RecencyWindow,
		"bulk_send.send_interval": c.BulkSend.SendInterval,
		"bulk_send.preview_ttl":   c.BulkSend.PreviewTTL,
		"llm.timeout":             c.LLM.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.LLM.APIKey != "" && strings.TrimSpace(c.LLM.BaseURL) == "" {
		return fmt.Errorf("llm.base_url is required when llm.api_key is set")
	}
	return nil
}

// RecencyWindowDuration returns the parsed report window.
func (c *ReportConfig) RecencyWindowDuration() time.Duration {
	d, err := ParseDurationOrDefault("report.recency_window", c.RecencyWindow, 168*time.Hour)
	if err != nil {
		return 168 * time.Hour
	}
	return d
}

// SendIntervalDuration returns the parsed minimum gap between sends.
func (c *BulkSendConfig) SendIntervalDuration() time.Duration {
	d, err := ParseDurationOrDefault("bulk_send.send_interval", c.SendInterval, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// PreviewTTLDuration returns the parsed confirmation-code lifetime.
func (c *BulkSendConfig) PreviewTTLDuration() time.Duration {
	d, err := ParseDurationOrDefault("bulk_send.preview_ttl", c.PreviewTTL, 15*time.Minute)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}
