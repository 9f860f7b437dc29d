package config

import (
	"strings"

	logx "msgdeck/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (telegram token, llm api key)
// are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec ||
		oldCfg.Telegram.JournalSize != newCfg.Telegram.JournalSize {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
		)
	}

	if oldCfg.Sync != newCfg.Sync {
		changed = append(changed, "sync")
		attrs = append(attrs, logx.Int("sync.page_size", newCfg.Sync.PageSize))
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.String("report.cadence", newCfg.Report.Cadence),
			logx.String("report.recency_window", newCfg.Report.RecencyWindow),
		)
	}

	if oldCfg.BulkSend != newCfg.BulkSend {
		changed = append(changed, "bulk_send")
		attrs = append(attrs,
			logx.String("bulk_send.send_interval", newCfg.BulkSend.SendInterval),
			logx.Int("bulk_send.max_recipients", newCfg.BulkSend.MaxRecipients),
		)
	}

	// LLM (never log api key)
	if strings.TrimSpace(oldCfg.LLM.BaseURL) != strings.TrimSpace(newCfg.LLM.BaseURL) ||
		strings.TrimSpace(oldCfg.LLM.Model) != strings.TrimSpace(newCfg.LLM.Model) ||
		(oldCfg.LLM.APIKey == "") != (newCfg.LLM.APIKey == "") {
		changed = append(changed, "llm")
		attrs = append(attrs,
			logx.String("llm.model", newCfg.LLM.Model),
			logx.Bool("llm.key_set", newCfg.LLM.APIKey != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	return changed, attrs
}
