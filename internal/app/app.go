// Package app wires the engine together: config, logging, storage, the
// Telegram adapter, the job engine, and the three pipelines. It is the
// composition root consumed by cmd/msgdeck and by any interactive surface.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"msgdeck/internal/config"
	"msgdeck/internal/eventbus"
	"msgdeck/internal/llm"
	"msgdeck/internal/runtime/supervisor"
	"msgdeck/internal/services/bulksend"
	"msgdeck/internal/services/jobs"
	"msgdeck/internal/services/report"
	"msgdeck/internal/services/syncer"
	"msgdeck/internal/storage"
	"msgdeck/internal/transport/telegram"
	logx "msgdeck/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	engine   *jobs.Manager
	syncer   *syncer.Pipeline
	reporter *report.Pipeline
	bulk     *bulksend.Orchestrator

	owner syncer.Owner
	cron  *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
		JournalSize: cfg.Telegram.JournalSize,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	bus := eventbus.New()
	engine := jobs.New(jobs.Config{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
	}, store, bus, log.With(logx.String("comp", "jobs")))

	llmTimeout, _ := config.ParseDurationOrDefault("llm.timeout", cfg.LLM.Timeout, 60*time.Second)
	analyzer := llm.NewClient(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Timeout:      llmTimeout,
	})

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,

		adapter: adapter,
		engine:  engine,
		syncer: syncer.New(syncer.Config{
			PageSize:         cfg.Sync.PageSize,
			MaxBackfillPages: cfg.Sync.MaxBackfillPages,
		}, store, adapter, log.With(logx.String("comp", "sync"))),
		reporter: report.New(report.Config{
			RecencyWindow:   cfg.Report.RecencyWindowDuration(),
			MaxMessages:     cfg.Report.MaxMessages,
			MaxMessageChars: cfg.Report.MaxMessageChars,
			BatchSize:       cfg.Report.BatchSize,
			MaxSelected:     cfg.Report.MaxSelected,
		}, store, analyzer, log.With(logx.String("comp", "report"))),
		bulk: bulksend.New(bulksend.Config{
			SendInterval:  cfg.BulkSend.SendIntervalDuration(),
			MaxRecipients: cfg.BulkSend.MaxRecipients,
			PreviewTTL:    cfg.BulkSend.PreviewTTLDuration(),
		}, store, adapter, log.With(logx.String("comp", "bulksend"))),

		owner: syncer.Owner{
			Username:  cfg.Owner.Username,
			FirstName: cfg.Owner.FirstName,
			UserID:    cfg.Owner.UserID,
		},
	}
	return a, nil
}

// Start brings the engine up: reconcile interrupted jobs first, then the
// worker pool, the adapter, the config watcher, and the report schedule.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.RecoverInterrupted(ctx); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.engine.Start(ctx)
	a.adapter.Start(ctx)

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("config.reload", a.reloadLoop)

	if err := a.scheduleReports(a.cfgm.Get().Report.Cadence); err != nil {
		return err
	}

	a.log.Info("msgdeck started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	a.engine.Stop(ctx)
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	err := a.store.Close()
	a.log.Info("msgdeck stopped")
	_ = a.logs.Close()
	return err
}

// scheduleReports installs the cron trigger for non-manual cadences.
func (a *App) scheduleReports(cadence string) error {
	var spec string
	switch cadence {
	case config.CadenceDaily:
		spec = "@daily"
	case config.CadenceWeekly:
		spec = "@weekly"
	default:
		return nil
	}

	a.cron = cron.New()
	_, err := a.cron.AddFunc(spec, func() {
		id, err := a.StartReport(context.Background())
		if err != nil {
			// A busy report class just means a run is already underway.
			a.log.Warn("scheduled report skipped", logx.Err(err))
			return
		}
		a.log.Info("scheduled report enqueued", logx.String("job", id))
	})
	if err != nil {
		return fmt.Errorf("schedule reports: %w", err)
	}
	a.cron.Start()
	a.log.Info("report schedule active", logx.String("cadence", cadence))
	return nil
}

// reloadLoop applies live-updatable sections of a reloaded config. Logging
// applies in place; anything else is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)

			if prev == nil || prev.Logging != cfg.Logging {
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
			}
			for _, section := range changed {
				if section != "logging" {
					a.log.Warn("config section requires restart to take effect", logx.String("section", section))
				}
			}
			prev = cfg
		}
	}
}
