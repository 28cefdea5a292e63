package main

import (
	"log/slog"
	"sync"

	"github.com/basket/inbox-labeler/internal/bus"
	"github.com/basket/inbox-labeler/internal/config"
	"github.com/basket/inbox-labeler/internal/telemetry"
)

type vocabularySetter interface {
	SetVocabulary([]string)
}

// reloader applies config.yaml and .env edits to a running daemon. Only the
// vocabulary and log level change live; everything else needs a restart.
type reloader struct {
	logger *slog.Logger
	level  *slog.LevelVar
	target vocabularySetter
	bus    *bus.Bus

	mu      sync.RWMutex
	current config.Config
}

func newReloader(cfg config.Config, logger *slog.Logger, level *slog.LevelVar, target vocabularySetter, eventBus *bus.Bus) *reloader {
	return &reloader{logger: logger, level: level, target: target, bus: eventBus, current: cfg}
}

func (r *reloader) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Fingerprint()
}

// Apply reloads from disk. An invalid config is rejected and the running one
// is kept.
func (r *reloader) Apply(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := config.LoadFrom(r.current.HomeDir)
	if err != nil {
		r.logger.Error("config reload failed; keeping previous config", "path", path, "error", err)
		return err
	}
	if err := next.Validate(); err != nil {
		r.logger.Error("config reload rejected; keeping previous config", "path", path, "error", err)
		return err
	}

	prev := r.current
	if restartNeeded(prev, next) {
		r.logger.Warn("config change requires a restart to take full effect",
			"poll_interval_seconds", next.PollIntervalSeconds,
			"retry_schedule", next.RetrySchedule,
			"db_path", next.DBPath,
			"bind_addr", next.BindAddr)
	}

	r.target.SetVocabulary(next.Vocabulary)
	r.level.Set(telemetry.ParseLevel(next.LogLevel))
	r.current = next

	fp := next.Fingerprint()
	r.logger.Info("config hot-reloaded", "path", path, "config_fingerprint", fp, "vocabulary", len(next.Vocabulary))
	r.bus.Publish(bus.TopicConfigReloaded, bus.ConfigEvent{
		Fingerprint: fp,
		Path:        path,
		Vocabulary:  next.Vocabulary,
		LogLevel:    next.LogLevel,
	})
	return nil
}

func restartNeeded(a, b config.Config) bool {
	return a.PollIntervalSeconds != b.PollIntervalSeconds ||
		a.RetrySchedule != b.RetrySchedule ||
		a.DBPath != b.DBPath ||
		a.BindAddr != b.BindAddr ||
		a.MaxErrorLogRows != b.MaxErrorLogRows ||
		a.LLM != b.LLM ||
		a.Todoist != b.Todoist
}
