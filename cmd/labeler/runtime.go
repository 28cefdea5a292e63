package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/inbox-labeler/internal/bus"
	"github.com/basket/inbox-labeler/internal/classifier"
	"github.com/basket/inbox-labeler/internal/config"
	"github.com/basket/inbox-labeler/internal/orchestrator"
	otelPkg "github.com/basket/inbox-labeler/internal/otel"
	"github.com/basket/inbox-labeler/internal/persistence"
	"github.com/basket/inbox-labeler/internal/todoist"
)

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	Code string
	Err  error
}

func (e *startupError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *startupError) Unwrap() error { return e.Err }

func startupFailure(code string, err error) error {
	return &startupError{Code: code, Err: err}
}

func reasonCode(err error, fallback string) string {
	var se *startupError
	if errors.As(err, &se) {
		return se.Code
	}
	return fallback
}

// runtime is everything a sync pass needs. The daemon and sync-once share it.
type runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	telemetry  *otelPkg.Provider
	metrics    *otelPkg.Metrics
	bus        *bus.Bus
	store      *persistence.Store
	todoist    *todoist.Client
	classifier *classifier.GenkitClassifier
	orch       *orchestrator.Orchestrator
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, bus: bus.New()}

	provider, model, apiKey, baseURL := cfg.ResolveLLM()
	tp, err := otelPkg.Init(ctx, cfg.Telemetry, otelPkg.Service{
		InboxProjectID: cfg.InboxProjectID,
		LLMProvider:    provider,
		LLMModel:       model,
		VocabularySize: len(cfg.Vocabulary),
	})
	if err != nil {
		return nil, startupFailure("E_OTEL_INIT", err)
	}
	rt.telemetry = tp
	metrics, err := otelPkg.NewMetrics(tp.Meter)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, startupFailure("E_OTEL_INIT", err)
	}
	rt.metrics = metrics

	store, err := persistence.Open(cfg.DBPath, cfg.MaxErrorLogRows)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, startupFailure("E_STORE_OPEN", err)
	}
	rt.store = store
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	rt.todoist = todoist.New(todoist.Config{
		BaseURL:     cfg.Todoist.BaseURL,
		Token:       cfg.Todoist.APIToken,
		LabelDelay:  cfg.LabelDelay(),
		HTTPTimeout: cfg.HTTPTimeout(),
		Logger:      logger,
	})
	if !rt.todoist.Available() {
		rt.Close(ctx)
		return nil, startupFailure("E_TODOIST_TOKEN", errors.New("TODOIST_API_TOKEN is not set"))
	}

	rt.classifier = classifier.NewGenkit(ctx, classifier.Config{
		Provider:           provider,
		Model:              model,
		APIKey:             apiKey,
		BaseURL:            baseURL,
		CompatibleProvider: cfg.LLM.CompatibleProvider,
		MaxLabels:          cfg.MaxLabels,
		Timeout:            cfg.LLMTimeout(),
		Logger:             logger,
	})
	// A classifier that cannot answer would burn every task's attempts.
	if !rt.classifier.Ready() {
		rt.Close(ctx)
		return nil, startupFailure("E_LLM_CONFIG", fmt.Errorf("no usable model or API key for provider %q", provider))
	}

	rt.orch = orchestrator.New(orchestrator.Config{
		Store:          store,
		Provider:       rt.todoist,
		Classifier:     rt.classifier,
		Bus:            rt.bus,
		Logger:         logger,
		Tracer:         tp.Tracer,
		Metrics:        metrics,
		Vocabulary:     cfg.Vocabulary,
		InboxProjectID: cfg.InboxProjectID,
	})
	logger.Info("startup phase", "phase", "runtime_ready",
		"provider", provider, "model", rt.classifier.ModelName(), "vocabulary", len(cfg.Vocabulary))
	return rt, nil
}

// Close flushes telemetry and closes the store.
func (rt *runtime) Close(ctx context.Context) {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Error("store close failed", "error", err)
		}
	}
	if rt.telemetry != nil {
		if err := rt.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			rt.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}
