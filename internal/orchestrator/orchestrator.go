// Package orchestrator runs the sync, classify and retry passes over the inbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/inbox-labeler/internal/bus"
	"github.com/basket/inbox-labeler/internal/classifier"
	otelPkg "github.com/basket/inbox-labeler/internal/otel"
	"github.com/basket/inbox-labeler/internal/persistence"
	"github.com/basket/inbox-labeler/internal/provider"
	"github.com/basket/inbox-labeler/internal/shared"
)

type Config struct {
	Store      *persistence.Store
	Provider   provider.Provider
	Classifier classifier.Classifier
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelPkg.Metrics

	Vocabulary []string
	// InboxProjectID overrides inbox discovery when set.
	InboxProjectID string
}

// TickStats summarizes one pass. A pass skipped by the busy guard returns the
// zero value.
type TickStats struct {
	TickID     string        `json:"tick_id,omitempty"`
	Seen       int           `json:"seen"`
	Eligible   int           `json:"eligible"`
	Classified int           `json:"classified"`
	Retrying   int           `json:"retrying"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

type outcome int

const (
	outcomeClassified outcome = iota
	outcomeRetrying
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeClassified:
		return "classified"
	case outcomeRetrying:
		return "retrying"
	default:
		return "failed"
	}
}

func (s *TickStats) record(o outcome) {
	switch o {
	case outcomeClassified:
		s.Classified++
	case outcomeRetrying:
		s.Retrying++
	case outcomeFailed:
		s.Failed++
	}
}

type Orchestrator struct {
	store      *persistence.Store
	provider   provider.Provider
	classifier classifier.Classifier
	bus        *bus.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otelPkg.Metrics
	inboxID    string

	// busy is shared by Tick and RetryFailedTasks: both mutate attempt counters.
	busy atomic.Bool

	mu         sync.RWMutex
	vocabulary []string
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Orchestrator{
		store:      cfg.Store,
		provider:   cfg.Provider,
		classifier: cfg.Classifier,
		bus:        cfg.Bus,
		logger:     logger,
		tracer:     tracer,
		metrics:    cfg.Metrics,
		inboxID:    cfg.InboxProjectID,
		vocabulary: append([]string(nil), cfg.Vocabulary...),
	}
}

// SetVocabulary swaps the label vocabulary used by subsequent classifications.
func (o *Orchestrator) SetVocabulary(vocabulary []string) {
	o.mu.Lock()
	o.vocabulary = append([]string(nil), vocabulary...)
	o.mu.Unlock()
}

func (o *Orchestrator) Vocabulary() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.vocabulary...)
}

// Busy reports whether a pass is currently running.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// Tick lists the inbox and processes every eligible task in provider order.
// A provider failure while resolving or listing the inbox aborts the tick, is
// logged as SYNC_ERROR and returned. Storage failures are returned as is.
func (o *Orchestrator) Tick(ctx context.Context) (TickStats, error) {
	if !o.busy.CompareAndSwap(false, true) {
		o.busySkip(ctx, shared.PassTick)
		return TickStats{}, nil
	}
	defer o.busy.Store(false)

	ctx, stats, start := o.beginPass(ctx, shared.PassTick)
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "labeler.tick",
		otelPkg.AttrTickID.String(stats.TickID),
		otelPkg.AttrPass.String(shared.PassTick),
	)
	defer span.End()

	collectionID, err := o.cachedCollection(ctx)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}
	if collectionID == "" {
		collectionID, err = o.provider.ResolveInbox(ctx)
		if err != nil {
			err = o.syncFailed(ctx, stats, start, fmt.Errorf("resolve inbox: %w", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve inbox")
			return stats, err
		}
		if err := o.store.SaveInboxProjectID(ctx, collectionID); err != nil {
			span.RecordError(err)
			return stats, err
		}
		o.logger.Info("inbox resolved", "inbox_project_id", collectionID)
	}

	listing, err := o.provider.ListTasks(ctx, collectionID)
	if err != nil {
		err = o.syncFailed(ctx, stats, start, fmt.Errorf("list tasks: %w", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "list tasks")
		return stats, err
	}

	for _, task := range listing.Tasks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Seen++
		eligible, err := o.checkEligibility(ctx, task, &stats)
		if err != nil {
			span.RecordError(err)
			return stats, err
		}
		if !eligible {
			continue
		}
		stats.Eligible++
		result, err := o.processTask(ctx, task)
		if err != nil {
			span.RecordError(err)
			return stats, err
		}
		stats.record(result)
	}

	if listing.SyncToken != "" {
		if err := o.store.SaveSyncToken(ctx, listing.SyncToken); err != nil {
			return stats, err
		}
	}
	if err := o.store.SaveLastSyncAt(ctx, time.Now().UTC()); err != nil {
		return stats, err
	}

	o.finishPass(ctx, &stats, start, shared.PassTick)
	return stats, nil
}

// RetryFailedTasks re-fetches pending tasks that still have attempts left,
// oldest first, and runs them through the same processing sequence as Tick.
func (o *Orchestrator) RetryFailedTasks(ctx context.Context) (TickStats, error) {
	if !o.busy.CompareAndSwap(false, true) {
		o.busySkip(ctx, shared.PassRetry)
		return TickStats{}, nil
	}
	defer o.busy.Store(false)

	ctx, stats, start := o.beginPass(ctx, shared.PassRetry)
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "labeler.retry",
		otelPkg.AttrTickID.String(stats.TickID),
		otelPkg.AttrPass.String(shared.PassRetry),
	)
	defer span.End()

	records, err := o.store.GetPendingRetryableTasks(ctx)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Seen++
		task, err := o.provider.GetTask(ctx, rec.TaskID)
		if err != nil {
			o.logger.Warn("retry pass could not fetch task", "task_id", rec.TaskID, "error", err)
			if logErr := o.store.LogError(ctx, persistence.ErrorTypeFetch, err.Error(), rec.TaskID, shared.ErrorChain(err)); logErr != nil {
				return stats, logErr
			}
			continue
		}
		if task == nil || task.HasLabels() {
			reason := "task deleted"
			if task != nil {
				reason = "task already labeled"
			}
			if err := o.skip(ctx, rec.TaskID, reason); err != nil {
				return stats, err
			}
			stats.Skipped++
			continue
		}
		if task.IsCompleted {
			if err := o.skip(ctx, rec.TaskID, "task completed"); err != nil {
				return stats, err
			}
			stats.Skipped++
			continue
		}
		stats.Eligible++
		result, err := o.processTask(ctx, *task)
		if err != nil {
			span.RecordError(err)
			return stats, err
		}
		stats.record(result)
	}

	o.finishPass(ctx, &stats, start, shared.PassRetry)
	return stats, nil
}

func (o *Orchestrator) beginPass(ctx context.Context, pass string) (context.Context, TickStats, time.Time) {
	tickID := shared.NewTickID()
	ctx = shared.WithTickID(ctx, tickID)
	ctx = shared.WithPass(ctx, pass)
	return ctx, TickStats{TickID: tickID}, time.Now()
}

func (o *Orchestrator) finishPass(ctx context.Context, stats *TickStats, start time.Time, pass string) {
	stats.Duration = time.Since(start)
	o.logger.Info("sync pass completed",
		"tick_id", stats.TickID,
		"pass", pass,
		"seen", stats.Seen,
		"eligible", stats.Eligible,
		"classified", stats.Classified,
		"retrying", stats.Retrying,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	if o.metrics != nil {
		o.metrics.TickDuration.Record(ctx, stats.Duration.Seconds(),
			metric.WithAttributes(otelPkg.AttrPass.String(pass)))
	}
	o.bus.Publish(bus.TopicSyncCompleted, syncEvent(*stats, pass, ""))
}

func (o *Orchestrator) busySkip(ctx context.Context, pass string) {
	o.logger.Debug("sync pass skipped; previous pass still running", "pass", pass)
	if o.metrics != nil {
		o.metrics.BusySkips.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrPass.String(pass)))
	}
}

// syncFailed records a tick-level failure. Both the original error and any
// failure to log it are returned.
func (o *Orchestrator) syncFailed(ctx context.Context, stats TickStats, start time.Time, err error) error {
	stats.Duration = time.Since(start)
	o.logger.Error("sync tick aborted", "tick_id", stats.TickID, "error", err)
	if o.metrics != nil {
		o.metrics.SyncErrors.Add(ctx, 1)
	}
	o.bus.Publish(bus.TopicSyncFailed, syncEvent(stats, shared.PassTick, err.Error()))
	if logErr := o.store.LogError(ctx, persistence.ErrorTypeSync, err.Error(), "", shared.ErrorChain(err)); logErr != nil {
		return errors.Join(err, fmt.Errorf("log sync error: %w", logErr))
	}
	return err
}

func syncEvent(stats TickStats, pass, errMsg string) bus.SyncEvent {
	return bus.SyncEvent{
		TickID:     stats.TickID,
		Pass:       pass,
		Seen:       stats.Seen,
		Eligible:   stats.Eligible,
		Classified: stats.Classified,
		Retrying:   stats.Retrying,
		Failed:     stats.Failed,
		Skipped:    stats.Skipped,
		DurationMS: stats.Duration.Milliseconds(),
		Error:      errMsg,
	}
}

// cachedCollection returns the configured override or the inbox id cached in
// sync state. An empty id means the provider has to be asked.
func (o *Orchestrator) cachedCollection(ctx context.Context) (string, error) {
	if o.inboxID != "" {
		return o.inboxID, nil
	}
	state, err := o.store.GetSyncState(ctx)
	if err != nil {
		return "", err
	}
	return state.InboxProjectID, nil
}
