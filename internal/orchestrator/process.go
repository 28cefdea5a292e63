package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/inbox-labeler/internal/bus"
	"github.com/basket/inbox-labeler/internal/classifier"
	otelPkg "github.com/basket/inbox-labeler/internal/otel"
	"github.com/basket/inbox-labeler/internal/persistence"
	"github.com/basket/inbox-labeler/internal/provider"
	"github.com/basket/inbox-labeler/internal/shared"
)

// checkEligibility decides whether a listed task is processed this tick.
// Already-labeled tasks are recorded as skipped only on first sight.
func (o *Orchestrator) checkEligibility(ctx context.Context, task provider.Task, stats *TickStats) (bool, error) {
	if task.IsCompleted {
		return false, nil
	}

	rec, err := o.store.GetTask(ctx, task.ID)
	if err != nil && !errors.Is(err, persistence.ErrTaskNotFound) {
		return false, err
	}

	if task.HasLabels() {
		if rec != nil {
			return false, nil
		}
		if err := o.store.UpsertTask(ctx, task.ID, task.Content); err != nil {
			return false, err
		}
		if err := o.skip(ctx, task.ID, "task already labeled"); err != nil {
			return false, err
		}
		stats.Skipped++
		return false, nil
	}

	if rec == nil {
		return true, nil
	}
	switch rec.Status {
	case persistence.TaskStatusClassified, persistence.TaskStatusSkipped:
		return false, nil
	case persistence.TaskStatusFailed:
		// Only an external reset clears failed.
		return false, nil
	case persistence.TaskStatusPending:
		if rec.Attempts < persistence.MaxAttempts {
			return true, nil
		}
		// The process stopped during the final attempt before recording its
		// outcome.
		o.logger.Warn("task exhausted attempts without an outcome; marking failed",
			"task_id", task.ID, "attempts", rec.Attempts)
		msg := fmt.Sprintf("attempts exhausted without outcome after %d attempts", rec.Attempts)
		if err := o.store.LogError(ctx, persistence.ErrorTypeClassification, msg, task.ID, ""); err != nil {
			return false, err
		}
		if err := o.fail(ctx, task.ID, rec.Attempts, msg); err != nil {
			return false, err
		}
		stats.Failed++
		return false, nil
	default:
		return false, fmt.Errorf("task %s: unknown status %q", task.ID, rec.Status)
	}
}

// processTask runs one attempt. The attempt is persisted before the
// classifier is called so a crash still counts toward MaxAttempts. The
// returned error is always a storage error.
func (o *Orchestrator) processTask(ctx context.Context, task provider.Task) (outcome, error) {
	ctx = shared.WithTaskID(ctx, task.ID)

	if err := o.store.UpsertTask(ctx, task.ID, task.Content); err != nil {
		return outcomeFailed, err
	}
	attempts, err := o.store.MarkTaskAttempted(ctx, task.ID)
	if err != nil {
		return outcomeFailed, err
	}
	final := attempts >= persistence.MaxAttempts

	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "labeler.process_task",
		otelPkg.AttrTaskID.String(task.ID),
		otelPkg.AttrAttempt.Int(attempts),
	)
	defer span.End()

	result, err := o.processAttempt(ctx, task, attempts, final)
	span.SetAttributes(otelPkg.AttrOutcome.String(result.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage")
		return result, err
	}
	if o.metrics != nil {
		o.metrics.TaskOutcomes.Add(ctx, 1, metric.WithAttributes(
			otelPkg.AttrOutcome.String(result.String()),
			otelPkg.AttrPass.String(shared.Pass(ctx)),
		))
	}
	return result, nil
}

func (o *Orchestrator) processAttempt(ctx context.Context, task provider.Task, attempts int, final bool) (outcome, error) {
	labels, err := o.classify(ctx, task)
	if err != nil {
		return o.attemptFailed(ctx, task.ID, attempts, final, err)
	}

	if len(labels) == 0 {
		if !final {
			o.retrying(ctx, task.ID, attempts, "no applicable labels")
			return outcomeRetrying, nil
		}
		msg := fmt.Sprintf("classifier returned no labels after %d attempts", attempts)
		if err := o.store.LogError(ctx, persistence.ErrorTypeClassificationEmpty, msg, task.ID, ""); err != nil {
			return outcomeFailed, err
		}
		if err := o.fail(ctx, task.ID, attempts, msg); err != nil {
			return outcomeFailed, err
		}
		return outcomeFailed, nil
	}

	if err := o.provider.ApplyLabels(ctx, task.ID, labels); err != nil {
		return o.attemptFailed(ctx, task.ID, attempts, final, fmt.Errorf("apply labels: %w", err))
	}
	if err := o.store.MarkTaskClassified(ctx, task.ID, labels); err != nil {
		return outcomeFailed, err
	}

	o.logger.Info("task classified", "task_id", task.ID, "labels", labels, "attempts", attempts, "pass", shared.Pass(ctx))
	o.bus.Publish(bus.TopicTaskClassified, bus.TaskEvent{
		TaskID:   task.ID,
		Pass:     shared.Pass(ctx),
		Status:   string(persistence.TaskStatusClassified),
		Attempts: attempts,
		Labels:   labels,
	})
	return outcomeClassified, nil
}

func (o *Orchestrator) classify(ctx context.Context, task provider.Task) ([]string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, o.tracer, "labeler.classify", otelPkg.AttrTaskID.String(task.ID))
	defer span.End()

	start := time.Now()
	res, err := o.classifier.Classify(ctx, classifier.Request{
		TaskID:      task.ID,
		Text:        task.Content,
		Description: task.Description,
		Vocabulary:  o.Vocabulary(),
	})
	if o.metrics != nil {
		o.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify")
		return nil, fmt.Errorf("classify task %s: %w", task.ID, err)
	}
	return res.Labels, nil
}

// attemptFailed records a classification or write-back error. The task stays
// pending unless this was the final attempt.
func (o *Orchestrator) attemptFailed(ctx context.Context, taskID string, attempts int, final bool, cause error) (outcome, error) {
	if err := o.store.LogError(ctx, persistence.ErrorTypeClassification, cause.Error(), taskID, shared.ErrorChain(cause)); err != nil {
		return outcomeFailed, err
	}
	if !final {
		o.retrying(ctx, taskID, attempts, cause.Error())
		return outcomeRetrying, nil
	}
	if err := o.fail(ctx, taskID, attempts, cause.Error()); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

func (o *Orchestrator) retrying(ctx context.Context, taskID string, attempts int, reason string) {
	o.logger.Info("task left pending for retry",
		"task_id", taskID, "attempts", attempts, "max_attempts", persistence.MaxAttempts, "reason", reason)
	o.bus.Publish(bus.TopicTaskRetrying, bus.TaskEvent{
		TaskID:   taskID,
		Pass:     shared.Pass(ctx),
		Status:   string(persistence.TaskStatusPending),
		Attempts: attempts,
		Reason:   reason,
	})
}

func (o *Orchestrator) fail(ctx context.Context, taskID string, attempts int, reason string) error {
	if err := o.store.MarkTaskFailed(ctx, taskID); err != nil {
		return err
	}
	o.logger.Error("task permanently failed", "task_id", taskID, "attempts", attempts, "reason", reason)
	o.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
		TaskID:   taskID,
		Pass:     shared.Pass(ctx),
		Status:   string(persistence.TaskStatusFailed),
		Attempts: attempts,
		Reason:   reason,
	})
	return nil
}

func (o *Orchestrator) skip(ctx context.Context, taskID, reason string) error {
	if err := o.store.MarkTaskSkipped(ctx, taskID); err != nil {
		return err
	}
	o.logger.Info("task skipped", "task_id", taskID, "reason", reason, "pass", shared.Pass(ctx))
	o.bus.Publish(bus.TopicTaskSkipped, bus.TaskEvent{
		TaskID: taskID,
		Pass:   shared.Pass(ctx),
		Status: string(persistence.TaskStatusSkipped),
		Reason: reason,
	})
	return nil
}
