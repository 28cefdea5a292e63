package shared

import (
	"context"

	"github.com/google/uuid"
)

type tickIDKey struct{}
type taskIDKey struct{}
type passKey struct{}

const (
	PassTick  = "tick"
	PassRetry = "retry"
)

// WithTickID tags ctx with the id of the running sync pass.
func WithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, tickIDKey{}, tickID)
}

// TickID returns the pass id, or "-" if absent.
func TickID(ctx context.Context) string {
	if v, ok := ctx.Value(tickIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTickID() string {
	return uuid.NewString()
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPass records whether work runs in the sync tick or the retry pass.
func WithPass(ctx context.Context, pass string) context.Context {
	return context.WithValue(ctx, passKey{}, pass)
}

func Pass(ctx context.Context) string {
	if v, ok := ctx.Value(passKey{}).(string); ok && v != "" {
		return v
	}
	return PassTick
}
