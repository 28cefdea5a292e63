// Package provider defines the contract between the orchestrator and the
// task service that owns the inbox.
package provider

import "context"

// Task is a provider task as the orchestrator sees it.
type Task struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	IsCompleted bool     `json:"is_completed"`
}

// HasLabels reports whether the task already carries at least one label.
func (t Task) HasLabels() bool {
	return len(t.Labels) > 0
}

// Listing is one snapshot of a collection, in provider order.
type Listing struct {
	Tasks     []Task
	SyncToken string
}

// Provider is implemented by task services. Implementations are responsible
// for spacing consecutive label updates to respect upstream rate limits.
type Provider interface {
	// ResolveInbox returns the id of the inbox collection. It may be cached.
	ResolveInbox(ctx context.Context) (string, error)
	ListTasks(ctx context.Context, collectionID string) (Listing, error)
	// GetTask returns nil, nil when the task no longer exists.
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ApplyLabels(ctx context.Context, taskID string, labels []string) error
}
