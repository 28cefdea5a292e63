package bus

const (
	TopicTaskClassified = "task.classified"
	TopicTaskRetrying   = "task.retrying"
	TopicTaskFailed     = "task.failed"
	TopicTaskSkipped    = "task.skipped"

	TopicSyncCompleted = "sync.completed"
	TopicSyncFailed    = "sync.failed"

	TopicConfigReloaded = "config.reloaded"
)

// TaskEvent describes one per-task transition.
type TaskEvent struct {
	TaskID   string   `json:"task_id"`
	Pass     string   `json:"pass"` // "tick" or "retry"
	Status   string   `json:"status"`
	Attempts int      `json:"attempts,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// SyncEvent summarizes a finished or aborted pass.
type SyncEvent struct {
	TickID     string `json:"tick_id"`
	Pass       string `json:"pass"`
	Seen       int    `json:"seen"`
	Eligible   int    `json:"eligible"`
	Classified int    `json:"classified"`
	Retrying   int    `json:"retrying"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ConfigEvent is published after a config reload has been applied.
type ConfigEvent struct {
	Fingerprint string   `json:"config_fingerprint"`
	Path        string   `json:"path"`
	Vocabulary  []string `json:"vocabulary"`
	LogLevel    string   `json:"log_level"`
}
