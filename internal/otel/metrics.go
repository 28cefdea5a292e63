package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the labeler's instruments.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	ClassifyDuration metric.Float64Histogram
	TaskOutcomes     metric.Int64Counter
	BusySkips        metric.Int64Counter
	SyncErrors       metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("labeler.tick.duration",
		metric.WithDescription("Sync tick and retry pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClassifyDuration, err = meter.Float64Histogram("labeler.classify.duration",
		metric.WithDescription("Classifier call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("labeler.task.outcomes",
		metric.WithDescription("Per-task processing outcomes by result"),
	)
	if err != nil {
		return nil, err
	}

	m.BusySkips, err = meter.Int64Counter("labeler.tick.busy_skips",
		metric.WithDescription("Ticks skipped because another pass was running"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncErrors, err = meter.Int64Counter("labeler.sync.errors",
		metric.WithDescription("Ticks aborted by a provider listing failure"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
