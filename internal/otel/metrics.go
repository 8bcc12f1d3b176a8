package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	EventsReceived       metric.Int64Counter
	DuplicatesSuppressed metric.Int64Counter
	FastLaneHits         metric.Int64Counter
	QueueDepth           metric.Int64UpDownCounter
	DispatchDuration     metric.Float64Histogram
	JobsFired            metric.Int64Counter
	JobRunDuration       metric.Float64Histogram
	RPCDuration          metric.Float64Histogram
	RPCTimeouts          metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsReceived, err = meter.Int64Counter("msgcode.events.received",
		metric.WithDescription("Inbound events received from the bridge"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicatesSuppressed, err = meter.Int64Counter("msgcode.events.duplicates",
		metric.WithDescription("Events suppressed by fast-lane or cursor dedup"),
	)
	if err != nil {
		return nil, err
	}

	m.FastLaneHits, err = meter.Int64Counter("msgcode.lane.fast_hits",
		metric.WithDescription("Events handled on the fast lane"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("msgcode.lane.queue_depth",
		metric.WithDescription("Tasks pending across conversation queues"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("msgcode.lane.dispatch.duration",
		metric.WithDescription("Event dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFired, err = meter.Int64Counter("msgcode.jobs.fired",
		metric.WithDescription("Scheduled job executions started"),
	)
	if err != nil {
		return nil, err
	}

	m.JobRunDuration, err = meter.Float64Histogram("msgcode.jobs.run.duration",
		metric.WithDescription("Job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCDuration, err = meter.Float64Histogram("msgcode.rpc.duration",
		metric.WithDescription("Bridge request round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCTimeouts, err = meter.Int64Counter("msgcode.rpc.timeouts",
		metric.WithDescription("Bridge requests abandoned on timeout"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
