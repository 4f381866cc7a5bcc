package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Vigil metrics instruments.
type Metrics struct {
	HeartbeatDuration metric.Float64Histogram
	HeartbeatRuns     metric.Int64Counter
	HeartbeatSkips    metric.Int64Counter
	InvocationSteps   metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	ApprovalsDenied   metric.Int64Counter
	RemindersFired    metric.Int64Counter
	StreamTokens      metric.Int64Counter
	GatewayRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HeartbeatDuration, err = meter.Float64Histogram("vigil.heartbeat.duration",
		metric.WithDescription("Heartbeat run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatRuns, err = meter.Int64Counter("vigil.heartbeat.runs",
		metric.WithDescription("Heartbeat runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatSkips, err = meter.Int64Counter("vigil.heartbeat.skips",
		metric.WithDescription("Heartbeat triggers dropped because a run was in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationSteps, err = meter.Int64Counter("vigil.invocation.steps",
		metric.WithDescription("Total agent loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("vigil.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("vigil.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsDenied, err = meter.Int64Counter("vigil.approvals.denied",
		metric.WithDescription("Tool calls blocked by a declined approval"),
	)
	if err != nil {
		return nil, err
	}

	m.RemindersFired, err = meter.Int64Counter("vigil.reminders.fired",
		metric.WithDescription("Reminders delivered to the agent"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("vigil.stream.tokens",
		metric.WithDescription("Total streaming tokens delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayRejects, err = meter.Int64Counter("vigil.gateway.rejects",
		metric.WithDescription("Gateway requests rejected for auth or busy state"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
