// Package eventbus provides an optional out-of-process transport for task
// status-change events. The engine itself only depends on the Observer
// interface (defined alongside the executor); this package is one concrete,
// pluggable implementation of it, not a required dependency of the core.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// StatusEvent is the wire shape published for every observed status
// transition. Subjects are namespaced by task key when one was supplied at
// dispatch time; events without a task key go to the base subject.
type StatusEvent struct {
	TaskID       string `json:"task_id"`
	TaskKey      string `json:"task_key,omitempty"`
	HandlerType  string `json:"handler_type"`
	FromStatus   string `json:"from_status"`
	ToStatus     string `json:"to_status"`
	OccurredUnix int64  `json:"occurred_unix"`
}

// NATSPublisher publishes StatusEvents to a NATS subject, injecting the
// caller's trace context into the message header so a subscriber can
// continue the span started by the dispatch call.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher wraps an already-connected NATS client. Connection
// lifecycle (dial, reconnect policy) is the caller's responsibility; this
// type only publishes.
func NewNATSPublisher(nc *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger}
}

// Publish satisfies the executor's Observer interface. Errors are logged,
// never returned: a broken event bus must not fail or retry a task run.
func (p *NATSPublisher) Publish(ctx context.Context, ev StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("eventbus: marshal status event failed", "error", err, "task_id", ev.TaskID)
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))

	subject := p.subject
	if ev.TaskKey != "" {
		subject = subject + "." + ev.TaskKey
	}

	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Error("eventbus: publish failed", "error", err, "subject", subject)
	}
}

// Subscribe consumes status events on subject, extracting the publisher's
// trace context and starting a child span for the handler's duration.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, StatusEvent)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)

		tr := otel.Tracer("evertask-eventbus")
		ctx, span := tr.Start(ctx, "eventbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev StatusEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			span.RecordError(err)
			return
		}
		handler(ctx, ev)
	})
}
