// Package eventbus publishes a best-effort audit trail of task lifecycle
// transitions to NATS JetStream. No dispatch decision ever depends on a
// publish succeeding — a failure is logged and otherwise ignored, exactly
// like the control-queue push's fire-and-forget posture.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "tasks.lifecycle"

// Event is one durable state transition the Dispatcher performed.
type Event struct {
	TaskID string    `json:"task_id"`
	NodeID string    `json:"node_id,omitempty"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type Bus struct {
	js      jetStreamPublisher
	subject string
}

func New(js nats.JetStreamContext, subject string) *Bus {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Bus{js: js, subject: subject}
}

// Publish serializes ev as JSON and publishes it. Errors are returned to
// the caller so it can choose to log, but callers must never fail a state
// transition because this returned an error.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	if _, err := b.js.Publish(b.subject, raw); err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// PublishBestEffort is the fire-and-forget convenience the Dispatcher
// actually calls: it logs a publish failure at Warn and swallows it.
func (b *Bus) PublishBestEffort(ctx context.Context, ev Event) {
	if err := b.Publish(ctx, ev); err != nil {
		slog.Warn("eventbus: best-effort publish failed",
			slog.String("task_id", ev.TaskID), slog.String("to", ev.To), slog.String("error", err.Error()))
	}
}
