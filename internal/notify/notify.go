// Package notify delivers member-facing events. Delivery is fire-and-forget
// from the approval workflow's point of view.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"memberfund.org/internal/obs"
)

// Event names a notification type.
type Event string

const (
	EventSubmitted Event = "entity.submitted"
	EventApproved  Event = "entity.approved"
	EventRejected  Event = "entity.rejected"
)

// Message is one notification addressed to a user.
type Message struct {
	UserID     string         `json:"user_id"`
	Event      Event          `json:"event"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// Log writes messages to the shared logger instead of delivering them.
type Log struct{}

func (Log) Notify(_ context.Context, msg Message) error {
	obs.Logger().Info("notification",
		zap.String("user_id", msg.UserID),
		zap.String("event", string(msg.Event)),
		zap.Any("payload", msg.Payload),
	)
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

func (f Func) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }
