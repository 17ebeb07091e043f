// Package eventbus defines the best-effort event fan-out port. The store
// is the source of truth for events; the bus only mirrors appended rows
// to external subscribers (dashboards, webhook dispatchers). Publish
// failures must never fail the operation that produced the event.
package eventbus

import (
	"context"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

// Handler receives one published event. Subject carries the routing key
// the event was published under.
type Handler func(subject string, e event.Event) error

// Bus is the fan-out port. Implementations: NATS (production) and Nop.
type Bus interface {
	// PublishEvent mirrors an appended event row to subscribers.
	PublishEvent(ctx context.Context, e event.Event) error

	// SubscribeProtocol delivers events for one protocol run (0 for all).
	// The returned func stops delivery.
	SubscribeProtocol(ctx context.Context, protocolRunID int64, h Handler) (func(), error)

	Close() error
}

// Nop is a Bus that drops everything. Used when no NATS URL is configured.
type Nop struct{}

func (Nop) PublishEvent(context.Context, event.Event) error { return nil }

func (Nop) SubscribeProtocol(context.Context, int64, Handler) (func(), error) {
	return func() {}, nil
}

func (Nop) Close() error { return nil }
