// Package nats implements the event fan-out bus on NATS JetStream.
// Events appended to the store are mirrored to subjects under
// events.protocol.<id>; the stream gives late subscribers a bounded
// replay window.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/port/eventbus"
)

const (
	streamName = "DEVGODZILLA_EVENTS"

	// retention bounds the replay window; the store remains the durable
	// event history.
	retention = 24 * time.Hour
)

// Bus implements eventbus.Bus using NATS JetStream.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the stream exists.
func Connect(ctx context.Context, url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"events.>"},
		MaxAge:   retention,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js}, nil
}

// PublishEvent mirrors one event row. Protocol-scoped events go to
// events.protocol.<id>; project-only events to events.project.<id>.
func (b *Bus) PublishEvent(ctx context.Context, e event.Event) error {
	subject := subjectFor(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", e.ID, err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeProtocol registers a handler for one protocol run's events,
// or all protocol events when protocolRunID is 0.
func (b *Bus) SubscribeProtocol(ctx context.Context, protocolRunID int64, h eventbus.Handler) (func(), error) {
	subject := "events.protocol.>"
	if protocolRunID != 0 {
		subject = fmt.Sprintf("events.protocol.%d", protocolRunID)
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var e event.Event
		if err := json.Unmarshal(msg.Data(), &e); err != nil {
			slog.Error("event decode failed", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			return
		}
		if err := h(msg.Subject(), e); err != nil {
			slog.Error("event handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Close shuts down the NATS connection.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

func subjectFor(e event.Event) string {
	if e.ProtocolRunID != nil {
		return fmt.Sprintf("events.protocol.%d", *e.ProtocolRunID)
	}
	if e.ProjectID != nil {
		return fmt.Sprintf("events.project.%d", *e.ProjectID)
	}
	return "events.global"
}
