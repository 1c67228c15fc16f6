// Package nats publishes committed events to NATS JetStream and delivers
// them to remote subscribers.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/messaging"
	"github.com/plaenen/eventengine/pkg/observability"
)

// Config configures an EventBus.
type Config struct {
	URL        string
	StreamName string

	// SubjectPrefix is prepended to "<aggregate type>.<event type>".
	SubjectPrefix string

	// MaxAge bounds how long JetStream keeps events. Zero keeps them forever.
	MaxAge time.Duration

	// Storage selects file or memory storage for the stream.
	Storage nats.StorageType

	AckWait    time.Duration
	MaxDeliver int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns a configuration for a local server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "EVENTS",
		SubjectPrefix: "events",
		MaxAge:        7 * 24 * time.Hour,
		Storage:       nats.FileStorage,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	}
}

// EventBus publishes events to a JetStream stream. It also implements
// messaging.Consumer so it can be registered with a Dispatcher.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	subs []*Subscription
}

// NewEventBus connects to NATS and ensures the stream exists.
func NewEventBus(config Config) (*EventBus, error) {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaults.SubjectPrefix
	}
	if config.AckWait == 0 {
		config.AckWait = defaults.AckWait
	}
	if config.MaxDeliver == 0 {
		config.MaxDeliver = defaults.MaxDeliver
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(config.URL, nats.Name("eventengine"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	bus := &EventBus{nc: nc, js: js, config: config, logger: logger}
	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return bus, nil
}

func (b *EventBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.config.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      b.config.StreamName,
		Subjects:  []string{b.config.SubjectPrefix + ".>"},
		Storage:   b.config.Storage,
		Retention: nats.LimitsPolicy,
		MaxAge:    b.config.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Subject returns the subject an event is published on.
func (b *EventBus) Subject(evt *domain.Event) string {
	return b.config.SubjectPrefix + "." + token(evt.AggregateType) + "." + evt.EventType
}

// token keeps an aggregate type inside a single subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Publish sends events in order. The event id is used as the JetStream
// message id, so republishing an event within the duplicate window is a
// no-op.
func (b *EventBus) Publish(ctx context.Context, events []*domain.Event) error {
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", evt.ID, err)
		}

		subject := b.Subject(evt)
		start := time.Now()
		if _, err := b.js.Publish(subject, data, nats.MsgId(evt.ID), nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish event %s: %w", evt.ID, err)
		}
		b.config.Metrics.RecordPublish(ctx, subject, time.Since(start), 1)
	}
	return nil
}

func (b *EventBus) Name() string { return "nats" }

// Consume publishes a committed batch.
func (b *EventBus) Consume(ctx context.Context, batch messaging.Batch) error {
	return b.Publish(ctx, batch.Events)
}

// Filter selects which events a subscription receives. Empty slices match
// everything.
type Filter struct {
	AggregateTypes []string
	EventTypes     []string

	// Durable names the JetStream consumer. Subscribers sharing a durable
	// name share the work and resume where the group left off.
	Durable string
}

func (f Filter) matches(evt *domain.Event) bool {
	return contains(f.AggregateTypes, evt.AggregateType) && contains(f.EventTypes, evt.EventType)
}

func contains(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// subject narrows the subscription when a single aggregate type is wanted.
func (f Filter) subject(prefix string) string {
	if len(f.AggregateTypes) == 1 {
		return prefix + "." + token(f.AggregateTypes[0]) + ".>"
	}
	return prefix + ".>"
}

// Handler processes one delivered event. Returning an error leaves the
// message unacknowledged so JetStream redelivers it.
type Handler func(ctx context.Context, evt *domain.Event) error

// Subscription is an active event subscription.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe drains pending messages and stops delivery.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Drain()
}

// Subscribe delivers matching events to handler.
func (b *EventBus) Subscribe(filter Filter, handler Handler) (*Subscription, error) {
	if filter.Durable == "" {
		return nil, fmt.Errorf("subscription needs a durable name")
	}

	subject := filter.subject(b.config.SubjectPrefix)
	sub, err := b.js.QueueSubscribe(subject, filter.Durable, func(msg *nats.Msg) {
		var evt domain.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error("dropping undecodable event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			msg.Term()
			return
		}

		if !filter.matches(&evt) {
			msg.Ack()
			return
		}

		if err := handler(context.Background(), &evt); err != nil {
			b.logger.Warn("event handler failed",
				slog.String("durable", filter.Durable),
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()))
			msg.Nak()
			return
		}
		msg.Ack()
	},
		nats.Durable(filter.Durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.AckWait(b.config.AckWait),
		nats.MaxDeliver(b.config.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	s := &Subscription{sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close drains subscriptions and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	b.nc.Close()
	return nil
}
