// Package relay delivers queued notification intents to external sinks.
// Delivery is at-least-once: an intent that fails on any sink is retried on
// every sink until it succeeds or runs out of attempts.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"pipeyard/internal/config"
	"pipeyard/internal/domain"
)

const (
	defaultInterval    = 2 * time.Second
	defaultBatchSize   = 100
	defaultMaxAttempts = 5
)

// Message is the wire form of one intent.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func newMessage(n domain.NotificationIntent) Message {
	payload := json.RawMessage("{}")
	if n.Payload != "" && json.Valid([]byte(n.Payload)) {
		payload = json.RawMessage(n.Payload)
	}
	return Message{
		ID:         n.ID,
		Type:       n.Type,
		EntityKind: n.EntityKind,
		EntityID:   n.EntityID,
		TS:         n.TS,
		Payload:    payload,
	}
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// Store is the queue side of the repository.
type Store interface {
	PendingNotifications(ctx context.Context, afterID int64, maxAttempts, limit int) ([]domain.NotificationIntent, error)
	MarkNotificationDelivered(ctx context.Context, id int64, now string) error
	MarkNotificationFailed(ctx context.Context, id int64, msg string) error
}

type Relay struct {
	Store       Store
	Sinks       []Sink
	Logger      *log.Logger
	MaxAttempts int
	BatchSize   int
	Interval    time.Duration
	Now         func() time.Time
}

// New builds a relay with its sinks taken from the notifications config.
func New(store Store, cfg config.NotificationsConfig, logger *log.Logger) (*Relay, error) {
	sinks, err := SinksFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Relay{
		Store:       store,
		Sinks:       sinks,
		Logger:      logger,
		MaxAttempts: cfg.MaxAttempts,
		BatchSize:   cfg.BatchSize,
		Interval:    cfg.PollInterval(),
	}, nil
}

// SinksFromConfig opens every configured sink. Disabled webhooks are skipped.
func SinksFromConfig(cfg config.NotificationsConfig) ([]Sink, error) {
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.RabbitMQ.URL != "" {
		rs, err := DialRabbitSink(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		sinks = append(sinks, rs)
	}
	return sinks, nil
}

func (r *Relay) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Relay) now() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (r *Relay) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return defaultMaxAttempts
}

func (r *Relay) batchSize() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return defaultBatchSize
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Once(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger().Printf("relay: poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Once delivers one batch in queue order. It stops at the first intent that
// fails so later intents are not delivered ahead of it.
func (r *Relay) Once(ctx context.Context) (int, error) {
	pending, err := r.Store.PendingNotifications(ctx, 0, r.maxAttempts(), r.batchSize())
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		msg := newMessage(n)
		if err := r.deliver(ctx, msg); err != nil {
			r.logger().Printf("relay: deliver failed id=%d type=%s attempt=%d: %v", n.ID, n.Type, n.Attempts+1, err)
			if markErr := r.Store.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
				return delivered, markErr
			}
			if n.Attempts+1 >= r.maxAttempts() {
				r.logger().Printf("relay: giving up id=%d type=%s", n.ID, n.Type)
				continue
			}
			return delivered, nil
		}
		if err := r.Store.MarkNotificationDelivered(ctx, n.ID, r.now()); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range r.Sinks {
		if err := s.Deliver(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases sinks that hold connections.
func (r *Relay) Close() error {
	return closeSinks(r.Sinks)
}

func closeSinks(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
