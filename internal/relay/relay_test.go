package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeyard/internal/config"
	"pipeyard/internal/db"
	"pipeyard/internal/domain"
	"pipeyard/internal/events"
	"pipeyard/internal/migrate"
	"pipeyard/internal/repo"
)

var quiet = log.New(io.Discard, "", 0)

type memStore struct {
	items []domain.NotificationIntent
}

func (s *memStore) add(typ, entityID string) {
	s.items = append(s.items, domain.NotificationIntent{
		ID:         int64(len(s.items) + 1),
		TS:         "2026-01-02T03:04:05Z",
		Type:       typ,
		EntityKind: "request",
		EntityID:   entityID,
		Payload:    `{"request_id":"` + entityID + `"}`,
	})
}

func (s *memStore) PendingNotifications(_ context.Context, afterID int64, maxAttempts, limit int) ([]domain.NotificationIntent, error) {
	var out []domain.NotificationIntent
	for _, n := range s.items {
		if n.DeliveredAt == nil && n.ID > afterID && (maxAttempts <= 0 || n.Attempts < maxAttempts) {
			out = append(out, n)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) MarkNotificationDelivered(_ context.Context, id int64, now string) error {
	s.items[id-1].DeliveredAt = &now
	s.items[id-1].Attempts++
	return nil
}

func (s *memStore) MarkNotificationFailed(_ context.Context, id int64, msg string) error {
	s.items[id-1].LastError = &msg
	s.items[id-1].Attempts++
	return nil
}

type recordingSink struct {
	got    []Message
	failOn map[int64]bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, msg Message) error {
	if s.failOn[msg.ID] {
		return errors.New("sink down")
	}
	s.got = append(s.got, msg)
	return nil
}

func TestOnceDeliversInOrderToEverySink(t *testing.T) {
	store := &memStore{}
	store.add("request.submitted", "r1")
	store.add("request.approved", "r1")
	a, b := &recordingSink{}, &recordingSink{}
	r := &Relay{Store: store, Sinks: []Sink{a, b}, Logger: quiet}

	n, err := r.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, s := range []*recordingSink{a, b} {
		require.Len(t, s.got, 2)
		assert.Equal(t, "request.submitted", s.got[0].Type)
		assert.Equal(t, "request.approved", s.got[1].Type)
		assert.JSONEq(t, `{"request_id":"r1"}`, string(s.got[0].Payload))
	}
	for _, item := range store.items {
		assert.NotNil(t, item.DeliveredAt)
	}

	n, err = r.Once(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailureHoldsBackLaterIntents(t *testing.T) {
	store := &memStore{}
	store.add("request.submitted", "r1")
	store.add("request.approved", "r1")
	sink := &recordingSink{failOn: map[int64]bool{1: true}}
	r := &Relay{Store: store, Sinks: []Sink{sink}, Logger: quiet, MaxAttempts: 3}

	n, err := r.Once(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.got)
	assert.Equal(t, 1, store.items[0].Attempts)
	require.NotNil(t, store.items[0].LastError)
	assert.Contains(t, *store.items[0].LastError, "sink down")

	sink.failOn = nil
	n, err = r.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1), sink.got[0].ID)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	store := &memStore{}
	store.add("request.submitted", "r1")
	store.add("request.approved", "r1")
	sink := &recordingSink{failOn: map[int64]bool{1: true}}
	r := &Relay{Store: store, Sinks: []Sink{sink}, Logger: quiet, MaxAttempts: 2}

	_, err := r.Once(context.Background())
	require.NoError(t, err)
	n, err := r.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "second intent goes out once the first is abandoned")
	assert.Equal(t, 2, store.items[0].Attempts)
	assert.Nil(t, store.items[0].DeliveredAt)

	n, err = r.Once(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayAgainstStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	w := events.Writer{}
	require.NoError(t, w.Enqueue(ctx, tx, "load.in_transit", "load", "l1", events.Payload{"load_id": "l1"}))
	require.NoError(t, w.Enqueue(ctx, tx, "load.completed", "load", "l1", events.Payload{"load_id": "l1"}))
	require.NoError(t, tx.Commit())

	r := repo.Repo{DB: conn}
	sink := &recordingSink{}
	relay := &Relay{Store: r, Sinks: []Sink{sink}, Logger: quiet, Now: func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }}
	n, err := relay.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.got, 2)
	assert.Equal(t, "load.in_transit", sink.got[0].Type)

	items, err := r.ListNotifications(ctx, "l1")
	require.NoError(t, err)
	for _, item := range items {
		require.NotNil(t, item.DeliveredAt)
		assert.Equal(t, "2026-03-01T00:00:00Z", *item.DeliveredAt)
	}
}

func TestWebhookSink(t *testing.T) {
	var gotType, gotDelivery, gotSecret string
	var body Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Yard-Notification")
		gotDelivery = r.Header.Get("X-Yard-Delivery")
		gotSecret = r.Header.Get("X-Yard-Secret")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Events: []string{"load.*"}})
	msg := Message{ID: 7, Type: "load.completed", EntityKind: "load", EntityID: "l1", Payload: json.RawMessage(`{}`)}
	require.NoError(t, sink.Deliver(context.Background(), msg))
	assert.Equal(t, "load.completed", gotType)
	assert.Equal(t, "7", gotDelivery)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "l1", body.EntityID)

	gotType = ""
	require.NoError(t, sink.Deliver(context.Background(), Message{ID: 8, Type: "request.approved"}))
	assert.Empty(t, gotType, "filtered types are not posted")
}

func TestWebhookSinkReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(config.WebhookConfig{URL: srv.URL}).Deliver(context.Background(), Message{ID: 1, Type: "request.approved"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysByEntity(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := NewKafkaSinkWithWriter(w)
	require.NoError(t, sink.Deliver(context.Background(), Message{ID: 3, Type: "request.approved", EntityID: "r9", Payload: json.RawMessage(`{"a":1}`)}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r9", string(w.msgs[0].Key))
	var got Message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, int64(3), got.ID)
	assert.Equal(t, "type", w.msgs[0].Headers[0].Key)

	r := &Relay{Sinks: []Sink{sink}}
	require.NoError(t, r.Close())
	assert.True(t, w.closed)
}

type fakeChannel struct {
	declared  string
	durable   bool
	published []amqp.Publishing
	keys      []string
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.declared = name
	c.durable = durable
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestRabbitSinkPublishesPersistent(t *testing.T) {
	ch := &fakeChannel{}
	sink, err := NewRabbitSink(ch, "yard.notifications")
	require.NoError(t, err)
	assert.Equal(t, "yard.notifications", ch.declared)
	assert.True(t, ch.durable)

	require.NoError(t, sink.Deliver(context.Background(), Message{ID: 11, Type: "load.completed", TS: "2026-01-02T03:04:05Z"}))
	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "yard.notifications", ch.keys[0])
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "11", pub.MessageId)
	assert.Equal(t, "load.completed", pub.Type)
	assert.Equal(t, 2026, pub.Timestamp.Year())
}

func TestSinksFromConfigSkipsDisabledWebhooks(t *testing.T) {
	off := false
	sinks, err := SinksFromConfig(config.NotificationsConfig{
		Webhooks: []config.WebhookConfig{{URL: "http://a.example"}, {URL: "http://b.example", Enabled: &off}},
		Kafka:    config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "yard"},
	})
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, "webhook http://a.example", sinks[0].Name())
	assert.Equal(t, "kafka yard", sinks[1].Name())
	require.NoError(t, closeSinks(sinks))
}
