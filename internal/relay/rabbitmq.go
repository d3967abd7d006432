package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel the sink needs.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitSink publishes persistent messages to a durable queue through the
// default exchange.
type RabbitSink struct {
	Channel AMQPChannel
	Queue   string
	conn    *amqp.Connection
}

func DialRabbitSink(url, queue string) (*RabbitSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	s, err := NewRabbitSink(ch, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// NewRabbitSink declares the queue on an open channel.
func NewRabbitSink(ch AMQPChannel, queue string) (*RabbitSink, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &RabbitSink{Channel: ch, Queue: queue}, nil
}

func (s *RabbitSink) Name() string { return "rabbitmq " + s.Queue }

func (s *RabbitSink) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ts, _ := time.Parse(time.RFC3339, msg.TS)
	return s.Channel.PublishWithContext(ctx, "", s.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(msg.ID, 10),
		Type:         msg.Type,
		Timestamp:    ts,
		Body:         body,
	})
}

func (s *RabbitSink) Close() error {
	err := s.Channel.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}
