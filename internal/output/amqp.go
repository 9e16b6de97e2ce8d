package output

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rendis/control/pkg/schema"
)

// DefaultExchange is the topic exchange results are published to.
const DefaultExchange = "control.results"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type closer interface {
	Close() error
}

// AMQPSink publishes every result to a topic exchange with the routing key
// "task.<status>".
type AMQPSink struct {
	ch       amqpChannel
	conn     closer
	exchange string
	logger   *slog.Logger
}

// NewAMQPSink dials the broker at rawURL and declares the exchange.
func NewAMQPSink(rawURL, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	logger.Info("connected to amqp broker", "exchange", exchange)
	return &AMQPSink{ch: ch, conn: conn, exchange: exchange, logger: logger}, nil
}

// RoutingKey returns the routing key results with status are published under.
func RoutingKey(status string) string {
	return "task." + status
}

// Write implements Sink.
func (s *AMQPSink) Write(ctx context.Context, r Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "marshal result").WithCause(err)
	}
	key := RoutingKey(r.Status)
	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.New().String(),
		CorrelationId: r.TaskID,
		Timestamp:     time.Now(),
		Type:          key,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", s.exchange, key, err)
	}
	s.logger.Debug("published task result", "exchange", s.exchange, "routing_key", key, "task_id", r.TaskID)
	return nil
}

// Close implements Sink.
func (s *AMQPSink) Close() error {
	chErr := s.ch.Close()
	var connErr error
	if s.conn != nil {
		connErr = s.conn.Close()
	}
	if chErr != nil {
		return chErr
	}
	return connErr
}
