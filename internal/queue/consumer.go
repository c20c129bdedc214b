package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Consumer reads reservation events from RabbitMQ and appends one line per
// event to <Dir>/reservations.log.
type Consumer struct {
	URL   string
	Queue string
	Dir   string
	Log   zerolog.Logger
}

// NewConsumer returns a consumer writing under dir (default "logs").
func NewConsumer(url, queue, dir string, log zerolog.Logger) *Consumer {
	if queue == "" {
		queue = DefaultTopic
	}
	if dir == "" {
		dir = "logs"
	}
	return &Consumer{URL: url, Queue: queue, Dir: dir, Log: log}
}

// Run keeps a consumer attached to the queue, reconnecting with a capped
// exponential backoff, until ctx is cancelled. Messages that cannot be
// handled are rejected without requeue so a poison message cannot spin.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			c.Log.Warn().Err(err).Dur("backoff", backoff).Msg("reservation-consumer: dial failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.Log.Warn().Err(err).Msg("reservation-consumer: consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "channel open")
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Log.Warn().Err(err).Msg("reservation-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "queue declare")
	}
	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "queue consume")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(d.Body); err != nil {
				c.Log.Error().Err(err).Msg("reservation-consumer: handle message failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle decodes one message body and appends it to the log file.
func (c *Consumer) Handle(body []byte) error {
	var ev ReservationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return errors.Wrap(err, "unmarshal")
	}
	if ev.Type == "" || ev.ReservationID == "" {
		return errors.New("event without type or reservation id")
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir logs")
	}
	f, err := os.OpenFile(filepath.Join(c.Dir, "reservations.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return errors.Wrap(err, "write log")
	}
	return nil
}

// FormatLine renders ev as a single human friendly log line.
func FormatLine(ev ReservationEvent) string {
	line := fmt.Sprintf("[%s] %s | reservation_id=%s | group_id=%s | product_id=%d | customer_id=%d | quantity=%d | status=%s",
		ev.OccurredAt, ev.Type, ev.ReservationID, ev.GroupID, ev.ProductID, ev.CustomerID, ev.Quantity, ev.Status)
	if ev.OrderID != "" {
		line += fmt.Sprintf(" | order_id=%q", ev.OrderID)
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" | reason=%q", ev.Reason)
	}
	return line + "\n"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
