package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Publisher sends reservation events to a broker.
type Publisher interface {
	Publish(ctx context.Context, ev ReservationEvent) error
	Close() error
}

// NopPublisher drops every event. It is used when EVENT_BROKER=none.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ReservationEvent) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

// RabbitPublisher publishes persistent JSON messages to a durable queue via
// the default exchange. It dials per call, so a broker restart never leaves
// it holding a dead connection.
type RabbitPublisher struct {
	URL   string
	Queue string
	Log   zerolog.Logger
}

// NewRabbitPublisher returns a publisher for queue at url.
func NewRabbitPublisher(url, queue string, log zerolog.Logger) *RabbitPublisher {
	if queue == "" {
		queue = DefaultTopic
	}
	return &RabbitPublisher{URL: url, Queue: queue, Log: log}
}

func (p *RabbitPublisher) Publish(ctx context.Context, ev ReservationEvent) error {
	conn, err := amqp.Dial(p.URL)
	if err != nil {
		p.Log.Warn().Err(err).Msg("rabbitmq: dial failed")
		return errors.Wrap(err, "rabbitmq dial")
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "rabbitmq channel")
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "rabbitmq declare %s", p.Queue)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	headers := amqp.Table{"type": ev.Type}
	otel.GetTextMapPropagator().Inject(ctx, amqpHeaderCarrier(headers))

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    ev.ReservationID + ":" + ev.Type,
		Headers:      headers,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.Queue, false, false, pub); err != nil {
		p.Log.Warn().Err(err).Str("type", ev.Type).Msg("rabbitmq: publish failed")
		return errors.Wrap(err, "rabbitmq publish")
	}
	return nil
}

func (p *RabbitPublisher) Close() error { return nil }

// KafkaPublisher writes events keyed by group id, so all rows of one
// reservation land on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// NewKafkaPublisher builds a synchronous writer for topic on brokers, a
// comma separated host:port list.
func NewKafkaPublisher(brokers, topic string, log zerolog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(splitBrokers(brokers)...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ReservationEvent) error {
	msg, err := kafkaMessage(ctx, ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn().Err(err).Str("type", ev.Type).Msg("kafka: publish failed")
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

func kafkaMessage(ctx context.Context, ev ReservationEvent) (kafka.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal event")
	}
	carrier := kafkaHeaderCarrier{{Key: "type", Value: []byte(ev.Type)}}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return kafka.Message{
		Key:     []byte(ev.GroupID),
		Value:   body,
		Headers: carrier,
		Time:    time.Now().UTC(),
	}, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// kafkaHeaderCarrier adapts message headers to propagation.TextMapCarrier.
type kafkaHeaderCarrier []kafka.Header

func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// amqpHeaderCarrier adapts an AMQP header table to propagation.TextMapCarrier.
type amqpHeaderCarrier amqp.Table

func (c amqpHeaderCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c amqpHeaderCarrier) Set(key, value string) { c[key] = value }

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
