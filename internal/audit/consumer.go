package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/events"
)

// BindingKey matches every transfer event type.
const BindingKey = "transfer.#"

var consumedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vcard_audit_events_total",
	Help: "Transfer events consumed by the auditor, labeled by outcome",
}, []string{"result"})

// errPoison marks a message that can never be stored.
var errPoison = errors.New("unprocessable event")

type Inserter interface {
	Insert(ctx context.Context, ev events.TransferEvent) error
}

// Consumer reads the transfer feed into an Inserter. Messages are acked
// only after they are stored.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	store   Inserter
}

func NewConsumer(url, exchange, queue string, store Inserter) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(step string, err error) (*Consumer, error) {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to %s: %w", step, err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	q, err := channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := channel.QueueBind(q.Name, BindingKey, exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}

	log.WithFields(log.Fields{"exchange": exchange, "queue": q.Name}).Info("audit consumer initialized")
	return &Consumer{conn: conn, channel: channel, queue: q.Name, store: store}, nil
}

// Start consumes until ctx ends or the broker closes the channel.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.settle(msg, Handle(ctx, c.store, msg.Body))
		}
	}
}

func (c *Consumer) settle(msg amqp.Delivery, err error) {
	switch {
	case err == nil:
		consumedEvents.WithLabelValues("stored").Inc()
		msg.Ack(false)
	case errors.Is(err, errPoison):
		consumedEvents.WithLabelValues("dropped").Inc()
		log.WithField("message_id", msg.MessageId).WithError(err).Warn("dropping transfer event")
		msg.Nack(false, false)
	default:
		consumedEvents.WithLabelValues("requeued").Inc()
		log.WithField("message_id", msg.MessageId).WithError(err).Error("failed to store transfer event")
		msg.Nack(false, true)
	}
}

// Handle decodes and stores one message body.
func Handle(ctx context.Context, store Inserter, body []byte) error {
	var ev events.TransferEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	if err := validate(ev); err != nil {
		return err
	}
	return store.Insert(ctx, ev)
}

func validate(ev events.TransferEvent) error {
	switch {
	case ev.EventID == "":
		return fmt.Errorf("%w: event_id is required", errPoison)
	case ev.RequestID == "":
		return fmt.Errorf("%w: request_id is required", errPoison)
	case ev.Sender == "" || ev.Receiver == "":
		return fmt.Errorf("%w: both parties are required", errPoison)
	case !ev.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", errPoison)
	case ev.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", errPoison)
	}
	switch ev.EventType {
	case events.TypeSent, events.TypeRequested, events.TypeAccepted, events.TypeRejected:
		return nil
	}
	return fmt.Errorf("%w: unknown event type %q", errPoison, ev.EventType)
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			log.WithError(err).Warn("error closing channel")
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
