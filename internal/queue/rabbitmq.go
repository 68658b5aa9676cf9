package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AttemptHeader carries the delivery number across republishes
const AttemptHeader = "x-attempt"

// RabbitMQ publishes page messages to a durable queue whose rejected
// messages are dead-lettered to "<queue>.dlq".
type RabbitMQ struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pubMu    sync.Mutex
	queue    string
	prefetch int
}

// NewRabbitMQ dials the broker and declares the queue topology
func NewRabbitMQ(url, queueName string, prefetch int) (*RabbitMQ, error) {
	if prefetch < 1 {
		prefetch = 10
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}

	if err := declareTopology(ch, queueName); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	log.Info().Str("queue", queueName).Msg("Connected to RabbitMQ")
	return &RabbitMQ{conn: conn, pubCh: ch, queue: queueName, prefetch: prefetch}, nil
}

// DeadLetterQueue names the queue rejected messages are routed to
func DeadLetterQueue(queueName string) string {
	return queueName + ".dlq"
}

func declareTopology(ch *amqp.Channel, queueName string) error {
	dlq := DeadLetterQueue(queueName)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq dead-letter queue declare failed: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}
	return nil
}

func (r *RabbitMQ) publish(ctx context.Context, msg Message, attempt int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	return r.pubCh.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.PageID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
		Body:         body,
	})
}

// Publish sends a batch of messages
func (r *RabbitMQ) Publish(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		if err := r.publish(ctx, m, 1); err != nil {
			return fmt.Errorf("rabbitmq publish failed page_id=%s: %w", m.PageID, err)
		}
	}
	return nil
}

// Consume runs a consume session until ctx is cancelled. Failed messages
// are republished with an incremented attempt header until MaxReceives,
// then rejected so the broker dead-letters them.
func (r *RabbitMQ) Consume(ctx context.Context, handler Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos failed: %w", err)
	}

	tag := fmt.Sprintf("pagegen-%d", time.Now().UnixNano())
	deliveries, err := ch.Consume(r.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}

	log.Info().Str("queue", r.queue).Str("consumer_tag", tag).Msg("Consuming page messages")
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				log.Warn().Err(err).Msg("RabbitMQ consumer cancel failed")
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq deliveries channel closed unexpectedly")
			}
			r.handleDelivery(ctx, handler, d)
		}
	}
}

func (r *RabbitMQ) handleDelivery(ctx context.Context, handler Handler, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("Dropping undecodable page message")
		_ = d.Nack(false, false)
		return
	}

	attempt := AttemptFromHeaders(d.Headers)
	herr := handler(ctx, msg, attempt)
	if herr == nil {
		if err := d.Ack(false); err != nil {
			log.Warn().Err(err).Str("page_id", msg.PageID).Msg("RabbitMQ ack failed")
		}
		return
	}

	if attempt < MaxReceives {
		if err := r.publish(ctx, msg, attempt+1); err != nil {
			log.Error().Err(err).Str("page_id", msg.PageID).Msg("Failed to republish page message, requeueing")
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	log.Error().
		Err(herr).
		Str("page_id", msg.PageID).
		Int("attempt", attempt).
		Msg("Page message exhausted deliveries, dead-lettering")
	_ = d.Nack(false, false)
}

// AttemptFromHeaders reads the attempt header, defaulting to 1
func AttemptFromHeaders(h amqp.Table) int {
	switch v := h[AttemptHeader].(type) {
	case int:
		return max(v, 1)
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int16:
		return max(int(v), 1)
	case int8:
		return max(int(v), 1)
	}
	return 1
}

// Close closes the channel and connection
func (r *RabbitMQ) Close() error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if err := r.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		log.Warn().Err(err).Msg("RabbitMQ channel close failed")
	}
	return r.conn.Close()
}
