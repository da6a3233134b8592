package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const amqpDialTimeout = 3 * time.Second

// AMQPQueue publishes persistent messages to a durable queue through the
// default exchange. The connection is made on first use and remade after it
// drops.
type AMQPQueue struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPQueue(url, queue string) *AMQPQueue {
	return &AMQPQueue{
		url:   url,
		queue: queue,
	}
}

func (q *AMQPQueue) channel() (*amqp.Channel, error) {
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	q.closeLocked()

	conn, err := amqp.DialConfig(q.url, amqp.Config{
		Dial: amqp.DefaultDial(amqpDialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		q.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %q: %w", q.queue, err)
	}

	log.Infof("Connected to AMQP broker, queue %q", q.queue)
	q.conn, q.ch = conn, ch
	return ch, nil
}

func (q *AMQPQueue) Push(ctx context.Context, msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, err := q.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		"",      // exchange
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		// Start over with a fresh connection next time.
		q.closeLocked()
	}
	return err
}

func (q *AMQPQueue) closeLocked() {
	if q.conn != nil {
		q.conn.Close()
	}
	q.conn, q.ch = nil, nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
	return nil
}
