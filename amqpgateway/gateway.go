// Package amqpgateway implements mqjob.Gateway on RabbitMQ.
//
// Delayed messages are published to a per-delay holding queue whose TTL dead-letters
// them into the target queue. Receive uses basic.get without auto-ack, so an
// unacknowledged message returns to the queue when the channel closes. Delivery tags
// are only valid on the channel that issued them: Delete refuses tags it did not
// hand out, and a channel closed by the broker is reopened on next use.
package amqpgateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/txix-open/mqjob"
)

// holding queues outlive their TTL by this much before the broker drops them
const holdingQueueGrace = time.Minute

type Gateway struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	lock      sync.Mutex
	declared  map[string]bool
	delivered map[uint64]bool
}

func Dial(url string) (*Gateway, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &Gateway{
		conn:      conn,
		channel:   ch,
		declared:  make(map[string]bool),
		delivered: make(map[uint64]bool),
	}, nil
}

func (g *Gateway) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if queue == "" {
		return mqjob.ErrQueueIsRequired
	}
	g.lock.Lock()
	defer g.lock.Unlock()

	err := g.ensureChannel()
	if err != nil {
		return err
	}
	err = g.declare(queue)
	if err != nil {
		return err
	}
	routingKey := queue
	if delay >= time.Millisecond {
		routingKey, err = g.declareHolding(queue, delay)
		if err != nil {
			return err
		}
	}

	return g.channel.PublishWithContext(
		ctx,
		"",
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (g *Gateway) Receive(ctx context.Context, queue string) (mqjob.Message, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	err := g.ensureChannel()
	if err != nil {
		return mqjob.Message{}, err
	}
	err = g.declare(queue)
	if err != nil {
		return mqjob.Message{}, err
	}
	d, ok, err := g.channel.Get(queue, false)
	if err != nil {
		return mqjob.Message{}, fmt.Errorf("amqp get: %w", err)
	}
	if !ok {
		return mqjob.Message{}, mqjob.ErrEmptyQueue
	}

	g.delivered[d.DeliveryTag] = true
	receiveCount := 1
	if d.Redelivered {
		receiveCount = 2
	}
	return mqjob.Message{
		Id:           d.MessageId,
		Queue:        queue,
		Body:         d.Body,
		Receipt:      strconv.FormatUint(d.DeliveryTag, 10),
		ReceiveCount: receiveCount,
	}, nil
}

func (g *Gateway) Delete(ctx context.Context, msg mqjob.Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad delivery tag %q", mqjob.ErrMessageNotFound, msg.Receipt)
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if !g.delivered[tag] {
		return fmt.Errorf("%w: unknown delivery tag %d", mqjob.ErrMessageNotFound, tag)
	}
	delete(g.delivered, tag)
	return g.channel.Ack(tag, false)
}

// ensureChannel reopens the channel after the broker closed it. Tags and declarations
// of the old channel are forgotten.
func (g *Gateway) ensureChannel() error {
	if !g.channel.IsClosed() {
		return nil
	}
	ch, err := g.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp reopen channel: %w", err)
	}
	g.channel = ch
	g.declared = make(map[string]bool)
	g.delivered = make(map[uint64]bool)
	return nil
}

func (g *Gateway) Close() error {
	if err := g.channel.Close(); err != nil {
		_ = g.conn.Close()
		return err
	}
	return g.conn.Close()
}

func (g *Gateway) declare(queue string) error {
	if g.declared[queue] {
		return nil
	}
	_, err := g.channel.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp declare %s: %w", queue, err)
	}
	g.declared[queue] = true
	return nil
}

func (g *Gateway) declareHolding(queue string, delay time.Duration) (string, error) {
	ttl := delay.Milliseconds()
	name := fmt.Sprintf("%s.delay.%d", queue, ttl)
	// redeclared on every send: publishing does not count as use for x-expires
	_, err := g.channel.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             ttl,
			"x-expires":                 ttl + holdingQueueGrace.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		},
	)
	if err != nil {
		return "", fmt.Errorf("amqp declare %s: %w", name, err)
	}
	return name, nil
}
