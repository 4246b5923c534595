// Package nsqgateway implements mqjob.Gateway on NSQ.
//
// Queues map to topics. Receiving starts a consumer for the topic on first use;
// delivered messages wait in a buffer until Receive takes them. Delete finishes the
// in-flight message; one that is never finished is requeued by nsqd after its timeout.
package nsqgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/txix-open/mqjob"
)

const DefaultChannel = "mqjob"

// MaxDelay matches nsqd's default --max-req-timeout. Longer delays are clamped;
// the worker re-sends jobs whose run_at has not been reached yet.
const MaxDelay = time.Hour

type Gateway struct {
	producer    *nsq.Producer
	cfg         *nsq.Config
	lookupd     []string
	nsqd        []string
	channel     string
	pollTimeout time.Duration
	maxDelay    time.Duration

	lock      sync.Mutex
	consumers map[string]*consumer
	inFlight  map[string]*nsq.Message
}

type consumer struct {
	c        *nsq.Consumer
	messages chan *nsq.Message
}

type Option func(g *Gateway)

func WithLookupd(addrs ...string) Option {
	return func(g *Gateway) {
		g.lookupd = addrs
	}
}

// WithNsqd makes consumers connect straight to nsqd instead of going through lookupd.
func WithNsqd(addrs ...string) Option {
	return func(g *Gateway) {
		g.nsqd = addrs
	}
}

func WithChannel(channel string) Option {
	return func(g *Gateway) {
		g.channel = channel
	}
}

// WithPollTimeout sets how long Receive waits for a delivery before reporting an empty queue.
func WithPollTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.pollTimeout = timeout
	}
}

// WithMaxDelay sets the longest deferred publish, for nsqd started with a different --max-req-timeout.
func WithMaxDelay(delay time.Duration) Option {
	return func(g *Gateway) {
		g.maxDelay = delay
	}
}

func New(nsqdAddr string, cfg *nsq.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = nsq.NewConfig()
	}
	producer, err := nsq.NewProducer(nsqdAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	g := &Gateway{
		producer:    producer,
		cfg:         cfg,
		nsqd:        []string{nsqdAddr},
		channel:     DefaultChannel,
		pollTimeout: 100 * time.Millisecond,
		maxDelay:    MaxDelay,
		consumers:   make(map[string]*consumer),
		inFlight:    make(map[string]*nsq.Message),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if queue == "" {
		return mqjob.ErrQueueIsRequired
	}
	delay = g.clampDelay(delay)
	if delay > 0 {
		return g.producer.DeferredPublish(queue, delay, body)
	}
	return g.producer.Publish(queue, body)
}

func (g *Gateway) Receive(ctx context.Context, queue string) (mqjob.Message, error) {
	c, err := g.consumer(queue)
	if err != nil {
		return mqjob.Message{}, err
	}

	timer := time.NewTimer(g.pollTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return mqjob.Message{}, ctx.Err()
	case <-timer.C:
		return mqjob.Message{}, mqjob.ErrEmptyQueue
	case m := <-c.messages:
		id := string(m.ID[:])
		g.lock.Lock()
		g.inFlight[id] = m
		g.lock.Unlock()
		return mqjob.Message{
			Id:           id,
			Queue:        queue,
			Body:         m.Body,
			Receipt:      id,
			ReceiveCount: int(m.Attempts),
		}, nil
	}
}

func (g *Gateway) Delete(ctx context.Context, msg mqjob.Message) error {
	g.lock.Lock()
	m, ok := g.inFlight[msg.Receipt]
	delete(g.inFlight, msg.Receipt)
	g.lock.Unlock()
	if !ok {
		return mqjob.ErrMessageNotFound
	}
	m.Finish()
	return nil
}

func (g *Gateway) clampDelay(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	if g.maxDelay > 0 && delay > g.maxDelay {
		return g.maxDelay
	}
	return delay
}

func (g *Gateway) Stop() {
	g.lock.Lock()
	consumers := g.consumers
	g.consumers = make(map[string]*consumer)
	g.lock.Unlock()

	for _, c := range consumers {
		c.c.Stop()
		<-c.c.StopChan
	}
	g.producer.Stop()
}

func (g *Gateway) consumer(queue string) (*consumer, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if c, ok := g.consumers[queue]; ok {
		return c, nil
	}

	nc, err := nsq.NewConsumer(queue, g.channel, g.cfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", queue, err)
	}
	c := &consumer{
		c:        nc,
		messages: make(chan *nsq.Message, g.cfg.MaxInFlight),
	}
	nc.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()
		c.messages <- m
		return nil
	}))

	if len(g.lookupd) > 0 {
		err = nc.ConnectToNSQLookupds(g.lookupd)
	} else {
		err = nc.ConnectToNSQDs(g.nsqd)
	}
	if err != nil {
		nc.Stop()
		return nil, fmt.Errorf("nsq connect %s: %w", queue, err)
	}
	g.consumers[queue] = c
	return c, nil
}
