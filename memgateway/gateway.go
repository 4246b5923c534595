// Package memgateway is an in-process mqjob.Gateway with delayed delivery and
// visibility timeouts. Messages do not survive the process.
package memgateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/txix-open/mqjob"
)

type entry struct {
	id           string
	body         []byte
	visibleAt    time.Time
	sentAt       time.Time
	receipt      string
	receiveCount int
}

type Gateway struct {
	lock              sync.Mutex
	queues            map[string][]*entry
	visibilityTimeout time.Duration
	now               func() time.Time
}

type Option func(g *Gateway)

func WithVisibilityTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.visibilityTimeout = timeout
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

func New(opts ...Option) *Gateway {
	g := &Gateway{
		queues:            make(map[string][]*entry),
		visibilityTimeout: mqjob.DefaultVisibilityTimeout,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if queue == "" {
		return mqjob.ErrQueueIsRequired
	}
	g.lock.Lock()
	defer g.lock.Unlock()

	now := g.now()
	g.queues[queue] = append(g.queues[queue], &entry{
		id:        uuid.NewString(),
		body:      append([]byte(nil), body...),
		visibleAt: now.Add(delay),
		sentAt:    now,
	})
	return nil
}

func (g *Gateway) Receive(ctx context.Context, queue string) (mqjob.Message, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	now := g.now()
	var next *entry
	for _, e := range g.queues[queue] {
		if e.visibleAt.After(now) {
			continue
		}
		if next == nil || e.visibleAt.Before(next.visibleAt) {
			next = e
		}
	}
	if next == nil {
		return mqjob.Message{}, mqjob.ErrEmptyQueue
	}

	next.receipt = uuid.NewString()
	next.receiveCount++
	next.visibleAt = now.Add(g.visibilityTimeout)
	return mqjob.Message{
		Id:           next.id,
		Queue:        queue,
		Body:         append([]byte(nil), next.body...),
		Receipt:      next.receipt,
		ReceiveCount: next.receiveCount,
	}, nil
}

func (g *Gateway) Delete(ctx context.Context, msg mqjob.Message) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	entries := g.queues[msg.Queue]
	for i, e := range entries {
		if e.id == msg.Id && e.receipt == msg.Receipt {
			g.queues[msg.Queue] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return mqjob.ErrMessageNotFound
}

// Bodies returns the bodies held for queue, visible or not, oldest first.
func (g *Gateway) Bodies(queue string) [][]byte {
	g.lock.Lock()
	defer g.lock.Unlock()

	entries := append([]*entry(nil), g.queues[queue]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].sentAt.Before(entries[j].sentAt)
	})
	bodies := make([][]byte, 0, len(entries))
	for _, e := range entries {
		bodies = append(bodies, append([]byte(nil), e.body...))
	}
	return bodies
}

func (g *Gateway) Len(queue string) int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.queues[queue])
}
