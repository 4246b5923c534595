// Package redisgateway implements mqjob.Gateway on Redis.
//
// Each queue is a sorted set of message ids scored by the unix millisecond at which
// the message becomes visible, plus a hash holding bodies, receipts and receive counts.
package redisgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/txix-open/mqjob"
)

const DefaultPrefix = "mqjob"

// claimScript picks the first visible id, hides it for the visibility timeout and
// stamps a new receipt. Returns {id, body, receive_count} or nil.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return nil
end
local id = ids[1]
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', KEYS[2], 'receipt:' .. id, ARGV[3])
local count = redis.call('HINCRBY', KEYS[2], 'count:' .. id, 1)
local body = redis.call('HGET', KEYS[2], 'body:' .. id)
return {id, body, count}
`)

// deleteScript removes a message only if the receipt still matches.
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt:' .. ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], 'body:' .. ARGV[1], 'receipt:' .. ARGV[1], 'count:' .. ARGV[1])
return 1
`)

type Gateway struct {
	rdb               redis.UniversalClient
	prefix            string
	visibilityTimeout time.Duration
}

type Option func(g *Gateway)

func WithPrefix(prefix string) Option {
	return func(g *Gateway) {
		g.prefix = prefix
	}
}

func WithVisibilityTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.visibilityTimeout = timeout
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Gateway {
	g := &Gateway{
		rdb:               rdb,
		prefix:            DefaultPrefix,
		visibilityTimeout: mqjob.DefaultVisibilityTimeout,
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
	id := uuid.NewString()
	visibleAt := time.Now().Add(delay).UnixMilli()
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, g.dataKey(queue), "body:"+id, body)
		pipe.ZAdd(ctx, g.queueKey(queue), redis.Z{Score: float64(visibleAt), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis send: %w", err)
	}
	return nil
}

func (g *Gateway) Receive(ctx context.Context, queue string) (mqjob.Message, error) {
	now := time.Now()
	receipt := uuid.NewString()
	res, err := claimScript.Run(
		ctx,
		g.rdb,
		[]string{g.queueKey(queue), g.dataKey(queue)},
		now.UnixMilli(),
		now.Add(g.visibilityTimeout).UnixMilli(),
		receipt,
	).Slice()
	if err == redis.Nil {
		return mqjob.Message{}, mqjob.ErrEmptyQueue
	}
	if err != nil {
		return mqjob.Message{}, fmt.Errorf("redis claim: %w", err)
	}
	if len(res) != 3 {
		return mqjob.Message{}, fmt.Errorf("redis claim: unexpected reply %v", res)
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	count, _ := res[2].(int64)
	return mqjob.Message{
		Id:           id,
		Queue:        queue,
		Body:         []byte(body),
		Receipt:      receipt,
		ReceiveCount: int(count),
	}, nil
}

func (g *Gateway) Delete(ctx context.Context, msg mqjob.Message) error {
	deleted, err := deleteScript.Run(
		ctx,
		g.rdb,
		[]string{g.queueKey(msg.Queue), g.dataKey(msg.Queue)},
		msg.Id,
		msg.Receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	if deleted == 0 {
		return mqjob.ErrMessageNotFound
	}
	return nil
}

func (g *Gateway) queueKey(queue string) string {
	return fmt.Sprintf("%s:%s", g.prefix, queue)
}

func (g *Gateway) dataKey(queue string) string {
	return fmt.Sprintf("%s:%s:data", g.prefix, queue)
}
