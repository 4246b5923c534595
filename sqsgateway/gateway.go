// Package sqsgateway implements mqjob.Gateway on Amazon SQS.
package sqsgateway

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/txix-open/mqjob"
)

// MaxDelay is the longest delivery delay SQS accepts. Longer delays are clamped;
// the worker re-sends jobs whose run_at has not been reached yet.
const MaxDelay = 15 * time.Minute

const attrReceiveCount = "ApproximateReceiveCount"

// API is the subset of *sqs.Client used by the gateway.
type API interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Gateway struct {
	api               API
	waitTime          time.Duration
	visibilityTimeout time.Duration

	lock sync.RWMutex
	urls map[string]string
}

type Option func(g *Gateway)

// WithWaitTime enables long polling on receive (at most 20s).
func WithWaitTime(wait time.Duration) Option {
	return func(g *Gateway) {
		g.waitTime = wait
	}
}

// WithVisibilityTimeout overrides the queue's default visibility timeout on receive.
func WithVisibilityTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.visibilityTimeout = timeout
	}
}

func New(api API, opts ...Option) *Gateway {
	g := &Gateway{
		api:  api,
		urls: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	url, err := g.queueUrl(ctx, queue)
	if err != nil {
		return err
	}
	_, err = g.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(delay),
	})
	return err
}

func (g *Gateway) Receive(ctx context.Context, queue string) (mqjob.Message, error) {
	url, err := g.queueUrl(ctx, queue)
	if err != nil {
		return mqjob.Message{}, err
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             int32(g.waitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if g.visibilityTimeout > 0 {
		input.VisibilityTimeout = int32(g.visibilityTimeout / time.Second)
	}
	out, err := g.api.ReceiveMessage(ctx, input)
	if err != nil {
		return mqjob.Message{}, err
	}
	if len(out.Messages) == 0 {
		return mqjob.Message{}, mqjob.ErrEmptyQueue
	}

	m := out.Messages[0]
	receiveCount, _ := strconv.Atoi(m.Attributes[attrReceiveCount])
	return mqjob.Message{
		Id:           aws.ToString(m.MessageId),
		Queue:        queue,
		Body:         []byte(aws.ToString(m.Body)),
		Receipt:      aws.ToString(m.ReceiptHandle),
		ReceiveCount: receiveCount,
	}, nil
}

func (g *Gateway) Delete(ctx context.Context, msg mqjob.Message) error {
	url, err := g.queueUrl(ctx, msg.Queue)
	if err != nil {
		return err
	}
	_, err = g.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return errors.Join(mqjob.ErrMessageNotFound, err)
	}
	return err
}

func (g *Gateway) queueUrl(ctx context.Context, queue string) (string, error) {
	if queue == "" {
		return "", mqjob.ErrQueueIsRequired
	}
	g.lock.RLock()
	url, ok := g.urls[queue]
	g.lock.RUnlock()
	if ok {
		return url, nil
	}

	out, err := g.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queue),
	})
	if err != nil {
		return "", err
	}
	url = aws.ToString(out.QueueUrl)

	g.lock.Lock()
	g.urls[queue] = url
	g.lock.Unlock()
	return url, nil
}

func delaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return int32(math.Ceil(delay.Seconds()))
}
