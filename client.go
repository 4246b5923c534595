package mqjob

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Client struct {
	gateway  Gateway
	cfg      *Config
	codec    *Codec
	observer Observer
}

// NewClient builds a Client over gateway. A nil cfg means DefaultConfig.
func NewClient(gateway Gateway, cfg *Config, opts ...ClientOption) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		gateway:  gateway,
		cfg:      cfg,
		codec:    NewCodec(),
		observer: NewNoopObserver(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Codec() *Codec {
	return c.codec
}

// NewJob builds a record that is not backed by any message yet.
func (c *Client) NewJob(attrs Attributes) (*Job, error) {
	return newJob(c, attrs, nil)
}

// JobFromMessage rebuilds a record from a received message. The message is kept
// so that Save, Destroy and Fail can delete it.
func (c *Client) JobFromMessage(msg Message) (*Job, error) {
	data := Attributes{}
	err := json.Unmarshal(msg.Body, &data)
	if err != nil {
		return nil, &DeserializationError{Handler: string(msg.Body), Err: err}
	}
	if data == nil {
		return nil, &DeserializationError{Handler: string(msg.Body), Err: ErrBodyNotObject}
	}
	job, err := newJob(c, data, &msg)
	var dErr *DeserializationError
	if err != nil && !errors.As(err, &dErr) {
		return nil, &DeserializationError{Handler: string(msg.Body), Err: err}
	}
	return job, err
}

// Enqueue builds a record around payload and saves it.
func (c *Client) Enqueue(ctx context.Context, payload any, attrs Attributes) (*Job, error) {
	job, err := c.NewJob(attrs)
	if err != nil {
		return nil, err
	}
	err = job.SetPayloadObject(payload)
	if err != nil {
		return nil, err
	}
	err = job.Save(ctx)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Reserve receives the next message from queue and rebuilds its record.
// A message that cannot be decoded is deleted, reported to the observer, and its
// error is returned.
func (c *Client) Reserve(ctx context.Context, queue string) (*Job, error) {
	msg, err := c.gateway.Receive(ctx, queue)
	if errors.Is(err, ErrEmptyQueue) {
		return nil, ErrEmptyQueue
	}
	if err != nil {
		return nil, &QueueError{Op: "receive", Queue: queue, Err: err}
	}
	if msg.Queue == "" {
		msg.Queue = queue
	}

	job, err := c.JobFromMessage(msg)
	var dErr *DeserializationError
	if errors.As(err, &dErr) {
		c.observer.MessageDiscarded(ctx, msg, err)
		delErr := c.delete(ctx, msg)
		if delErr != nil {
			return nil, errors.Join(err, delErr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (c *Client) send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	err := c.gateway.Send(ctx, queue, body, delay)
	if err != nil {
		return &QueueError{Op: "send", Queue: queue, Err: err}
	}
	return nil
}

func (c *Client) delete(ctx context.Context, msg Message) error {
	err := c.gateway.Delete(ctx, msg)
	if err != nil {
		return &QueueError{Op: "delete", Queue: msg.Queue, Err: err}
	}
	return nil
}

func (c *Client) now() time.Time {
	return c.cfg.now()
}
