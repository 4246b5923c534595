package mqjob

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Job is a single job record. It is either built by the application to be enqueued
// or rebuilt from a received message. A Job is owned by one goroutine at a time.
type Job struct {
	Priority  int
	Attempts  int
	RunAt     time.Time
	LockedAt  time.Time
	LockedBy  string
	FailedAt  time.Time
	LastError string
	Queue     string

	Delay     time.Duration
	Timeout   time.Duration
	ExpiresIn time.Duration

	// Extra holds attributes outside the known schema. They are sent back on Save.
	Extra map[string]any

	handler string
	payload any
	decoded bool

	msg *Message
	cli *Client
}

func newJob(cli *Client, data Attributes, msg *Message) (*Job, error) {
	data = normalizeAttributes(data)
	j := &Job{
		cli: cli,
		msg: msg,
	}
	err := j.assign(data)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// assign replaces the attribute set with data. Keys must already be normalized.
func (j *Job) assign(data Attributes) error {
	payload, hasPayload := data[keyPayloadObject]
	if !hasPayload || payload == nil {
		payload, hasPayload = data[keyHandler]
	}
	rest := make(Attributes, len(data))
	for k, v := range data {
		if k == keyPayloadObject || k == keyHandler {
			continue
		}
		rest[k] = v
	}

	f, extra, err := decodeFields(rest)
	if err != nil {
		return err
	}

	cfg := j.cli.cfg
	j.Priority = f.Priority
	j.Attempts = f.Attempts
	j.RunAt = f.RunAt
	j.LockedAt = f.LockedAt
	j.LockedBy = f.LockedBy
	j.FailedAt = f.FailedAt
	j.LastError = f.LastError
	j.Queue = f.Queue
	if j.Queue == "" {
		j.Queue = cfg.DefaultQueue
	}
	j.Delay = durationOr(f.Delay, cfg.Delay)
	j.Timeout = durationOr(f.Timeout, cfg.Timeout)
	j.ExpiresIn = durationOr(f.ExpiresIn, cfg.ExpiresIn)
	j.Extra = extra

	if hasPayload && payload != nil {
		return j.SetPayloadObject(payload)
	}
	return nil
}

func durationOr(value *time.Duration, def time.Duration) time.Duration {
	if value == nil {
		return def
	}
	return *value
}

// Handler returns the encoded payload.
func (j *Job) Handler() string {
	return j.handler
}

// SetHandler replaces the encoded payload and drops the decoded cache.
func (j *Job) SetHandler(handler string) {
	if handler == j.handler {
		return
	}
	j.handler = handler
	j.payload = nil
	j.decoded = false
}

// PayloadObject decodes the handler on first use and caches the result.
func (j *Job) PayloadObject() (any, error) {
	if j.decoded {
		return j.payload, nil
	}
	payload, err := j.cli.codec.Decode(j.handler)
	if err != nil {
		return nil, err
	}
	j.payload = payload
	j.decoded = true
	return payload, nil
}

// SetPayloadObject sets the payload. A string is taken as already encoded handler text
// and decoded right away; any other value is encoded.
func (j *Job) SetPayloadObject(v any) error {
	if v == nil {
		j.handler = ""
		j.payload = nil
		j.decoded = false
		return nil
	}

	if handler, ok := v.(string); ok {
		if handler == "" {
			j.SetHandler("")
			return nil
		}
		if handler == j.handler && j.decoded {
			return nil
		}
		payload, err := j.cli.codec.Decode(handler)
		if err != nil {
			return err
		}
		j.handler = handler
		j.payload = payload
		j.decoded = true
		return nil
	}

	handler, err := j.cli.codec.Encode(v)
	if err != nil {
		return err
	}
	j.handler = handler
	j.payload = v
	j.decoded = true
	return nil
}

// PayloadType returns the registered codec name of the payload, or "" if it has none.
func (j *Job) PayloadType() string {
	payload, err := j.PayloadObject()
	if err != nil {
		return ""
	}
	name, _ := j.cli.codec.Name(payload)
	return name
}

// Message returns the received message this record was built from.
func (j *Job) Message() (Message, bool) {
	if j.msg == nil {
		return Message{}, false
	}
	return *j.msg, true
}

// Attributes returns the full attribute set, handler included.
func (j *Job) Attributes() Attributes {
	attrs := make(Attributes, len(j.Extra)+12)
	for k, v := range j.Extra {
		attrs[k] = v
	}
	attrs[keyHandler] = j.handler
	attrs[keyPriority] = j.Priority
	attrs[keyAttempts] = j.Attempts
	attrs[keyQueue] = j.Queue
	attrs[keyDelay] = j.Delay.Seconds()
	attrs[keyTimeout] = j.Timeout.Seconds()
	attrs[keyExpiresIn] = j.ExpiresIn.Seconds()
	putTime(attrs, keyRunAt, j.RunAt)
	putTime(attrs, keyLockedAt, j.LockedAt)
	putTime(attrs, keyFailedAt, j.FailedAt)
	putString(attrs, keyLockedBy, j.LockedBy)
	putString(attrs, keyLastError, j.LastError)
	return attrs
}

func putTime(attrs Attributes, key string, t time.Time) {
	if t.IsZero() {
		delete(attrs, key)
		return
	}
	attrs[key] = formatTime(t)
}

func putString(attrs Attributes, key string, s string) {
	if s == "" {
		delete(attrs, key)
		return
	}
	attrs[key] = s
}

// Save sends the current state as a new message. A message this record was built
// from is deleted first; failing to delete it does not stop the send.
func (j *Job) Save(ctx context.Context) error {
	if strings.TrimSpace(j.handler) == "" {
		return ErrHandlerMissing
	}
	body, err := j.marshal()
	if err != nil {
		return err
	}

	if j.msg != nil {
		stale := *j.msg
		j.msg = nil
		err := j.cli.delete(ctx, stale)
		if err != nil {
			j.cli.observer.StaleMessageNotDeleted(ctx, j, err)
		}
	}

	err = j.cli.send(ctx, j.Queue, body, j.Delay)
	if err != nil {
		return err
	}
	j.cli.observer.JobSaved(ctx, j)
	return nil
}

func (j *Job) marshal() ([]byte, error) {
	body, err := json.Marshal(j.Attributes())
	if err != nil {
		return nil, errors.WithMessage(err, "marshal job")
	}
	return body, nil
}

// Destroy deletes the message this record was built from. It is a no-op for records
// that were never received.
func (j *Job) Destroy(ctx context.Context) error {
	if j.msg == nil {
		return nil
	}
	err := j.cli.delete(ctx, *j.msg)
	if err != nil {
		return err
	}
	j.msg = nil
	j.cli.observer.JobDestroyed(ctx, j)
	return nil
}

// Fail removes a job that will not be retried.
func (j *Job) Fail(ctx context.Context) error {
	return j.Destroy(ctx)
}

// UpdateAttributes merges attrs into the record and saves it. Queues have no
// partial update, so this always sends a new message.
func (j *Job) UpdateAttributes(ctx context.Context, attrs Attributes) error {
	merged := j.Attributes()
	for k, v := range normalizeAttributes(attrs) {
		merged[k] = v
	}
	err := j.assign(merged)
	if err != nil {
		return err
	}
	return j.Save(ctx)
}

// LockExclusively always succeeds: a received message is already hidden from other
// consumers until it is deleted or its visibility timeout runs out.
func (j *Job) LockExclusively(maxRunTime time.Duration, worker string) bool {
	return true
}

func (j *Job) Unlock() bool {
	return true
}

// RescheduleAt returns when the job may run again after its current number of attempts.
func (j *Job) RescheduleAt() time.Time {
	return RescheduleAt(j.Attempts, j.cli.cfg.now())
}
