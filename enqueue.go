package mqjob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ExecerContext interface {
	ExecContext(ctx context.Context, s string, args ...any) (sql.Result, error)
}

type pgMessage struct {
	id        string
	queue     string
	body      []byte
	visibleAt int64
	createdAt time.Time
}

func newPgMessage(queue string, body []byte, delay time.Duration) (pgMessage, error) {
	if queue == "" {
		return pgMessage{}, ErrQueueIsRequired
	}
	now := timeNow()
	return pgMessage{
		id:        uuid.NewString(),
		queue:     queue,
		body:      body,
		visibleAt: now.Add(delay).UnixMilli(),
		createdAt: now,
	}, nil
}

// Enqueue writes a new job into the bgjob_message table through e, so it becomes
// visible only when the caller's transaction commits. It returns the message id.
func Enqueue(ctx context.Context, e ExecerContext, job *Job) (string, error) {
	ids, err := BulkEnqueue(ctx, e, []*Job{job})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func BulkEnqueue(ctx context.Context, e ExecerContext, jobs []*Job) ([]string, error) {
	if len(jobs) == 0 {
		return nil, errors.New("list is empty. at least one job is expected")
	}

	messages := make([]pgMessage, 0, len(jobs))
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if strings.TrimSpace(job.handler) == "" {
			return nil, ErrHandlerMissing
		}
		if job.msg != nil {
			return nil, ErrJobAlreadyEnqueued
		}
		body, err := job.marshal()
		if err != nil {
			return nil, err
		}
		msg, err := newPgMessage(job.Queue, body, job.Delay)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.id)
	}

	err := bulkInsert(ctx, e, messages)
	if err != nil {
		return nil, fmt.Errorf("bulk insert: %w", err)
	}
	return ids, nil
}

func bulkInsert(ctx context.Context, e ExecerContext, messages []pgMessage) error {
	valueStrings := make([]string, 0, len(messages))
	valueArgs := make([]any, 0, len(messages)*5)
	placeholderNum := 0
	for _, msg := range messages {
		placeholders := make([]string, 0)
		for i := 0; i < 5; i++ {
			placeholderNum++
			placeholders = append(placeholders, fmt.Sprintf("$%d", placeholderNum))
		}
		valueStrings = append(valueStrings, fmt.Sprintf("(%s)", strings.Join(placeholders, ",")))
		valueArgs = append(
			valueArgs,
			msg.id,
			msg.queue,
			msg.body,
			msg.visibleAt,
			msg.createdAt,
		)
	}
	query := fmt.Sprintf("INSERT INTO bgjob_message (id, queue, body, visible_at, created_at) VALUES %s",
		strings.Join(valueStrings, ","))
	_, err := e.ExecContext(ctx, query, valueArgs...)
	return err
}
