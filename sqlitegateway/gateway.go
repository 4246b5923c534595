// Package sqlitegateway implements mqjob.Gateway on an embedded SQLite database.
package sqlitegateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/txix-open/mqjob"
)

const schema = `
CREATE TABLE IF NOT EXISTS mqjob_message (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	body BLOB NOT NULL,
	visible_at INTEGER NOT NULL,
	receipt TEXT,
	receive_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS mqjob_message_queue_visible_at_idx ON mqjob_message (queue, visible_at);`

type Gateway struct {
	db                *sql.DB
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

// Open opens the database file at path (":memory:" works too) and creates the table.
func Open(ctx context.Context, path string, opts ...Option) (*Gateway, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite has a single writer; an in-memory database exists per connection
	db.SetMaxOpenConns(1)
	gw, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return gw, nil
}

func New(ctx context.Context, db *sql.DB, opts ...Option) (*Gateway, error) {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("create mqjob_message table: %w", err)
	}
	g := &Gateway{
		db:                db,
		visibilityTimeout: mqjob.DefaultVisibilityTimeout,
		now:               time.Now,
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
	now := g.now()
	_, err := g.db.ExecContext(
		ctx,
		"INSERT INTO mqjob_message (id, queue, body, visible_at, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(),
		queue,
		body,
		now.Add(delay).UnixMilli(),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (g *Gateway) Receive(ctx context.Context, queue string) (mqjob.Message, error) {
	query := `
UPDATE mqjob_message
SET visible_at = ?, receipt = ?, receive_count = receive_count + 1
WHERE id = (
	SELECT id FROM mqjob_message
	WHERE queue = ? AND visible_at <= ?
	ORDER BY visible_at, created_at
	LIMIT 1
)
RETURNING id, body, receive_count`
	now := g.now()
	msg := mqjob.Message{
		Queue:   queue,
		Receipt: uuid.NewString(),
	}
	err := g.db.QueryRowContext(
		ctx,
		query,
		now.Add(g.visibilityTimeout).UnixMilli(),
		msg.Receipt,
		queue,
		now.UnixMilli(),
	).Scan(&msg.Id, &msg.Body, &msg.ReceiveCount)
	if errors.Is(err, sql.ErrNoRows) {
		return mqjob.Message{}, mqjob.ErrEmptyQueue
	}
	if err != nil {
		return mqjob.Message{}, fmt.Errorf("claim message: %w", err)
	}
	return msg, nil
}

func (g *Gateway) Delete(ctx context.Context, msg mqjob.Message) error {
	res, err := g.db.ExecContext(ctx, "DELETE FROM mqjob_message WHERE id = ? AND receipt = ?", msg.Id, msg.Receipt)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", msg.Id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return mqjob.ErrMessageNotFound
	}
	return nil
}

func (g *Gateway) Close() error {
	return g.db.Close()
}
