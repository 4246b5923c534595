package mqjob

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DefaultVisibilityTimeout = 30 * time.Second

// pgGateway keeps messages in the bgjob_message table (see migration/init.sql).
type pgGateway struct {
	db                *sql.DB
	visibilityTimeout time.Duration
}

func NewPgGateway(ctx context.Context, db *sql.DB, visibilityTimeout time.Duration) (*pgGateway, error) {
	err := assertHasColumn(ctx, db, "bgjob_message", "receipt")
	if err != nil {
		return nil, fmt.Errorf("%w; please apply 'migration/init.sql'", err)
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}

	return &pgGateway{
			db:                db,
			visibilityTimeout: visibilityTimeout,
		},
		nil
}

func (p *pgGateway) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	msg, err := newPgMessage(queue, body, delay)
	if err != nil {
		return err
	}
	return bulkInsert(ctx, p.db, []pgMessage{msg})
}

func (p *pgGateway) Receive(ctx context.Context, queue string) (Message, error) {
	msg := Message{}
	err := runTx(ctx, p.db, func(ctx context.Context, tx *sql.Tx) error {
		query := `
SELECT id, queue, body, receive_count
FROM bgjob_message
WHERE queue = $1 AND visible_at <= $2
ORDER BY visible_at, created_at
LIMIT 1 FOR UPDATE SKIP LOCKED
`
		now := timeNow()
		err := tx.QueryRowContext(ctx, query, queue, now.UnixMilli()).Scan(
			&msg.Id,
			&msg.Queue,
			&msg.Body,
			&msg.ReceiveCount,
		)
		if err == sql.ErrNoRows {
			return ErrEmptyQueue
		}
		if err != nil {
			return err
		}

		msg.Receipt = uuid.NewString()
		msg.ReceiveCount++
		query = "UPDATE bgjob_message SET visible_at = $1, receipt = $2, receive_count = $3 WHERE id = $4"
		_, err = tx.ExecContext(ctx, query, now.Add(p.visibilityTimeout).UnixMilli(), msg.Receipt, msg.ReceiveCount, msg.Id)
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (p *pgGateway) Delete(ctx context.Context, msg Message) error {
	query := `DELETE FROM bgjob_message WHERE id = $1 AND receipt = $2`
	res, err := p.db.ExecContext(ctx, query, msg.Id, msg.Receipt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func runTx(ctx context.Context, db *sql.DB, txFunc func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w, rollback error: %v", err, rbErr.Error())
			}
		} else {
			comErr := tx.Commit()
			if comErr != nil {
				err = fmt.Errorf("commit: %w", comErr)
			}
		}
	}()

	return txFunc(ctx, tx)
}

func assertHasColumn(ctx context.Context, db *sql.DB, table, column string) error {
	query := fmt.Sprintf("SELECT %s FROM %s LIMIT 1", column, table)

	err := db.QueryRowContext(ctx, query).Scan(new(any))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("mqjob: schema check error for %s.%s: %w", table, column, err)
	}

	return nil
}
