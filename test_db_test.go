package mqjob_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/txix-open/mqjob"
)

type db struct {
	t         *testing.T
	defaultDb *sql.DB
	schema    string
	*sql.DB
}

func Open(dsn string, t *testing.T) (*db, error) {
	schema := strings.ToLower(t.Name())
	defaultDb, err := sql.Open("pgx", dsn)
	defaultDb.SetMaxOpenConns(1)
	if err != nil {
		return nil, errors.WithMessage(err, "open")
	}
	err = defaultDb.Ping()
	if err != nil {
		return nil, errors.WithMessage(err, "ping")
	}

	_, err = defaultDb.Exec(fmt.Sprintf("CREATE SCHEMA %s", schema))
	if err != nil {
		return nil, errors.WithMessage(err, "create schema")
	}

	uri, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "parse dsn")
	}
	query, err := url.ParseQuery(uri.RawQuery)
	if err != nil {
		return nil, errors.WithMessage(err, "parse query")
	}
	query.Set("search_path", schema)
	uri.RawQuery = query.Encode()

	tempDb, err := sql.Open("pgx", uri.String())
	if err != nil {
		return nil, errors.WithMessage(err, "open")
	}
	err = tempDb.Ping()
	if err != nil {
		return nil, errors.WithMessage(err, "ping")
	}

	db := &db{
		t:         t,
		defaultDb: defaultDb,
		DB:        tempDb,
		schema:    schema,
	}

	return db, nil
}

func (db *db) Close() error {
	_, err := db.defaultDb.Exec(fmt.Sprintf("DROP SCHEMA %s CASCADE", db.schema))
	if err != nil {
		return errors.WithMessage(err, "drop schema")
	}

	_ = db.defaultDb.Close()
	_ = db.DB.Close()

	return nil
}

func preparePgTest(t *testing.T) (*require.Assertions, *db, *mqjob.Client) {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skip("POSTGRES_HOST is not set")
	}
	asserter := require.New(t)
	dsn := fmt.Sprintf("postgres://test:test@%s:5432/test", host)
	db, err := Open(dsn, t)
	asserter.NoError(err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	err = applyMigration(db.DB)
	asserter.NoError(err)

	gw, err := mqjob.NewPgGateway(context.Background(), db.DB, 0)
	asserter.NoError(err)
	cli := mqjob.NewClient(gw, testConfig(), mqjob.WithCodec(testCodec()))

	return asserter, db, cli
}

func applyMigration(db *sql.DB) error {
	query, err := os.ReadFile("migration/init.sql")
	if err != nil {
		return errors.WithMessage(err, "read migration")
	}
	_, err = db.Exec(string(query))
	if err != nil {
		return errors.WithMessage(err, "exec migration")
	}
	return nil
}

func countMessages(db *sql.DB, queue string) (int, error) {
	count := 0
	err := db.QueryRow("SELECT count(*) FROM bgjob_message WHERE queue = $1", queue).Scan(&count)
	if err != nil {
		return 0, errors.WithMessage(err, "select count")
	}
	return count, nil
}
