package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgLogPrefix = "store:pg"

// NewPool creates a pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", pgLogPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", pgLogPrefix, err)
	}

	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", pgLogPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", pgLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", pgLogPrefix))
	return pool, nil
}

// PgStore is the Store backed by the agent_state table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore on an established pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM agent_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%s - get %s: %w", pgLogPrefix, key, err)
	}
	return value, nil
}

func (s *PgStore) Put(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_state (key, value, modified)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   value = $2,
		   modified = $3`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - put %s: %w", pgLogPrefix, key, err)
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agent_state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("%s - delete %s: %w", pgLogPrefix, key, err)
	}
	return nil
}
