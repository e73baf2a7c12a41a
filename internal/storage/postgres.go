package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Each table keeps the searchable columns next to the JSON document of the
// whole record.
const schema = `
CREATE TABLE IF NOT EXISTS interactions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0,
	doc        JSONB NOT NULL
);
ALTER TABLE interactions ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	queue      TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS contacts (
	address TEXT PRIMARY KEY,
	doc     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS activity_log (
	entry_key      TEXT PRIMARY KEY,
	delivery_state TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	doc            JSONB NOT NULL
);`

// PostgresStore implements Store on PostgreSQL through a pgx pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPool creates a connection pool and pings the database so a bad DSN
// fails at startup.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore connects and creates the tables if they are missing
func NewPostgresStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	logger.Info().Msg("postgres store initialized")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// mapError converts pgx errors to storage errors. Context errors pass through.
func mapError(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", entity, id, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s %s: %w", entity, id, ErrAlreadyExists)
	}
	return fmt.Errorf("%s %s: %w", entity, id, err)
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) CreateInteraction(ctx context.Context, in *types.Interaction) error {
	doc, err := encode(in)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (id, kind, state, created_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		in.ID, string(in.Kind), string(in.State), in.CreatedAt, in.Version, doc)
	if err != nil {
		return mapError(err, "interaction", in.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) GetInteraction(ctx context.Context, id string) (*types.Interaction, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM interactions WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapError(err, "interaction", id)
	}
	var in types.Interaction
	if err := json.Unmarshal(doc, &in); err != nil {
		return nil, fmt.Errorf("decode interaction %s: %w", id, err)
	}
	return &in, nil
}

func (s *PostgresStore) SaveInteraction(ctx context.Context, in *types.Interaction) error {
	next := *in
	next.Version++
	doc, err := encode(&next)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE interactions SET state = $3, version = $4, doc = $5
		WHERE id = $1 AND version = $2`,
		in.ID, in.Version, string(in.State), next.Version, doc)
	if err != nil {
		return mapError(err, "interaction", in.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("interaction %s: %w", in.ID, ErrVersionConflict)
	}
	in.Version = next.Version
	return nil
}

func (s *PostgresStore) ListInteractions(ctx context.Context, filter InteractionFilter) ([]types.Interaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM interactions
		WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		string(filter.Kind), string(filter.State), limit)
	if err != nil {
		return nil, mapError(err, "interactions", "list")
	}
	return collectDocs[types.Interaction](rows)
}

func (s *PostgresStore) SaveTask(ctx context.Context, task *types.Task) error {
	doc, err := encode(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, queue, state, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc`,
		task.ID, string(task.Queue), string(task.State), task.CreatedAt, doc)
	return mapError(err, "task", task.ID)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM tasks
		WHERE ($1 = '' OR state = $1) AND ($2 = '' OR queue = $2)
		ORDER BY created_at ASC`,
		string(filter.State), string(filter.Queue))
	if err != nil {
		return nil, mapError(err, "tasks", "list")
	}
	return collectDocs[types.Task](rows)
}

func (s *PostgresStore) SaveWorker(ctx context.Context, worker *types.Worker) error {
	doc, err := encode(worker)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workers (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		worker.ID, doc)
	return mapError(err, "worker", worker.ID)
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM workers ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "workers", "list")
	}
	return collectDocs[types.Worker](rows)
}

func (s *PostgresStore) GetContact(ctx context.Context, address string) (*types.Contact, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM contacts WHERE address = $1`, address).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapError(err, "contact", address)
	}
	var c types.Contact
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode contact %s: %w", address, err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveContact(ctx context.Context, contact *types.Contact) error {
	doc, err := encode(contact)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO contacts (address, doc) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET doc = EXCLUDED.doc`,
		contact.Address, doc)
	return mapError(err, "contact", contact.Address)
}

func (s *PostgresStore) CreateActivity(ctx context.Context, entry *types.ActivityLogEntry) error {
	doc, err := encode(entry)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (entry_key, delivery_state, created_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entry_key) DO NOTHING`,
		entry.Key, string(entry.DeliveryState), entry.CreatedAt, doc)
	if err != nil {
		return mapError(err, "activity", entry.Key)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, key string) (*types.ActivityLogEntry, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM activity_log WHERE entry_key = $1`, key).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapError(err, "activity", key)
	}
	var e types.ActivityLogEntry
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode activity %s: %w", key, err)
	}
	return &e, nil
}

func (s *PostgresStore) SaveActivity(ctx context.Context, entry *types.ActivityLogEntry) error {
	doc, err := encode(entry)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activity_log (entry_key, delivery_state, created_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entry_key) DO UPDATE SET delivery_state = EXCLUDED.delivery_state, doc = EXCLUDED.doc`,
		entry.Key, string(entry.DeliveryState), entry.CreatedAt, doc)
	return mapError(err, "activity", entry.Key)
}

func (s *PostgresStore) ListActivities(ctx context.Context, state types.DeliveryState) ([]types.ActivityLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM activity_log
		WHERE ($1 = '' OR delivery_state = $1)
		ORDER BY created_at ASC`,
		string(state))
	if err != nil {
		return nil, mapError(err, "activity", "list")
	}
	return collectDocs[types.ActivityLogEntry](rows)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// collectDocs decodes a single JSONB column from every row
func collectDocs[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
