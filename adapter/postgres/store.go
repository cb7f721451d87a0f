package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trickstertwo/xmod"
)

const StoreName = "postgres"

func init() {
	if err := xmod.RegisterStore(StoreName, func(cfg map[string]any) (xmod.Store, error) {
		return Open(context.Background(), ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmod/postgres: failed to register store: %w", err))
	}
}

var ErrClosed = errors.New("postgres store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS xmod_outbox (
	module TEXT NOT NULL,
	id UUID NOT NULL,
	name TEXT NOT NULL,
	data BYTEA NOT NULL,
	type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	sent_at TIMESTAMPTZ,
	correlation_id UUID NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	user_id UUID,
	seq BIGSERIAL,
	PRIMARY KEY (module, id)
);
CREATE INDEX IF NOT EXISTS xmod_outbox_unsent ON xmod_outbox (module, created_at) WHERE sent_at IS NULL;

CREATE TABLE IF NOT EXISTS xmod_inbox (
	module TEXT NOT NULL,
	id UUID NOT NULL,
	name TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	PRIMARY KEY (module, id)
);
CREATE INDEX IF NOT EXISTS xmod_inbox_received ON xmod_inbox (module, received_at);
`

type txKey struct{ s *Store }

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store implements xmod.Store on PostgreSQL. Units of work run at read committed.
type Store struct {
	pool   *pgxpool.Pool
	module string
	closed atomic.Bool
}

var _ xmod.Store = (*Store)(nil)

// Open connects a pool, optionally creates the tables and returns a Store for cfg.Module.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.Migrate {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return &Store{pool: pool, module: strings.ToLower(cfg.Module)}, nil
}

// Pool exposes the connection pool so module repositories can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Tx returns the transaction carried by ctx, if any.
func (s *Store) Tx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{s}).(pgx.Tx)
	return tx, ok
}

func (s *Store) conn(ctx context.Context) (querier, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if tx, ok := s.Tx(ctx); ok {
		return tx, nil
	}
	return s.pool, nil
}

// Execute runs fn in a read committed transaction, joining the one carried by ctx.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := s.Tx(ctx); ok {
		return fn(ctx)
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{s}, tx))
	})
}

func (s *Store) AddOutbox(ctx context.Context, msgs ...xmod.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.Execute(ctx, func(ctx context.Context) error {
		q, err := s.conn(ctx)
		if err != nil {
			return err
		}
		b := &pgx.Batch{}
		for _, m := range msgs {
			b.Queue(`
				INSERT INTO xmod_outbox (module, id, name, data, type, created_at, sent_at, correlation_id, trace_id, user_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, s.module, m.ID, m.Name, m.Data, m.Type, m.CreatedAt.UTC(), m.SentAt, m.CorrelationID, m.TraceID, m.UserID)
		}
		if err := q.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("add outbox: %w", err)
		}
		return nil
	})
}

func (s *Store) UnsentOutbox(ctx context.Context) ([]xmod.OutboxMessage, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, name, data, type, created_at, sent_at, correlation_id, trace_id, user_id
		FROM xmod_outbox
		WHERE module = $1 AND sent_at IS NULL
		ORDER BY created_at, seq
	`, s.module)
	if err != nil {
		return nil, fmt.Errorf("query unsent outbox: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (xmod.OutboxMessage, error) {
		var m xmod.OutboxMessage
		err := row.Scan(&m.ID, &m.Name, &m.Data, &m.Type, &m.CreatedAt, &m.SentAt, &m.CorrelationID, &m.TraceID, &m.UserID)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return out, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, sentAt time.Time, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx,
		`UPDATE xmod_outbox SET sent_at = $1 WHERE module = $2 AND id = ANY($3::uuid[])`,
		sentAt.UTC(), s.module, ids,
	); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

func (s *Store) DeleteSentOutbox(ctx context.Context, to time.Time) (int, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx,
		`DELETE FROM xmod_outbox WHERE module = $1 AND sent_at IS NOT NULL AND created_at <= $2`,
		s.module, to.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete sent outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) InboxProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var found bool
	err = q.QueryRow(ctx,
		`SELECT true FROM xmod_inbox WHERE module = $1 AND id = $2 AND processed_at IS NOT NULL`,
		s.module, id,
	).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query inbox: %w", err)
	}
	return found, nil
}

func (s *Store) AddInbox(ctx context.Context, msg xmod.InboxMessage) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO xmod_inbox (module, id, name, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (module, id) DO NOTHING
	`, s.module, msg.ID, msg.Name, msg.ReceivedAt.UTC(), msg.ProcessedAt); err != nil {
		return fmt.Errorf("add inbox %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) MarkInboxProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE xmod_inbox SET processed_at = $1 WHERE module = $2 AND id = $3`,
		processedAt.UTC(), s.module, id,
	)
	if err != nil {
		return fmt.Errorf("mark inbox %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: inbox %s not found (%s)", id, s.module)
	}
	return nil
}

func (s *Store) DeleteInbox(ctx context.Context, to time.Time) (int, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx,
		`DELETE FROM xmod_inbox WHERE module = $1 AND received_at <= $2`,
		s.module, to.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete inbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the pool. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}
