package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xmod"
	_ "modernc.org/sqlite"
)

const StoreName = "sqlite"

//go:embed migrations/*.sql
var migrationFS embed.FS

func init() {
	if err := xmod.RegisterStore(StoreName, func(cfg map[string]any) (xmod.Store, error) {
		return Open(context.Background(), ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmod/sqlite: failed to register store: %w", err))
	}
}

var ErrClosed = errors.New("sqlite store is closed")

type txKey struct{ s *Store }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements xmod.Store on a SQLite database. Rows of several modules may share
// one file; each Store only sees the rows of its own module.
type Store struct {
	db     *sql.DB
	module string
	closed atomic.Bool
}

var _ xmod.Store = (*Store)(nil)

// Open opens the database, applies pending migrations and returns a Store for cfg.Module.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, module: strings.ToLower(cfg.Module)}, nil
}

// DB exposes the underlying handle so module repositories can share the file.
func (s *Store) DB() *sql.DB { return s.db }

// Tx returns the transaction carried by ctx, if any. Module repositories use it to
// write their state in the same unit of work as the outbox and inbox rows.
func (s *Store) Tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{s}).(*sql.Tx)
	return tx, ok
}

func (s *Store) conn(ctx context.Context) (querier, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if tx, ok := s.Tx(ctx); ok {
		return tx, nil
	}
	return s.db, nil
}

// Execute runs fn in a transaction, joining the one carried by ctx.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := s.Tx(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{s}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
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
		for _, m := range msgs {
			if _, err := q.ExecContext(ctx, `
INSERT INTO xmod_outbox (
	module, id, name, data, type, created_at, sent_at, correlation_id, trace_id, user_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
				s.module,
				m.ID.String(),
				m.Name,
				m.Data,
				m.Type,
				m.CreatedAt.UTC().UnixMicro(),
				nullMicros(m.SentAt),
				m.CorrelationID.String(),
				m.TraceID,
				nullUUID(m.UserID),
			); err != nil {
				return fmt.Errorf("add outbox %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) UnsentOutbox(ctx context.Context) ([]xmod.OutboxMessage, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
SELECT id, name, data, type, created_at, sent_at, correlation_id, trace_id, user_id
FROM xmod_outbox
WHERE module = ? AND sent_at IS NULL
ORDER BY created_at, rowid
`, s.module)
	if err != nil {
		return nil, fmt.Errorf("query unsent outbox: %w", err)
	}
	defer rows.Close()

	var out []xmod.OutboxMessage
	for rows.Next() {
		var (
			m                 xmod.OutboxMessage
			id, correlationID string
			createdAt         int64
			sentAt            sql.NullInt64
			userID            sql.NullString
		)
		if err := rows.Scan(&id, &m.Name, &m.Data, &m.Type, &createdAt, &sentAt, &correlationID, &m.TraceID, &userID); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse outbox id: %w", err)
		}
		if m.CorrelationID, err = uuid.Parse(correlationID); err != nil {
			return nil, fmt.Errorf("parse outbox correlation id: %w", err)
		}
		if m.UserID, err = parseNullUUID(userID); err != nil {
			return nil, fmt.Errorf("parse outbox user id: %w", err)
		}
		m.CreatedAt = time.UnixMicro(createdAt).UTC()
		m.SentAt = microsPtr(sentAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, sentAt time.Time, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Execute(ctx, func(ctx context.Context) error {
		q, err := s.conn(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := q.ExecContext(ctx,
				`UPDATE xmod_outbox SET sent_at = ? WHERE module = ? AND id = ?`,
				sentAt.UTC().UnixMicro(), s.module, id.String(),
			); err != nil {
				return fmt.Errorf("mark outbox %s sent: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) DeleteSentOutbox(ctx context.Context, to time.Time) (int, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`DELETE FROM xmod_outbox WHERE module = ? AND sent_at IS NOT NULL AND created_at <= ?`,
		s.module, to.UTC().UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete sent outbox: %w", err)
	}
	return affected(res)
}

func (s *Store) InboxProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var found int
	err = q.QueryRowContext(ctx,
		`SELECT 1 FROM xmod_inbox WHERE module = ? AND id = ? AND processed_at IS NOT NULL`,
		s.module, id.String(),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query inbox: %w", err)
	}
	return true, nil
}

func (s *Store) AddInbox(ctx context.Context, msg xmod.InboxMessage) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
INSERT INTO xmod_inbox (module, id, name, received_at, processed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (module, id) DO NOTHING
`,
		s.module,
		msg.ID.String(),
		msg.Name,
		msg.ReceivedAt.UTC().UnixMicro(),
		nullMicros(msg.ProcessedAt),
	); err != nil {
		return fmt.Errorf("add inbox %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) MarkInboxProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE xmod_inbox SET processed_at = ? WHERE module = ? AND id = ?`,
		processedAt.UTC().UnixMicro(), s.module, id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark inbox %s processed: %w", id, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlite store: inbox %s not found (%s)", id, s.module)
	}
	return nil
}

func (s *Store) DeleteInbox(ctx context.Context, to time.Time) (int, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`DELETE FROM xmod_inbox WHERE module = ? AND received_at <= ?`,
		s.module, to.UTC().UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete inbox: %w", err)
	}
	return affected(res)
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMicro(), Valid: true}
}

func microsPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullUUID(v sql.NullString) (*uuid.UUID, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
