package xmod

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// storeTime normalizes a timestamp before it is written. Stores keep microsecond
// precision, so cleanup boundaries compare exactly against what was written.
func storeTime(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// OutboxMessage is a staged outgoing message.
type OutboxMessage struct {
	ID            uuid.UUID
	Name          string
	Data          []byte
	Type          string
	CreatedAt     time.Time
	SentAt        *time.Time
	CorrelationID uuid.UUID
	TraceID       string
	UserID        *uuid.UUID
}

// InboxMessage records a received message identity.
type InboxMessage struct {
	ID          uuid.UUID
	Name        string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// UnitOfWork runs fn in a transaction: commit when fn returns nil, roll back otherwise.
// The ctx passed to fn carries the transaction; store calls made with it join the
// transaction, and a nested Execute on the same store reuses it.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// UnitOfWorkFunc adapts a function to UnitOfWork.
type UnitOfWorkFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f UnitOfWorkFunc) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// OutboxStore persists outbox rows of one module.
type OutboxStore interface {
	UnitOfWork
	// AddOutbox appends all rows or none.
	AddOutbox(ctx context.Context, msgs ...OutboxMessage) error
	// UnsentOutbox returns rows with no SentAt, oldest first.
	UnsentOutbox(ctx context.Context) ([]OutboxMessage, error)
	// MarkOutboxSent sets SentAt on every id in one write.
	MarkOutboxSent(ctx context.Context, sentAt time.Time, ids ...uuid.UUID) error
	// DeleteSentOutbox removes sent rows created at or before to and returns how many.
	DeleteSentOutbox(ctx context.Context, to time.Time) (int, error)
}

// InboxStore persists inbox rows of one module.
type InboxStore interface {
	UnitOfWork
	// InboxProcessed reports whether id exists with ProcessedAt set.
	InboxProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	// AddInbox inserts the row, or keeps the existing unprocessed one.
	AddInbox(ctx context.Context, msg InboxMessage) error
	MarkInboxProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	// DeleteInbox removes rows received at or before to and returns how many.
	DeleteInbox(ctx context.Context, to time.Time) (int, error)
}

// Store is a module's durable storage.
type Store interface {
	OutboxStore
	InboxStore
	Close() error
}

// StoreFactory opens a Store from a config blob. The blob always carries "module"
// and, when configured, "dsn".
type StoreFactory func(cfg map[string]any) (Store, error)

var (
	storeRegistryMu sync.RWMutex
	storeRegistry   = map[string]StoreFactory{}
)

// RegisterStore registers a storage adapter.
func RegisterStore(name string, factory StoreFactory) error {
	if name == "" {
		return errors.New("store name must not be empty")
	}
	if factory == nil {
		return errors.New("store factory must not be nil")
	}
	storeRegistryMu.Lock()
	storeRegistry[name] = factory
	storeRegistryMu.Unlock()
	return nil
}

// NewStore opens a store by adapter name.
func NewStore(name string, cfg map[string]any) (Store, error) {
	storeRegistryMu.RLock()
	f, ok := storeRegistry[name]
	storeRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownStore{name: name}
	}
	return f(cfg)
}
