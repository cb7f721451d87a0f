package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xmod"
)

const StoreName = "memory"

func init() {
	if err := xmod.RegisterStore(StoreName, func(cfg map[string]any) (xmod.Store, error) {
		return NewStore(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xmod/memory: failed to register store: %w", err))
	}
}

var (
	ErrClosed    = errors.New("memory store is closed")
	ErrDuplicate = errors.New("memory store: duplicate id")
)

// Config controls memory store behavior.
type Config struct {
	// Module owning the store, used in errors only.
	Module string
}

func ConfigFromMap(cfg map[string]any) Config {
	c := Config{}
	if v, ok := cfg["module"].(string); ok {
		c.Module = v
	}
	return c
}

type tables struct {
	outbox map[uuid.UUID]xmod.OutboxMessage
	order  []uuid.UUID
	inbox  map[uuid.UUID]xmod.InboxMessage
}

func newTables() *tables {
	return &tables{
		outbox: make(map[uuid.UUID]xmod.OutboxMessage),
		inbox:  make(map[uuid.UUID]xmod.InboxMessage),
	}
}

func (t *tables) clone() *tables {
	return &tables{
		outbox: maps.Clone(t.outbox),
		order:  slices.Clone(t.order),
		inbox:  maps.Clone(t.inbox),
	}
}

// tx is an open unit of work working on a private copy of the tables.
type tx struct {
	mu sync.Mutex
	t  *tables
}

type txKey struct{ s *Store }

// Store implements xmod.Store in memory (dev/testing). Units of work are serialized and
// see a private copy of the tables until commit; reads outside a unit of work see
// committed rows only.
type Store struct {
	cfg Config

	txMu      sync.Mutex // one writer at a time
	mu        sync.RWMutex
	committed *tables

	closed    atomic.Bool
	commits   atomic.Uint64
	rollbacks atomic.Uint64
}

var _ xmod.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg, committed: newTables()}
}

// Execute runs fn in a unit of work, joining the one carried by ctx.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := ctx.Value(txKey{s}).(*tx); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := &tx{t: s.committed.clone()}
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{s}, work)); err != nil {
		s.rollbacks.Add(1)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.rollbacks.Add(1)
		return err
	}
	s.mu.Lock()
	s.committed = work.t
	s.mu.Unlock()
	s.commits.Add(1)
	return nil
}

func (s *Store) write(ctx context.Context, fn func(t *tables) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if w, ok := ctx.Value(txKey{s}).(*tx); ok {
		w.mu.Lock()
		defer w.mu.Unlock()
		return fn(w.t)
	}
	return s.Execute(ctx, func(ctx context.Context) error {
		return s.write(ctx, fn)
	})
}

func (s *Store) read(ctx context.Context, fn func(t *tables)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if w, ok := ctx.Value(txKey{s}).(*tx); ok {
		w.mu.Lock()
		defer w.mu.Unlock()
		fn(w.t)
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.committed)
	return nil
}

func (s *Store) AddOutbox(ctx context.Context, msgs ...xmod.OutboxMessage) error {
	return s.write(ctx, func(t *tables) error {
		seen := make(map[uuid.UUID]bool, len(msgs))
		for _, m := range msgs {
			if _, ok := t.outbox[m.ID]; ok || seen[m.ID] {
				return fmt.Errorf("%w: outbox %s (%s)", ErrDuplicate, m.ID, s.cfg.Module)
			}
			seen[m.ID] = true
		}
		for _, m := range msgs {
			t.outbox[m.ID] = m
			t.order = append(t.order, m.ID)
		}
		return nil
	})
}

func (s *Store) UnsentOutbox(ctx context.Context) ([]xmod.OutboxMessage, error) {
	var out []xmod.OutboxMessage
	err := s.read(ctx, func(t *tables) {
		for _, id := range t.order {
			if m := t.outbox[id]; m.SentAt == nil {
				out = append(out, m)
			}
		}
	})
	return out, err
}

func (s *Store) MarkOutboxSent(ctx context.Context, sentAt time.Time, ids ...uuid.UUID) error {
	return s.write(ctx, func(t *tables) error {
		for _, id := range ids {
			m, ok := t.outbox[id]
			if !ok {
				continue
			}
			at := sentAt
			m.SentAt = &at
			t.outbox[id] = m
		}
		return nil
	})
}

func (s *Store) DeleteSentOutbox(ctx context.Context, to time.Time) (int, error) {
	n := 0
	err := s.write(ctx, func(t *tables) error {
		t.order = slices.DeleteFunc(t.order, func(id uuid.UUID) bool {
			m := t.outbox[id]
			if m.SentAt == nil || m.CreatedAt.After(to) {
				return false
			}
			delete(t.outbox, id)
			n++
			return true
		})
		return nil
	})
	return n, err
}

func (s *Store) InboxProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	processed := false
	err := s.read(ctx, func(t *tables) {
		m, ok := t.inbox[id]
		processed = ok && m.ProcessedAt != nil
	})
	return processed, err
}

func (s *Store) AddInbox(ctx context.Context, msg xmod.InboxMessage) error {
	return s.write(ctx, func(t *tables) error {
		if _, ok := t.inbox[msg.ID]; ok {
			return nil
		}
		t.inbox[msg.ID] = msg
		return nil
	})
}

func (s *Store) MarkInboxProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	return s.write(ctx, func(t *tables) error {
		m, ok := t.inbox[id]
		if !ok {
			return fmt.Errorf("memory store: inbox %s not found (%s)", id, s.cfg.Module)
		}
		at := processedAt
		m.ProcessedAt = &at
		t.inbox[id] = m
		return nil
	})
}

func (s *Store) DeleteInbox(ctx context.Context, to time.Time) (int, error) {
	n := 0
	err := s.write(ctx, func(t *tables) error {
		for id, m := range t.inbox {
			if !m.ReceivedAt.After(to) {
				delete(t.inbox, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// Close marks the store closed. Idempotent.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Outbox returns a snapshot of committed outbox rows in insertion order.
func (s *Store) Outbox() []xmod.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]xmod.OutboxMessage, 0, len(s.committed.order))
	for _, id := range s.committed.order {
		out = append(out, s.committed.outbox[id])
	}
	return out
}

// Inbox returns a snapshot of the committed inbox row with id.
func (s *Store) Inbox(id uuid.UUID) (xmod.InboxMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.committed.inbox[id]
	return m, ok
}

// InboxLen returns the number of committed inbox rows.
func (s *Store) InboxLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.committed.inbox)
}

// Stats reports committed and rolled back units of work.
func (s *Store) Stats() (commits, rollbacks uint64) {
	return s.commits.Load(), s.rollbacks.Load()
}
