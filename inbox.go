package xmod

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// InboxConfig wires an Inbox.
type InboxConfig struct {
	Module string
	Store  InboxStore
	Clock  Clock
	Logger *xlog.Logger
	// Disabled runs handlers without any bookkeeping.
	Disabled bool
	// NoTransactions runs handlers outside a unit of work.
	NoTransactions bool
}

// Inbox de-duplicates incoming messages of one module by message id.
type Inbox struct {
	module       string
	store        InboxStore
	clock        Clock
	logger       *xlog.Logger
	enabled      bool
	transactions bool
	notify       func(Event)
}

// NewInbox builds an Inbox; Clock and Logger default to xclock and xlog.
func NewInbox(cfg InboxConfig) *Inbox {
	i := &Inbox{
		module:       cfg.Module,
		store:        cfg.Store,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		enabled:      !cfg.Disabled,
		transactions: !cfg.NoTransactions,
		notify:       func(Event) {},
	}
	if i.clock == nil {
		i.clock = xclock.Default()
	}
	if i.logger == nil {
		i.logger = xlog.Default()
	}
	i.logger = i.logger.With(xlog.Str("module", i.module))
	return i
}

// Module returns the owning module.
func (i *Inbox) Module() string { return i.module }

// Enabled reports whether bookkeeping is active.
func (i *Inbox) Enabled() bool { return i.enabled }

// Handle runs handler at most once per messageID. A message already processed is a
// silent no-op. The handler and the processed mark commit in one unit of work; on
// error the unit of work rolls back, the row stays unprocessed and the error is returned
// unchanged. uuid.Nil skips bookkeeping but keeps the transactional envelope.
func (i *Inbox) Handle(ctx context.Context, messageID uuid.UUID, name string, handler func(ctx context.Context) error) error {
	if !i.enabled {
		return handler(ctx)
	}
	if messageID == uuid.Nil {
		return i.execute(ctx, handler)
	}

	log := i.logger.With(xlog.Str("message_id", messageID.String()), xlog.Str("name", name))
	log.Debug().Msg("received a message to be processed")

	processed, err := i.store.InboxProcessed(ctx, messageID)
	if err != nil {
		return fmt.Errorf("xmod: inbox lookup: %w", err)
	}
	if processed {
		log.Debug().Msg("message was already processed")
		i.notify(Event{Type: InboxDuplicate, Module: i.module, Message: name, MessageID: messageID.String()})
		return nil
	}

	start := i.clock.Now()
	if err := i.store.AddInbox(ctx, InboxMessage{ID: messageID, Name: name, ReceivedAt: storeTime(start)}); err != nil {
		return fmt.Errorf("xmod: inbox add: %w", err)
	}

	err = i.execute(ctx, func(ctx context.Context) error {
		if err := handler(ctx); err != nil {
			return err
		}
		return i.store.MarkInboxProcessed(ctx, messageID, storeTime(i.clock.Now()))
	})
	if err != nil {
		log.Error().Err(err).Msg("there was an error when processing a message")
		return err
	}

	log.Debug().Msg("processed a message")
	i.notify(Event{
		Type:      InboxProcessed,
		Module:    i.module,
		Message:   name,
		MessageID: messageID.String(),
		Duration:  i.clock.Now().Sub(start),
	})
	return nil
}

func (i *Inbox) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !i.transactions {
		return fn(ctx)
	}
	return i.store.Execute(ctx, fn)
}

// Cleanup deletes rows received at or before to (now when nil).
func (i *Inbox) Cleanup(ctx context.Context, to *time.Time) error {
	if !i.enabled {
		i.logger.Warn().Msg("inbox is disabled, incoming messages won't be cleaned up")
		return nil
	}
	dateTo := i.clock.Now().UTC()
	if to != nil {
		dateTo = to.UTC()
	}
	n, err := i.store.DeleteInbox(ctx, dateTo)
	if err != nil {
		return fmt.Errorf("xmod: inbox cleanup: %w", err)
	}
	if n == 0 {
		i.logger.Debug().Str("to", dateTo.Format(time.RFC3339)).Msg("no received messages found in inbox")
		return nil
	}
	i.logger.Info().
		Str("count", fmt.Sprint(n)).
		Str("to", dateTo.Format(time.RFC3339)).
		Msg("removed received messages from inbox")
	i.notify(Event{Type: InboxCleaned, Module: i.module, Count: n})
	return nil
}
