package xmod

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// OutboxConfig wires an Outbox.
type OutboxConfig struct {
	Module   string
	Store    OutboxStore
	Registry *ModuleRegistry
	Client   *ModuleClient
	// Dispatcher receives replayed messages when UseAsyncDispatcher is set.
	Dispatcher         *AsyncDispatcher
	UseAsyncDispatcher bool
	Codec              Codec
	Clock              Clock
	Logger             *xlog.Logger
	Disabled           bool
}

// Outbox stages outgoing messages of one module in its own store and replays them.
type Outbox struct {
	module     string
	store      OutboxStore
	registry   *ModuleRegistry
	client     *ModuleClient
	dispatcher *AsyncDispatcher
	useAsync   bool
	codec      Codec
	clock      Clock
	logger     *xlog.Logger
	enabled    bool
	notify     func(Event)
}

// NewOutbox builds an Outbox; Codec, Clock and Logger default to JSON, xclock and xlog.
func NewOutbox(cfg OutboxConfig) *Outbox {
	o := &Outbox{
		module:     cfg.Module,
		store:      cfg.Store,
		registry:   cfg.Registry,
		client:     cfg.Client,
		dispatcher: cfg.Dispatcher,
		useAsync:   cfg.UseAsyncDispatcher && cfg.Dispatcher != nil,
		codec:      cfg.Codec,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		enabled:    !cfg.Disabled,
		notify:     func(Event) {},
	}
	if o.codec == nil {
		o.codec = JSONCodec{}
	}
	if o.clock == nil {
		o.clock = xclock.Default()
	}
	if o.logger == nil {
		o.logger = xlog.Default()
	}
	if o.registry == nil {
		o.registry = NewModuleRegistry()
	}
	o.logger = o.logger.With(xlog.Str("module", o.module))
	return o
}

// Module returns the owning module.
func (o *Outbox) Module() string { return o.module }

// Enabled reports whether the outbox stores messages.
func (o *Outbox) Enabled() bool { return o.enabled }

// Save appends msgs to the store, joining the unit of work carried by ctx so the rows
// commit or roll back together with the caller's state change. Every message type must
// be in the registry catalog, since replay resolves types there; otherwise nothing is saved.
func (o *Outbox) Save(ctx context.Context, msgs ...any) error {
	if !o.enabled {
		o.logger.Warn().Msg("outbox is disabled, outgoing messages won't be saved")
		return nil
	}
	now := storeTime(o.clock.Now())
	rows := make([]OutboxMessage, 0, len(msgs))
	for _, m := range msgs {
		if isNil(m) {
			continue
		}
		if _, ok := o.registry.TypeByName(FullTypeName(m)); !ok {
			return fmt.Errorf("%w: %s not exposed by module '%s'", ErrInvalidMessage, FullTypeName(m), o.module)
		}
		mc := MessageContextOf(ctx, m)
		data, err := o.codec.Marshal(m)
		if err != nil {
			return fmt.Errorf("xmod: outbox encode %s: %w", NameOf(m), err)
		}
		rows = append(rows, OutboxMessage{
			ID:            mc.MessageID,
			Name:          NameOf(m),
			Data:          data,
			Type:          FullTypeName(m),
			CreatedAt:     now,
			CorrelationID: mc.Context.CorrelationID,
			TraceID:       mc.Context.TraceID,
			UserID:        mc.Context.Identity.UserID,
		})
	}
	if len(rows) == 0 {
		o.logger.Warn().Msg("no messages have been provided to be saved to the outbox")
		return nil
	}
	if err := o.store.AddOutbox(ctx, rows...); err != nil {
		return fmt.Errorf("xmod: outbox save: %w", err)
	}
	o.logger.Info().Str("count", fmt.Sprint(len(rows))).Msg("saved messages to the outbox")
	o.notify(Event{Type: OutboxSaved, Module: o.module, Count: len(rows)})
	return nil
}

// PublishUnsent replays every unsent row. Rows whose type cannot be resolved or decoded
// are logged and skipped. A dispatch failure stops the cycle and no SentAt of the cycle
// is persisted; all successful dispatches are marked sent together at the end.
func (o *Outbox) PublishUnsent(ctx context.Context) error {
	if !o.enabled {
		o.logger.Warn().Msg("outbox is disabled, outgoing messages won't be sent")
		return nil
	}
	rows, err := o.store.UnsentOutbox(ctx)
	if err != nil {
		return fmt.Errorf("xmod: outbox read: %w", err)
	}
	if len(rows) == 0 {
		o.logger.Debug().Msg("no unsent messages found in outbox")
		return nil
	}
	o.logger.Debug().Str("count", fmt.Sprint(len(rows))).Msg("found unsent messages in outbox, sending")

	start := o.clock.Now()
	sent := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := o.decode(row)
		if err != nil {
			o.logger.Error().
				Err(err).
				Str("type", row.Type).
				Str("name", row.Name).
				Str("message_id", row.ID.String()).
				Msg("invalid message type in outbox")
			o.notify(Event{Type: OutboxSkipped, Module: o.module, Message: row.Name, MessageID: row.ID.String(), Err: err})
			continue
		}

		mc := MessageContext{
			MessageID: row.ID,
			Context: Context{
				RequestID:     uuid.New(),
				CorrelationID: row.CorrelationID,
				TraceID:       row.TraceID,
				Identity:      Identity{UserID: row.UserID},
			},
		}
		mctx := WithMessageContexts(WithContext(ctx, mc.Context))
		scope, _ := MessageContextsFrom(mctx)
		scope.Set(msg, mc)

		o.logger.Info().
			Str("name", row.Name).
			Str("message_id", row.ID.String()).
			Str("correlation_id", row.CorrelationID.String()).
			Msg("publishing a message from outbox")

		if o.useAsync {
			err = o.dispatcher.Publish(mctx, msg)
		} else {
			err = o.client.Publish(mctx, msg)
		}
		if err != nil {
			return fmt.Errorf("xmod: outbox publish %s (%s): %w", row.Name, row.ID, err)
		}
		sent = append(sent, row.ID)
	}
	if len(sent) == 0 {
		return nil
	}
	if err := o.store.MarkOutboxSent(ctx, storeTime(o.clock.Now()), sent...); err != nil {
		return fmt.Errorf("xmod: outbox mark sent: %w", err)
	}
	o.notify(Event{
		Type:     OutboxPublished,
		Module:   o.module,
		Count:    len(sent),
		Duration: o.clock.Now().Sub(start),
	})
	return nil
}

func (o *Outbox) decode(row OutboxMessage) (any, error) {
	t, ok := o.registry.TypeByName(row.Type)
	if !ok {
		return nil, fmt.Errorf("unknown message type '%s'", row.Type)
	}
	msg := reflect.New(t).Interface()
	if err := o.codec.Unmarshal(row.Data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Cleanup deletes sent rows created at or before to (now when nil).
func (o *Outbox) Cleanup(ctx context.Context, to *time.Time) error {
	if !o.enabled {
		o.logger.Warn().Msg("outbox is disabled, outgoing messages won't be cleaned up")
		return nil
	}
	dateTo := o.clock.Now().UTC()
	if to != nil {
		dateTo = to.UTC()
	}
	n, err := o.store.DeleteSentOutbox(ctx, dateTo)
	if err != nil {
		return fmt.Errorf("xmod: outbox cleanup: %w", err)
	}
	if n == 0 {
		o.logger.Debug().Str("to", dateTo.Format(time.RFC3339)).Msg("no sent messages found in outbox")
		return nil
	}
	o.logger.Info().
		Str("count", fmt.Sprint(n)).
		Str("to", dateTo.Format(time.RFC3339)).
		Msg("removed sent messages from outbox")
	o.notify(Event{Type: OutboxCleaned, Module: o.module, Count: n})
	return nil
}

// OutboxBroker routes messages to the outbox of their owning module.
type OutboxBroker struct {
	registry *ModuleRegistry
	outboxes *moduleTable[*Outbox]
}

// Enabled reports whether any outbox is registered.
func (b *OutboxBroker) Enabled() bool { return b.outboxes.len() > 0 }

// Send saves msgs to the outbox of the first message's module. One call carries
// messages of one module only.
func (b *OutboxBroker) Send(ctx context.Context, msgs ...any) error {
	if len(msgs) == 0 {
		return nil
	}
	module := b.registry.ModuleOf(msgs[0])
	ob, ok := b.outboxes.get(module)
	if !ok {
		return fmt.Errorf("%w for module: '%s'", ErrOutboxNotRegistered, module)
	}
	return ob.Save(ctx, msgs...)
}

// moduleTable is a per-module lookup (unit of work, inbox and outbox registries).
type moduleTable[T any] struct {
	mu sync.RWMutex
	m  map[string]T
}

func newModuleTable[T any]() *moduleTable[T] {
	return &moduleTable[T]{m: make(map[string]T)}
}

func (t *moduleTable[T]) set(module string, v T) {
	t.mu.Lock()
	t.m[strings.ToLower(module)] = v
	t.mu.Unlock()
}

func (t *moduleTable[T]) get(module string) (T, bool) {
	t.mu.RLock()
	v, ok := t.m[strings.ToLower(module)]
	t.mu.RUnlock()
	return v, ok
}

func (t *moduleTable[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

func (t *moduleTable[T]) values() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.m))
	for _, v := range t.m {
		out = append(out, v)
	}
	return out
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
