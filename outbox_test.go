package xmod_test

import (
	"context"
	"encoding/json"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"github.com/trickstertwo/xmod"
	"github.com/trickstertwo/xmod/adapter/memory"
)

func quietLogger() *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelDebug,
		Console:           false,
		ConsoleTimeFormat: time.RFC3339Nano,
		Writer:            io.Discard,
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// OrderPlaced is owned by module "orders".
type OrderPlaced struct {
	OrderID uuid.UUID `json:"order_id"`
	Amount  int       `json:"amount"`
}

func billingOrderPlaced() reflect.Type {
	type OrderPlaced struct {
		Amount int `json:"amount"`
	}
	return reflect.TypeOf(OrderPlaced{})
}

type delivery struct {
	amount int
	mc     xmod.MessageContext
}

type outboxFixture struct {
	store    *memory.Store
	registry *xmod.ModuleRegistry
	client   *xmod.ModuleClient
	clock    *fakeClock
	outbox   *xmod.Outbox
	fail     func(amount int) error

	mu         sync.Mutex
	deliveries []delivery
}

func newOutboxFixture(t *testing.T) *outboxFixture {
	t.Helper()
	f := &outboxFixture{
		store:    memory.NewStore(memory.Config{Module: "orders"}),
		registry: xmod.NewModuleRegistry(),
		clock:    newFakeClock(),
	}
	require.NoError(t, f.registry.AddType("orders", xmod.KindEvent, reflect.TypeOf(OrderPlaced{})))
	require.NoError(t, f.registry.AddBroadcastAction(xmod.BroadcastRegistration{
		Module:       "billing",
		ReceiverType: billingOrderPlaced(),
		Action:       f.receive,
	}))
	f.client = xmod.NewModuleClient(f.registry, nil, quietLogger())
	f.outbox = f.newOutbox(xmod.OutboxConfig{})
	return f
}

func (f *outboxFixture) newOutbox(cfg xmod.OutboxConfig) *xmod.Outbox {
	cfg.Module = "orders"
	cfg.Store = f.store
	cfg.Registry = f.registry
	cfg.Client = f.client
	cfg.Clock = f.clock
	cfg.Logger = quietLogger()
	return xmod.NewOutbox(cfg)
}

func (f *outboxFixture) receive(ctx context.Context, message any) error {
	amount := int(reflect.ValueOf(message).Elem().FieldByName("Amount").Int())
	if f.fail != nil {
		if err := f.fail(amount); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{amount: amount, mc: xmod.MessageContextOf(ctx, message)})
	return nil
}

func (f *outboxFixture) delivered() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.deliveries...)
}

func userContext(trace string) (context.Context, xmod.Context) {
	user := uuid.New()
	c := xmod.NewContext(context.Background())
	c.TraceID = trace
	c.Identity.UserID = &user
	return xmod.WithMessageContexts(xmod.WithContext(context.Background(), c)), c
}

// TestOutbox_Save tests the stored row and its message context.
func TestOutbox_Save(t *testing.T) {
	f := newOutboxFixture(t)
	ctx, c := userContext("trace-1")

	msg := &OrderPlaced{OrderID: uuid.New(), Amount: 10}
	mc := xmod.MessageContextOf(ctx, msg)
	require.NoError(t, f.outbox.Save(ctx, msg, nil))

	rows := f.store.Outbox()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, mc.MessageID, row.ID)
	assert.Equal(t, "order_placed", row.Name)
	assert.Equal(t, "github.com/trickstertwo/xmod_test.OrderPlaced", row.Type)
	assert.True(t, f.clock.Now().Equal(row.CreatedAt))
	assert.Nil(t, row.SentAt)
	assert.Equal(t, c.CorrelationID, row.CorrelationID)
	assert.Equal(t, "trace-1", row.TraceID)
	assert.Equal(t, c.Identity.UserID, row.UserID)

	var decoded OrderPlaced
	require.NoError(t, json.Unmarshal(row.Data, &decoded))
	assert.Equal(t, *msg, decoded)
}

// TestOutbox_SaveNothing tests that empty input and a disabled outbox store nothing.
func TestOutbox_SaveNothing(t *testing.T) {
	f := newOutboxFixture(t)
	require.NoError(t, f.outbox.Save(context.Background()))
	require.NoError(t, f.outbox.Save(context.Background(), nil, (*OrderPlaced)(nil)))
	assert.Empty(t, f.store.Outbox())

	disabled := f.newOutbox(xmod.OutboxConfig{Disabled: true})
	assert.False(t, disabled.Enabled())
	assert.Equal(t, "orders", disabled.Module())
	require.NoError(t, disabled.Save(context.Background(), &OrderPlaced{}))
	require.NoError(t, disabled.PublishUnsent(context.Background()))
	require.NoError(t, disabled.Cleanup(context.Background(), nil))
	assert.Empty(t, f.store.Outbox())
}

// TestOutbox_SaveAtomic tests that a failing batch stores none of its rows.
func TestOutbox_SaveAtomic(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := xmod.WithMessageContexts(context.Background())

	first := &OrderPlaced{Amount: 1}
	require.NoError(t, f.outbox.Save(ctx, first))

	scope, ok := xmod.MessageContextsFrom(ctx)
	require.True(t, ok)
	second, dup := &OrderPlaced{Amount: 2}, &OrderPlaced{Amount: 3}
	scope.Set(dup, xmod.MessageContextOf(ctx, first))

	err := f.outbox.Save(ctx, second, dup)
	require.ErrorIs(t, err, memory.ErrDuplicate)
	assert.Len(t, f.store.Outbox(), 1)
}

type OrderShipped struct {
	OrderID uuid.UUID `json:"order_id"`
}

// TestOutbox_SaveUnknownType tests that types missing from the catalog are rejected before any row is written.
func TestOutbox_SaveUnknownType(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := xmod.WithMessageContexts(context.Background())

	err := f.outbox.Save(ctx, &OrderPlaced{Amount: 1}, &OrderShipped{OrderID: uuid.New()})
	require.ErrorIs(t, err, xmod.ErrInvalidMessage)
	assert.Contains(t, err.Error(), "github.com/trickstertwo/xmod_test.OrderShipped not exposed by module 'orders'")
	assert.Empty(t, f.store.Outbox())
}

// TestOutbox_SaveJoinsUnitOfWork tests that rows roll back with the caller's unit of work.
func TestOutbox_SaveJoinsUnitOfWork(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := xmod.WithMessageContexts(context.Background())

	err := f.store.Execute(ctx, func(ctx context.Context) error {
		require.NoError(t, f.outbox.Save(ctx, &OrderPlaced{Amount: 1}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.store.Outbox())

	require.NoError(t, f.store.Execute(ctx, func(ctx context.Context) error {
		return f.outbox.Save(ctx, &OrderPlaced{Amount: 2})
	}))
	assert.Len(t, f.store.Outbox(), 1)
}

// TestOutbox_PublishUnsent tests replay with rehydrated context and skipping of unknown types.
func TestOutbox_PublishUnsent(t *testing.T) {
	f := newOutboxFixture(t)
	ctx, c := userContext("trace-2")

	msg := &OrderPlaced{Amount: 7}
	mc := xmod.MessageContextOf(ctx, msg)
	require.NoError(t, f.outbox.Save(ctx, msg))
	require.NoError(t, f.store.AddOutbox(context.Background(), xmod.OutboxMessage{
		ID:        uuid.New(),
		Name:      "gone",
		Type:      "github.com/acme/gone.Gone",
		Data:      []byte(`{}`),
		CreatedAt: f.clock.Now(),
	}))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.outbox.PublishUnsent(context.Background()))

	got := f.delivered()
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].amount)
	assert.Equal(t, mc.MessageID, got[0].mc.MessageID)
	assert.Equal(t, c.CorrelationID, got[0].mc.Context.CorrelationID)
	assert.Equal(t, "trace-2", got[0].mc.Context.TraceID)
	assert.Equal(t, c.Identity.UserID, got[0].mc.Context.Identity.UserID)
	assert.NotEqual(t, c.RequestID, got[0].mc.Context.RequestID)

	rows := f.store.Outbox()
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].SentAt)
	assert.True(t, f.clock.Now().Equal(*rows[0].SentAt))
	assert.Nil(t, rows[1].SentAt)

	require.NoError(t, f.outbox.PublishUnsent(context.Background()))
	assert.Len(t, f.delivered(), 1)
}

// TestOutbox_PublishUnsentFailure tests that a failed cycle marks nothing as sent.
func TestOutbox_PublishUnsentFailure(t *testing.T) {
	f := newOutboxFixture(t)
	f.fail = func(amount int) error {
		if amount == 2 {
			return assert.AnError
		}
		return nil
	}
	ctx := xmod.WithMessageContexts(context.Background())
	require.NoError(t, f.outbox.Save(ctx, &OrderPlaced{Amount: 1}, &OrderPlaced{Amount: 2}))

	require.ErrorIs(t, f.outbox.PublishUnsent(context.Background()), assert.AnError)
	for _, row := range f.store.Outbox() {
		assert.Nil(t, row.SentAt)
	}

	f.fail = nil
	require.NoError(t, f.outbox.PublishUnsent(context.Background()))
	for _, row := range f.store.Outbox() {
		assert.NotNil(t, row.SentAt)
	}
	// at-least-once: the first row was delivered by both cycles
	assert.Len(t, f.delivered(), 3)
}

// TestOutbox_Cleanup tests that only sent rows created at or before the boundary are removed.
func TestOutbox_Cleanup(t *testing.T) {
	f := newOutboxFixture(t)
	t0 := f.clock.Now()

	require.NoError(t, f.outbox.Save(xmod.WithMessageContexts(context.Background()), &OrderPlaced{Amount: 1}))
	f.clock.Advance(time.Second)
	require.NoError(t, f.outbox.Save(xmod.WithMessageContexts(context.Background()), &OrderPlaced{Amount: 2}))
	require.NoError(t, f.outbox.PublishUnsent(context.Background()))
	require.NoError(t, f.outbox.Save(xmod.WithMessageContexts(context.Background()), &OrderPlaced{Amount: 3}))

	require.NoError(t, f.outbox.Cleanup(context.Background(), &t0))
	assert.Len(t, f.store.Outbox(), 2)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.outbox.Cleanup(context.Background(), nil))
	rows := f.store.Outbox()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].SentAt)
}

// TestOutbox_AsyncDispatcher tests replay through the AsyncDispatcher.
func TestOutbox_AsyncDispatcher(t *testing.T) {
	f := newOutboxFixture(t)
	d := xmod.NewAsyncDispatcher(f.client, 8, quietLogger())
	ob := f.newOutbox(xmod.OutboxConfig{Dispatcher: d, UseAsyncDispatcher: true})

	ctx := xmod.WithMessageContexts(context.Background())
	msg := &OrderPlaced{Amount: 4}
	mc := xmod.MessageContextOf(ctx, msg)
	require.NoError(t, ob.Save(ctx, msg))
	require.NoError(t, ob.PublishUnsent(context.Background()))

	assert.Equal(t, 1, d.Len())
	assert.Empty(t, f.delivered())
	assert.NotNil(t, f.store.Outbox()[0].SentAt)

	d.Close()
	require.NoError(t, d.Run(context.Background()))
	got := f.delivered()
	require.Len(t, got, 1)
	assert.Equal(t, mc.MessageID, got[0].mc.MessageID)
}
