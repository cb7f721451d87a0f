package xmod_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
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

type PlaceOrder struct {
	OrderID uuid.UUID `json:"order_id"`
	Amount  int       `json:"amount"`
	Fail    bool      `json:"fail"`
}

type GetOrder struct {
	OrderID uuid.UUID `json:"order_id"`
}

type OrderView struct {
	OrderID uuid.UUID `json:"order_id"`
	Amount  int       `json:"amount"`
}

var errPlaceOrder = errors.New("place order failed")

const pathGetOrder = "orders/get"

// ordersModule owns orders and emits OrderPlaced through its outbox.
type ordersModule struct {
	store *memory.Store

	mu    sync.Mutex
	local []uuid.UUID
}

func (m *ordersModule) Name() string { return "orders" }

func (m *ordersModule) Register(r *xmod.Registrar) error {
	r.UseStore(m.store)
	if err := r.Expose(xmod.KindEvent, OrderPlaced{}); err != nil {
		return err
	}
	if err := xmod.HandleCommand(r, func(ctx context.Context, cmd *PlaceOrder) error {
		if err := r.Broker().Publish(ctx, &OrderPlaced{OrderID: cmd.OrderID, Amount: cmd.Amount}); err != nil {
			return err
		}
		if cmd.Fail {
			return errPlaceOrder
		}
		return nil
	}); err != nil {
		return err
	}
	if err := xmod.HandleEvent(r, func(ctx context.Context, evt *OrderPlaced) error {
		m.mu.Lock()
		m.local = append(m.local, evt.OrderID)
		m.mu.Unlock()
		return nil
	}); err != nil {
		return err
	}
	if err := xmod.HandleQuery(r, func(ctx context.Context, q *GetOrder) (*OrderView, error) {
		return &OrderView{OrderID: q.OrderID, Amount: 42}, nil
	}); err != nil {
		return err
	}
	return xmod.HandleRequest(r, pathGetOrder, func(ctx context.Context, q *GetOrder) (*OrderView, error) {
		return &OrderView{OrderID: q.OrderID, Amount: 42}, nil
	})
}

// billingModule receives OrderPlaced through its own contract type.
type billingModule struct {
	store *memory.Store
	// failures makes the first n deliveries fail
	failures int

	mu       sync.Mutex
	amounts  []int
	contexts []xmod.MessageContext
	views    []int
}

func (m *billingModule) Name() string { return "billing" }

func (m *billingModule) Register(r *xmod.Registrar) error {
	type OrderPlaced struct {
		OrderID uuid.UUID `json:"order_id"`
		Amount  int       `json:"amount"`
	}
	type GetOrder struct {
		OrderID uuid.UUID `json:"order_id"`
	}
	type OrderView struct {
		Amount int `json:"amount"`
	}

	r.UseStore(m.store)
	if err := r.Contracts().Register(xmod.NewContract[OrderPlaced]().From("orders")); err != nil {
		return err
	}
	if err := r.Contracts().RegisterPathWith(pathGetOrder,
		xmod.NewContract[GetOrder]().From("orders"),
		xmod.NewContract[OrderView]().From("orders"),
	); err != nil {
		return err
	}
	client := r.Client()
	return xmod.HandleEvent(r, func(ctx context.Context, evt *OrderPlaced) error {
		m.mu.Lock()
		if m.failures > 0 {
			m.failures--
			m.mu.Unlock()
			return assert.AnError
		}
		m.mu.Unlock()

		view, err := xmod.SendFor[OrderView](ctx, client, pathGetOrder, &GetOrder{OrderID: evt.OrderID})
		if err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		m.amounts = append(m.amounts, evt.Amount)
		m.contexts = append(m.contexts, xmod.MessageContextOf(ctx, evt))
		m.views = append(m.views, view.Amount)
		return nil
	})
}

func (m *billingModule) received() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.amounts...)
}

type appFixture struct {
	app     *xmod.App
	clock   *fakeClock
	orders  *ordersModule
	billing *billingModule
}

func newAppFixture(t *testing.T, configure func(b *xmod.AppBuilder)) *appFixture {
	t.Helper()
	f := &appFixture{
		clock:   newFakeClock(),
		orders:  &ordersModule{store: memory.NewStore(memory.Config{Module: "orders"})},
		billing: &billingModule{store: memory.NewStore(memory.Config{Module: "billing"})},
	}
	b := xmod.NewAppBuilder().
		WithLogger(quietLogger()).
		WithClock(f.clock).
		WithModules(f.orders, f.billing)
	if configure != nil {
		configure(b)
	}
	app, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	f.app = app
	return f
}

// TestApp_Build tests module loading and registration.
func TestApp_Build(t *testing.T) {
	f := newAppFixture(t, nil)
	assert.Equal(t, []string{"billing", "orders"}, f.app.Modules())
	assert.True(t, f.app.Registry().Sealed())
	assert.Equal(t, []string{pathGetOrder}, f.app.Registry().Paths())
	assert.Equal(t, "json", f.app.Codec().Name())

	ob, ok := f.app.Outbox("orders")
	require.True(t, ok)
	assert.True(t, ob.Enabled())
	_, ok = f.app.Inbox("billing")
	assert.True(t, ok)
	_, ok = f.app.Outbox("shipping")
	assert.False(t, ok)
}

// TestApp_OutboxRoundTrip tests a command staging an event that another module receives once.
func TestApp_OutboxRoundTrip(t *testing.T) {
	f := newAppFixture(t, nil)
	ctx := context.Background()
	orderID := uuid.New()

	require.NoError(t, f.app.Send(ctx, &PlaceOrder{OrderID: orderID, Amount: 25}))
	rows := f.orders.store.Outbox()
	require.Len(t, rows, 1)
	assert.Empty(t, f.billing.received())

	require.NoError(t, f.app.NewProcessor().PublishOnce(ctx))
	assert.Equal(t, []int{25}, f.billing.received())
	assert.Equal(t, []int{42}, f.billing.views)
	require.Len(t, f.billing.contexts, 1)
	assert.Equal(t, rows[0].ID, f.billing.contexts[0].MessageID)
	assert.Equal(t, rows[0].CorrelationID, f.billing.contexts[0].Context.CorrelationID)

	inboxRow, ok := f.billing.store.Inbox(rows[0].ID)
	require.True(t, ok)
	assert.NotNil(t, inboxRow.ProcessedAt)
	assert.NotNil(t, f.orders.store.Outbox()[0].SentAt)

	require.NoError(t, f.app.NewProcessor().PublishOnce(ctx))
	assert.Len(t, f.billing.received(), 1)
	assert.Empty(t, f.orders.local)

	m := f.app.GetMetrics()
	assert.Equal(t, uint64(1), m.OutboxSaved)
	assert.Equal(t, uint64(1), m.OutboxPublished)
	assert.Equal(t, uint64(1), m.InboxProcessed)
	assert.Equal(t, uint64(1), m.Sent)
	assert.Equal(t, uint64(0), m.Errors)
	assert.Equal(t, "healthy", f.app.Health(ctx).Status)
}

// TestApp_Redelivery tests that the receiving inbox drops a redelivered message.
func TestApp_Redelivery(t *testing.T) {
	f := newAppFixture(t, nil)
	ctx := xmod.WithMessageContexts(context.Background())
	msg := &OrderPlaced{OrderID: uuid.New(), Amount: 5}

	require.NoError(t, f.app.Client().Publish(ctx, msg))
	require.NoError(t, f.app.Client().Publish(ctx, msg))
	assert.Equal(t, []int{5}, f.billing.received())
	assert.Equal(t, uint64(1), f.app.GetMetrics().InboxDuplicates)
}

// TestApp_EventFailureRetries tests that a failed event stays unprocessed until a retry succeeds.
func TestApp_EventFailureRetries(t *testing.T) {
	f := newAppFixture(t, nil)
	f.billing.failures = 1
	ctx := xmod.WithMessageContexts(context.Background())
	msg := &OrderPlaced{OrderID: uuid.New(), Amount: 13}
	mc := xmod.MessageContextOf(ctx, msg)

	require.ErrorIs(t, f.app.Client().Publish(ctx, msg), assert.AnError)
	row, ok := f.billing.store.Inbox(mc.MessageID)
	require.True(t, ok)
	assert.Nil(t, row.ProcessedAt)

	require.NoError(t, f.app.Client().Publish(ctx, msg))
	row, _ = f.billing.store.Inbox(mc.MessageID)
	assert.NotNil(t, row.ProcessedAt)
	assert.Equal(t, []int{13}, f.billing.received())
}

type AuditRecorded struct {
	Entry string `json:"entry"`
}

// TestApp_EventHandlersShareInbox tests that the handlers of one event in a module commit together.
func TestApp_EventHandlersShareInbox(t *testing.T) {
	store := memory.NewStore(memory.Config{Module: "audit"})
	var calls []string
	fail := true
	audit := xmod.ModuleFunc("audit", func(r *xmod.Registrar) error {
		r.UseStore(store)
		if err := xmod.HandleEvent(r, func(ctx context.Context, evt *AuditRecorded) error {
			calls = append(calls, "first")
			return nil
		}); err != nil {
			return err
		}
		return xmod.HandleEvent(r, func(ctx context.Context, evt *AuditRecorded) error {
			calls = append(calls, "second")
			if fail {
				fail = false
				return assert.AnError
			}
			return nil
		})
	})
	app, err := xmod.NewAppBuilder().WithLogger(quietLogger()).WithModules(audit).Build()
	require.NoError(t, err)
	defer app.Close(context.Background())

	ctx := xmod.WithMessageContexts(context.Background())
	evt := &AuditRecorded{Entry: "login"}
	id := xmod.MessageContextOf(ctx, evt).MessageID

	require.ErrorIs(t, app.Publish(ctx, evt), assert.AnError)
	row, ok := store.Inbox(id)
	require.True(t, ok)
	assert.Nil(t, row.ProcessedAt)

	require.NoError(t, app.Publish(ctx, evt))
	require.NoError(t, app.Publish(ctx, evt))
	assert.Equal(t, []string{"first", "second", "first", "second"}, calls)
	row, _ = store.Inbox(id)
	assert.NotNil(t, row.ProcessedAt)
	assert.Equal(t, 1, store.InboxLen())
}

// TestApp_CommandFailureRollsBack tests that a failing command discards its staged messages.
func TestApp_CommandFailureRollsBack(t *testing.T) {
	f := newAppFixture(t, nil)

	err := f.app.Send(context.Background(), &PlaceOrder{OrderID: uuid.New(), Fail: true})
	require.ErrorIs(t, err, errPlaceOrder)
	assert.Empty(t, f.orders.store.Outbox())

	_, rollbacks := f.orders.store.Stats()
	assert.Equal(t, uint64(1), rollbacks)
	assert.Equal(t, uint64(1), f.app.GetMetrics().Errors)
	assert.Equal(t, "degraded", f.app.Health(context.Background()).Status)
}

// TestApp_Dispatchers tests local commands, events and queries.
func TestApp_Dispatchers(t *testing.T) {
	f := newAppFixture(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, f.app.Send(ctx, &OrderView{}), xmod.ErrHandlerNotFound)
	require.ErrorIs(t, f.app.Send(ctx, PlaceOrder{}), xmod.ErrInvalidMessage)
	require.NoError(t, f.app.Publish(ctx, &OrderView{}))

	orderID := uuid.New()
	require.NoError(t, f.app.Publish(ctx, &OrderPlaced{OrderID: orderID}))
	assert.Equal(t, []uuid.UUID{orderID}, f.orders.local)

	res, err := f.app.Query(ctx, &GetOrder{OrderID: orderID})
	require.NoError(t, err)
	assert.Equal(t, &OrderView{OrderID: orderID, Amount: 42}, res)

	view, err := xmod.QueryFor[*OrderView](ctx, f.app.Queries(), &GetOrder{OrderID: orderID})
	require.NoError(t, err)
	assert.Equal(t, 42, view.Amount)

	_, err = xmod.QueryFor[string](ctx, f.app.Queries(), &GetOrder{})
	assert.Error(t, err)
	_, err = f.app.Query(ctx, &OrderPlaced{})
	assert.ErrorIs(t, err, xmod.ErrHandlerNotFound)
}

// TestApp_WithoutOutbox tests that the broker dispatches right away when the outbox is off.
func TestApp_WithoutOutbox(t *testing.T) {
	f := newAppFixture(t, func(b *xmod.AppBuilder) {
		cfg := xmod.Defaults()
		cfg.OutboxEnabled = false
		b.WithConfig(cfg)
	})

	require.NoError(t, f.app.Send(context.Background(), &PlaceOrder{OrderID: uuid.New(), Amount: 3}))
	assert.Empty(t, f.orders.store.Outbox())
	assert.Equal(t, []int{3}, f.billing.received())
}

// TestApp_DisabledModule tests that disabled modules are not loaded.
func TestApp_DisabledModule(t *testing.T) {
	f := &appFixture{orders: &ordersModule{store: memory.NewStore(memory.Config{Module: "orders"})}}
	cfg := xmod.Defaults()
	cfg.DisabledModules = []string{"Billing"}

	app, err := xmod.NewAppBuilder().
		WithConfig(cfg).
		WithLogger(quietLogger()).
		WithModules(f.orders, &billingModule{store: memory.NewStore(memory.Config{Module: "billing"})}).
		Build()
	require.NoError(t, err)
	defer app.Close(context.Background())

	assert.Equal(t, []string{"orders"}, app.Modules())
	_, ok := app.Inbox("billing")
	assert.False(t, ok)
}

// TestApp_BuildErrors tests registration and contract failures.
func TestApp_BuildErrors(t *testing.T) {
	t.Run("duplicate command handler", func(t *testing.T) {
		_, err := xmod.NewAppBuilder().
			WithLogger(quietLogger()).
			WithModules(xmod.ModuleFunc("orders", func(r *xmod.Registrar) error {
				h := func(ctx context.Context, cmd *PlaceOrder) error { return nil }
				if err := xmod.HandleCommand(r, h); err != nil {
					return err
				}
				return xmod.HandleCommand(r, h)
			})).
			Build()
		assert.ErrorIs(t, err, xmod.ErrDuplicateHandler)
	})

	t.Run("broken contract", func(t *testing.T) {
		type OrderPlaced struct{ Currency string }
		_, err := xmod.NewAppBuilder().
			WithLogger(quietLogger()).
			WithModules(
				&ordersModule{store: memory.NewStore(memory.Config{Module: "orders"})},
				xmod.ModuleFunc("shipping", func(r *xmod.Registrar) error {
					return r.Contracts().Register(xmod.NewContract[OrderPlaced]().From("orders"))
				}),
			).
			Build()
		require.ErrorIs(t, err, xmod.ErrContract)
		assert.Equal(t, "contract", xmod.ErrorCode(err))
	})

	t.Run("unserved path", func(t *testing.T) {
		_, err := xmod.NewAppBuilder().
			WithLogger(quietLogger()).
			WithModules(xmod.ModuleFunc("shipping", func(r *xmod.Registrar) error {
				return r.Contracts().RegisterPath("orders/list")
			})).
			Build()
		assert.ErrorIs(t, err, xmod.ErrContract)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := xmod.Defaults()
		cfg.Codec = "xml"
		_, err := xmod.NewAppBuilder().WithConfig(cfg).Build()
		var unknown xmod.ErrUnknownCodec
		assert.True(t, errors.As(err, &unknown))
	})

	t.Run("unknown store", func(t *testing.T) {
		_, err := xmod.NewAppBuilder().
			WithLogger(quietLogger()).
			WithStore("mongo", "").
			WithModules(xmod.ModuleFunc("orders", func(r *xmod.Registrar) error {
				_, err := r.Store()
				return err
			})).
			Build()
		var unknown xmod.ErrUnknownStore
		assert.True(t, errors.As(err, &unknown))
	})
}

// TestApp_Processor tests outbox skipping and retention cleanup.
func TestApp_Processor(t *testing.T) {
	f := newAppFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.app.Send(ctx, &PlaceOrder{OrderID: uuid.New(), Amount: 1}))
	require.NoError(t, f.orders.store.AddOutbox(ctx, xmod.OutboxMessage{
		ID:        uuid.New(),
		Name:      "gone",
		Type:      "github.com/acme/gone.Gone",
		CreatedAt: f.clock.Now(),
	}))

	p := f.app.NewProcessor()
	require.NoError(t, p.PublishOnce(ctx))
	assert.Equal(t, uint64(1), f.app.GetMetrics().OutboxSkipped)
	assert.Equal(t, "degraded", f.app.Health(ctx).Status)

	f.clock.Advance(f.app.Config().OutboxRetention + time.Minute)
	require.NoError(t, p.CleanupOnce(ctx))
	assert.Len(t, f.orders.store.Outbox(), 1)
	assert.Equal(t, 0, f.billing.store.InboxLen())
}

// TestApp_RunAndClose tests background processing and shutdown.
func TestApp_RunAndClose(t *testing.T) {
	f := newAppFixture(t, func(b *xmod.AppBuilder) {
		cfg := xmod.Defaults()
		cfg.OutboxInterval = 10 * time.Millisecond
		b.WithConfig(cfg)
	})
	require.NoError(t, f.app.Send(context.Background(), &PlaceOrder{OrderID: uuid.New(), Amount: 8}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.billing.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	require.NoError(t, f.app.Close(context.Background()))
	require.NoError(t, f.app.Close(context.Background()))
	assert.ErrorIs(t, f.app.Send(context.Background(), &PlaceOrder{}), xmod.ErrAppClosed)
	assert.ErrorIs(t, f.app.Publish(context.Background(), &OrderPlaced{}), xmod.ErrAppClosed)
	_, err := f.app.Query(context.Background(), &GetOrder{})
	assert.ErrorIs(t, err, xmod.ErrAppClosed)
	assert.ErrorIs(t, f.app.Run(context.Background()), xmod.ErrAppClosed)
	assert.Equal(t, "unhealthy", f.app.Health(context.Background()).Status)
}

// TestApp_CloseDeliversQueued tests that Close delivers what the async dispatcher still holds.
func TestApp_CloseDeliversQueued(t *testing.T) {
	f := newAppFixture(t, nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, f.app.Dispatcher().Publish(ctx, &OrderPlaced{OrderID: uuid.New(), Amount: i}))
	}
	assert.Empty(t, f.billing.received())

	require.NoError(t, f.app.Close(ctx))
	assert.ElementsMatch(t, []int{1, 2, 3}, f.billing.received())
	assert.Equal(t, 0, f.app.Dispatcher().Len())
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

type ArchiveOrder struct {
	OrderID uuid.UUID `json:"order_id"`
}

// TestApp_TimedOutHandlerLogsNothingMore tests that a handler running past its deadline leaves no "handled" log.
func TestApp_TimedOutHandlerLogsNothingMore(t *testing.T) {
	logs := &logBuffer{}
	logger := zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelDebug,
		Console:           false,
		ConsoleTimeFormat: time.RFC3339Nano,
		Writer:            logs,
	})
	release, finished := make(chan struct{}), make(chan struct{})
	archive := xmod.ModuleFunc("archive", func(r *xmod.Registrar) error {
		return xmod.HandleCommand(r, func(ctx context.Context, cmd *ArchiveOrder) error {
			defer close(finished)
			<-release
			return nil
		})
	})
	cfg := xmod.Defaults()
	cfg.HandlerTimeout = 20 * time.Millisecond
	app, err := xmod.NewAppBuilder().WithConfig(cfg).WithLogger(logger).WithModules(archive).Build()
	require.NoError(t, err)
	defer app.Close(context.Background())

	err = app.Send(context.Background(), &ArchiveOrder{OrderID: uuid.New()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, logs.contains("handling a command"))

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
	assert.Never(t, func() bool { return logs.contains("handled a command") }, 100*time.Millisecond, 10*time.Millisecond)
}

// TestApp_Observers tests that observers receive lifecycle events.
func TestApp_Observers(t *testing.T) {
	events := make(chan xmod.Event, 64)
	obs := xmod.ObserverFunc(func(e xmod.Event) { events <- e })
	f := newAppFixture(t, func(b *xmod.AppBuilder) {
		b.WithObserver(obs).WithObserverPool(1, 64)
	})

	require.NoError(t, f.app.Send(context.Background(), &PlaceOrder{OrderID: uuid.New()}))
	select {
	case e := <-events:
		assert.Equal(t, xmod.OutboxSaved, e.Type)
		assert.Equal(t, "orders", e.Module)
	case <-time.After(2 * time.Second):
		t.Fatal("no event observed")
	}
}

// TestApp_Middleware tests that custom middlewares wrap business handlers.
func TestApp_Middleware(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	mw := func(next xmod.Handler) xmod.Handler {
		return func(ctx context.Context, msg any) (any, error) {
			mu.Lock()
			seen = append(seen, xmod.NameOf(msg))
			mu.Unlock()
			return next(ctx, msg)
		}
	}
	f := newAppFixture(t, func(b *xmod.AppBuilder) { b.WithMiddleware(mw) })

	require.NoError(t, f.app.Send(context.Background(), &PlaceOrder{OrderID: uuid.New()}))
	_, err := f.app.Query(context.Background(), &GetOrder{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"place_order", "get_order"}, seen)
}

// TestFacade tests the package-level helpers over the default App.
func TestFacade(t *testing.T) {
	f := newAppFixture(t, nil)
	xmod.SetDefault(f.app)
	assert.Same(t, f.app, xmod.Default())

	require.NoError(t, xmod.Send(context.Background(), &PlaceOrder{OrderID: uuid.New()}))
	require.NoError(t, xmod.Publish(context.Background(), &OrderPlaced{}))
	res, err := xmod.Query(context.Background(), &GetOrder{})
	require.NoError(t, err)
	assert.IsType(t, &OrderView{}, res)

	assert.Panics(t, func() { xmod.SetDefault(nil) })
}

// TestNew tests the convenience constructor.
func TestNew(t *testing.T) {
	app, closeFn, err := xmod.New(func(b *xmod.AppBuilder) {
		b.WithLogger(quietLogger()).WithCodecInstance(xmod.MsgpackCodec{})
	})
	require.NoError(t, err)
	assert.Empty(t, app.Modules())
	assert.Equal(t, "msgpack", app.Codec().Name())
	require.NoError(t, closeFn())
}
