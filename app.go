package xmod

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

// App is the Facade over the modules of one process: it owns the routing tables,
// the handler dispatchers, the per-module outboxes and inboxes and their background
// processing.
type App struct {
	cfg       Config
	codec     Codec
	clock     Clock
	logger    *xlog.Logger
	registry  *ModuleRegistry
	contracts *ContractRegistry
	client    *ModuleClient

	dispatcher *AsyncDispatcher
	broker     *MessageBroker
	outboxes   *moduleTable[*Outbox]
	inboxes    *moduleTable[*Inbox]
	units      *moduleTable[UnitOfWork]
	stores     []Store
	modules    []string

	commands      CommandDispatcher
	events        EventDispatcher
	queries       QueryDispatcher
	eventHandlers map[reflect.Type]*eventHandlers

	middlewares  []Middleware
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *appMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// appMetrics uses lock-free atomics.
type appMetrics struct {
	handled         atomic.Uint64
	published       atomic.Uint64
	sent            atomic.Uint64
	outboxSaved     atomic.Uint64
	outboxPublished atomic.Uint64
	outboxSkipped   atomic.Uint64
	inboxProcessed  atomic.Uint64
	inboxDuplicates atomic.Uint64
	errors          atomic.Uint64
	processingNs    atomic.Int64
}

// Config returns the configuration the App was built with.
func (a *App) Config() Config { return a.cfg }

// Codec returns the configured codec (Strategy).
func (a *App) Codec() Codec { return a.codec }

// Registry returns the routing tables.
func (a *App) Registry() *ModuleRegistry { return a.registry }

// Client returns the inter-module client.
func (a *App) Client() *ModuleClient { return a.client }

// Broker returns the outgoing message broker.
func (a *App) Broker() *MessageBroker { return a.broker }

// Dispatcher returns the async dispatcher.
func (a *App) Dispatcher() *AsyncDispatcher { return a.dispatcher }

// Modules returns the loaded module names in load order.
func (a *App) Modules() []string { return append([]string(nil), a.modules...) }

// Outbox returns the outbox of module.
func (a *App) Outbox(module string) (*Outbox, bool) { return a.outboxes.get(module) }

// Inbox returns the inbox of module.
func (a *App) Inbox(module string) (*Inbox, bool) { return a.inboxes.get(module) }

// Commands returns the command dispatcher.
func (a *App) Commands() *CommandDispatcher { return &a.commands }

// Events returns the event dispatcher.
func (a *App) Events() *EventDispatcher { return &a.events }

// Queries returns the query dispatcher.
func (a *App) Queries() *QueryDispatcher { return &a.queries }

// Send dispatches a command to its handler.
func (a *App) Send(ctx context.Context, cmd any) error {
	if a.closed.Load() {
		return ErrAppClosed
	}
	return a.commands.Send(ctx, cmd)
}

// Publish dispatches an event to the local handlers of its type.
func (a *App) Publish(ctx context.Context, evt any) error {
	if a.closed.Load() {
		return ErrAppClosed
	}
	return a.events.Publish(ctx, evt)
}

// Query dispatches a query to its handler.
func (a *App) Query(ctx context.Context, q any) (any, error) {
	if a.closed.Load() {
		return nil, ErrAppClosed
	}
	return a.queries.Query(ctx, q)
}

// NewProcessor returns a Processor over every outbox and inbox of the App.
func (a *App) NewProcessor() *Processor {
	return &Processor{
		outboxes:        a.outboxes.values,
		inboxes:         a.inboxes.values,
		clock:           a.clock,
		logger:          a.logger,
		outboxInterval:  a.cfg.OutboxInterval,
		cleanupInterval: a.cfg.CleanupInterval,
		outboxRetention: a.cfg.OutboxRetention,
		inboxRetention:  a.cfg.InboxRetention,
	}
}

// Run drives background work until ctx is done: the async dispatcher loop and the
// outbox/inbox processor.
func (a *App) Run(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAppClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return a.NewProcessor().Run(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// prepare readies ctx for a handler: operation scope plus injected codec and logger.
func (a *App) prepare(ctx context.Context) context.Context {
	ctx, _ = ensureScope(ctx)
	ctx = injectCodec(ctx, a.codec)
	return injectLogger(ctx, a.logger)
}

// decorate builds the fixed handler pipeline for kind.
func (a *App) decorate(kind Kind, h Handler) Handler {
	mws := []Middleware{
		a.observe(kind),
		RecoveryMiddleware(),
		LoggingMiddleware(a.logger, kind, a.registry.ModuleOf),
		// inside logging: a handler left running after its deadline logs nothing
		TimeoutMiddleware(a.cfg.HandlerTimeout),
	}
	switch kind {
	case KindEvent:
		mws = append(mws, InboxMiddleware(a.resolveInbox))
	case KindCommand:
		mws = append(mws, TransactionMiddleware(a.resolveUnitOfWork))
	}
	mws = append(mws, a.middlewares...)
	return Chain(h, mws...)
}

func (a *App) resolveInbox(msg any) (*Inbox, bool) {
	return a.inboxes.get(a.registry.ModuleOf(msg))
}

func (a *App) resolveUnitOfWork(msg any) (UnitOfWork, bool) {
	return a.units.get(a.registry.ModuleOf(msg))
}

func (a *App) observe(kind Kind) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg any) (any, error) {
			start := a.clock.Now()
			res, err := next(ctx, msg)
			d := a.clock.Now().Sub(start)
			a.recordProcessingTime(d.Nanoseconds())
			a.emit(Event{
				Type:      Handled,
				Module:    a.registry.ModuleOf(msg),
				Message:   kind.String() + ":" + NameOf(msg),
				MessageID: MessageContextOf(ctx, msg).MessageID.String(),
				Duration:  d,
				Err:       err,
			})
			return res, err
		}
	}
}

// emit records e in the metrics and forwards it to observers.
func (a *App) emit(e Event) {
	m := a.metrics
	switch e.Type {
	case Handled:
		m.handled.Add(1)
	case PublishDone:
		m.published.Add(1)
	case SendDone:
		m.sent.Add(1)
	case OutboxSaved:
		m.outboxSaved.Add(uint64(e.Count))
	case OutboxPublished:
		m.outboxPublished.Add(uint64(e.Count))
	case OutboxSkipped:
		m.outboxSkipped.Add(1)
	case InboxProcessed:
		m.inboxProcessed.Add(1)
	case InboxDuplicate:
		m.inboxDuplicates.Add(1)
	}
	if e.Err != nil {
		m.errors.Add(1)
	}
	a.notifyAsync(e)
}

// GetMetrics returns current counters.
func (a *App) GetMetrics() Metrics {
	m := Metrics{
		Handled:             a.metrics.handled.Load(),
		Published:           a.metrics.published.Load(),
		Sent:                a.metrics.sent.Load(),
		OutboxSaved:         a.metrics.outboxSaved.Load(),
		OutboxPublished:     a.metrics.outboxPublished.Load(),
		OutboxSkipped:       a.metrics.outboxSkipped.Load(),
		InboxProcessed:      a.metrics.inboxProcessed.Load(),
		InboxDuplicates:     a.metrics.inboxDuplicates.Load(),
		Errors:              a.metrics.errors.Load(),
		AvgProcessingTimeMs: float64(a.metrics.processingNs.Load()) / 1e6,
	}
	if a.observerPool != nil {
		m.EventsDropped = a.observerPool.Stats().Dropped
	}
	return m
}

// Health reports "unhealthy" once closed, "degraded" when more than 5% of handled
// messages failed or the outbox skipped rows, "healthy" otherwise.
func (a *App) Health(ctx context.Context) HealthStatus {
	now := a.clock.Now()
	if a.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "app is closed"}
	}
	m := a.GetMetrics()
	status := HealthStatus{Status: "healthy", Metrics: m, Timestamp: now}
	if m.Handled > 0 && float64(m.Errors)/float64(m.Handled) > 0.05 {
		status.Status = "degraded"
		status.Message = "handler error rate above 5%"
	}
	if m.OutboxSkipped > 0 {
		status.Status = "degraded"
		status.Message = "outbox contains undeliverable messages"
	}
	return status
}

// Close stops background work, delivers what the async dispatcher still holds (bounded
// by ctx) and releases stores. Idempotent.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.dispatcher.Close()
		if n := a.dispatcher.Drain(ctx); n > 0 {
			a.logger.Info().Str("count", strconv.Itoa(n)).Msg("xmod: delivered queued messages on close")
		}

		if a.observerPool != nil {
			if err := a.observerPool.Close(5 * time.Second); err != nil {
				a.logger.Warn().Err(err).Msg("xmod: observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}
		for _, s := range a.stores {
			if err := s.Close(); err != nil {
				a.logger.Error().Err(err).Msg("xmod: store close failed")
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// AddObserver registers an observer (thread-safe).
func (a *App) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	a.observersMu.Lock()
	a.observers = append(a.observers, obs)
	a.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (a *App) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	a.observersMu.Lock()
	defer a.observersMu.Unlock()
	for i, o := range a.observers {
		if o == obs {
			a.observers = append(a.observers[:i], a.observers[i+1:]...)
			return
		}
	}
}

func (a *App) notifyAsync(e Event) {
	if a.observerPool == nil || a.closed.Load() {
		return
	}
	a.observersMu.RLock()
	if len(a.observers) == 0 {
		a.observersMu.RUnlock()
		return
	}
	obs := append([]Observer(nil), a.observers...)
	a.observersMu.RUnlock()
	a.observerPool.Notify(e, obs)
}

// recordProcessingTime keeps an exponential moving average of handler time.
func (a *App) recordProcessingTime(ns int64) {
	const alpha = 0.2
	cur := a.metrics.processingNs.Load()
	if cur == 0 {
		a.metrics.processingNs.Store(ns)
		return
	}
	a.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(cur)*(1-alpha)))
}
