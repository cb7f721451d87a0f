package xmod

import (
	"context"
	"fmt"
	"reflect"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// AppBuilder constructs App instances (Builder pattern).
type AppBuilder struct {
	cfg       Config
	codecInst Codec
	clock     Clock
	logger    *xlog.Logger

	middlewares []Middleware
	observers   []Observer
	modules     []Module

	observerPoolWorkers int
	observerPoolBuffer  int
}

// NewAppBuilder returns a builder over Defaults().
func NewAppBuilder() *AppBuilder {
	return &AppBuilder{cfg: Defaults()}
}

// WithConfig replaces the whole configuration.
func (ab *AppBuilder) WithConfig(cfg Config) *AppBuilder {
	ab.cfg = cfg
	return ab
}

// WithCodec selects a registered codec by name.
func (ab *AppBuilder) WithCodec(name string) *AppBuilder {
	ab.cfg.Codec = name
	return ab
}

// WithCodecInstance accepts a ready Codec instance.
func (ab *AppBuilder) WithCodecInstance(c Codec) *AppBuilder {
	ab.codecInst = c
	return ab
}

// WithStore selects the store adapter opened by Registrar.Store.
func (ab *AppBuilder) WithStore(name, dsn string) *AppBuilder {
	ab.cfg.Store = name
	ab.cfg.StoreDSN = dsn
	return ab
}

func (ab *AppBuilder) WithClock(c Clock) *AppBuilder {
	ab.clock = c
	return ab
}

func (ab *AppBuilder) WithLogger(l *xlog.Logger) *AppBuilder {
	ab.logger = l
	return ab
}

// WithMiddleware adds middlewares applied innermost, around every business handler.
func (ab *AppBuilder) WithMiddleware(mw ...Middleware) *AppBuilder {
	ab.middlewares = append(ab.middlewares, mw...)
	return ab
}

func (ab *AppBuilder) WithObserver(obs ...Observer) *AppBuilder {
	for _, o := range obs {
		if o != nil {
			ab.observers = append(ab.observers, o)
		}
	}
	return ab
}

// WithObserverPool sizes the async observer pool.
func (ab *AppBuilder) WithObserverPool(workers, bufferSize int) *AppBuilder {
	ab.observerPoolWorkers = workers
	ab.observerPoolBuffer = bufferSize
	return ab
}

// WithModules adds modules. They register in name order; disabled ones are skipped.
func (ab *AppBuilder) WithModules(mods ...Module) *AppBuilder {
	ab.modules = append(ab.modules, mods...)
	return ab
}

// Build registers every enabled module, seals the routing tables and validates contracts.
// Any registration or contract error fails the build.
func (ab *AppBuilder) Build() (*App, error) {
	cfg := ab.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec := ab.codecInst
	if codec == nil {
		var err error
		if codec, err = NewCodec(cfg.Codec); err != nil {
			return nil, err
		}
	}
	var clk Clock = xclock.Default()
	if ab.clock != nil {
		clk = ab.clock
	}
	lg := ab.logger
	if lg == nil {
		lg = xlog.Default()
	}

	registry := NewModuleRegistry()
	client := NewModuleClient(registry, codec, lg)
	a := &App{
		cfg:         cfg,
		codec:       codec,
		clock:       clk,
		logger:      lg,
		registry:    registry,
		contracts:   NewContractRegistry(registry, lg),
		client:      client,
		dispatcher:  NewAsyncDispatcher(client, cfg.DispatcherBuffer, lg),
		outboxes:    newModuleTable[*Outbox](),
		inboxes:     newModuleTable[*Inbox](),
		units:       newModuleTable[UnitOfWork](),
		middlewares: ab.middlewares,
		metrics:     &appMetrics{},

		eventHandlers: make(map[reflect.Type]*eventHandlers),
	}
	a.commands = CommandDispatcher{table: newHandlerTable(a.prepare)}
	a.events = EventDispatcher{table: newHandlerTable(a.prepare)}
	a.queries = QueryDispatcher{table: newHandlerTable(a.prepare)}
	a.broker = &MessageBroker{
		outbox:     &OutboxBroker{registry: registry, outboxes: a.outboxes},
		client:     client,
		dispatcher: a.dispatcher,
		useAsync:   cfg.UseAsyncDispatcher,
	}
	client.notify = a.emit
	a.dispatcher.notify = a.emit

	workers, buffer := cfg.ObserverWorkers, cfg.ObserverBuffer
	if ab.observerPoolWorkers > 0 {
		workers = ab.observerPoolWorkers
	}
	if ab.observerPoolBuffer > 0 {
		buffer = ab.observerPoolBuffer
	}
	a.observerPool = NewObserverPool(context.Background(), workers, buffer)

	hasLoggingObserver := false
	for _, o := range ab.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		a.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range ab.observers {
		a.AddObserver(o)
	}

	if err := a.load(ab.modules); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) load(modules []Module) error {
	for _, m := range loadModules(a.cfg, a.logger, modules) {
		r := &Registrar{app: a, module: m.Name()}
		if err := m.Register(r); err != nil {
			return fmt.Errorf("module %s: %w", m.Name(), err)
		}
		a.modules = append(a.modules, m.Name())
		a.logger.Info().Str("module", m.Name()).Msg("module registered")
	}
	a.registry.Seal()
	if err := a.contracts.Validate(a.registry.Types()); err != nil {
		a.logger.Error().Err(err).Str("code", ErrorCode(err)).Msg("contract validation failed")
		return err
	}
	return nil
}

// New constructs an App via Builder and returns a close func for convenience.
func New(init func(b *AppBuilder)) (*App, func() error, error) {
	b := NewAppBuilder()
	if init != nil {
		init(b)
	}
	app, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return app, func() error { return app.Close(context.Background()) }, nil
}
