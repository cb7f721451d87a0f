package memory

import (
	"fmt"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmod"
)

// Use builds an App whose modules open in-memory stores through Registrar.Store, installs
// it as the process-wide default and returns it.
//
// Example:
//
//	app := memory.Use([]xmod.Module{users.Module{}, notifications.Module{}},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(modules []xmod.Module, opts ...Option) *xmod.App {
	ab := xmod.NewAppBuilder().
		WithStore(StoreName, "").
		WithModules(modules...)

	for _, o := range opts {
		if o != nil {
			o(ab)
		}
	}

	app, err := ab.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	xmod.SetDefault(app)
	return app
}

// Option configures the xmod.AppBuilder when calling Use.
type Option func(*xmod.AppBuilder)

// WithConfig replaces the App configuration; the store stays "memory".
func WithConfig(cfg xmod.Config) Option {
	return func(b *xmod.AppBuilder) {
		b.WithConfig(cfg).WithStore(StoreName, "")
	}
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmod.AppBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom clock.
func WithClock(c xmod.Clock) Option {
	return func(b *xmod.AppBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xmod.AppBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...xmod.Middleware) Option {
	return func(b *xmod.AppBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmod.Observer) Option {
	return func(b *xmod.AppBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmod.AppBuilder) { b.WithObserverPool(workers, bufferSize) }
}
