package xmod

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultApp   *App
	defaultAppMu sync.Mutex
)

// Default returns the process-wide App, building an empty one on first use.
func Default() *App {
	defaultAppMu.Lock()
	defer defaultAppMu.Unlock()

	if defaultApp != nil {
		return defaultApp
	}
	a, err := NewAppBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xmod: failed to initialize default app: %v", err))
	}
	defaultApp = a
	return defaultApp
}

// SetDefault replaces the process-wide App.
func SetDefault(a *App) {
	if a == nil {
		panic("xmod: SetDefault called with nil App")
	}
	defaultAppMu.Lock()
	defaultApp = a
	defaultAppMu.Unlock()
}

// Send is the Facade using the default app.
func Send(ctx context.Context, cmd any) error {
	return Default().Send(ctx, cmd)
}

// Publish is the Facade using the default app.
func Publish(ctx context.Context, evt any) error {
	return Default().Publish(ctx, evt)
}

// Query is the Facade using the default app.
func Query(ctx context.Context, q any) (any, error) {
	return Default().Query(ctx, q)
}
