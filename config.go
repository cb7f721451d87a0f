package xmod

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Clock is the time source of outbox/inbox timestamps. xclock clocks satisfy it.
type Clock interface {
	Now() time.Time
}

// Config drives the messaging runtime.
type Config struct {
	// Codec used for outbox payloads and module translation ("json", "sonic", "msgpack").
	Codec string `env:"CODEC"`

	// Store adapter opened for modules calling Registrar.Store ("memory", "sqlite", "postgres", "redis").
	Store    string `env:"STORE"`
	StoreDSN string `env:"STORE_DSN"`

	OutboxEnabled       bool `env:"OUTBOX_ENABLED"`
	InboxEnabled        bool `env:"INBOX_ENABLED"`
	TransactionsEnabled bool `env:"TRANSACTIONS_ENABLED"`

	// Outbox replay goes through the AsyncDispatcher instead of the ModuleClient.
	UseAsyncDispatcher bool `env:"USE_ASYNC_DISPATCHER"`
	DispatcherBuffer   int  `env:"DISPATCHER_BUFFER"`

	// Processor
	OutboxInterval  time.Duration `env:"OUTBOX_INTERVAL"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL"`
	OutboxRetention time.Duration `env:"OUTBOX_RETENTION"`
	InboxRetention  time.Duration `env:"INBOX_RETENTION"`

	// HandlerTimeout bounds every handler when > 0.
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT"`

	// DisabledModules are skipped by the loader.
	DisabledModules []string `env:"DISABLED_MODULES" envSeparator:","`

	ObserverWorkers int `env:"OBSERVER_WORKERS"`
	ObserverBuffer  int `env:"OBSERVER_BUFFER"`
}

// Defaults returns a Config suited to a single-process deployment.
func Defaults() Config {
	return Config{
		Codec:               "json",
		Store:               "memory",
		OutboxEnabled:       true,
		InboxEnabled:        true,
		TransactionsEnabled: true,
		DispatcherBuffer:    1024,
		OutboxInterval:      2 * time.Second,
		CleanupInterval:     time.Hour,
		OutboxRetention:     7 * 24 * time.Hour,
		InboxRetention:      7 * 24 * time.Hour,
		ObserverWorkers:     2,
		ObserverBuffer:      1024,
	}
}

// Validate checks Config for consistency.
func (c Config) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("config: codec required")
	}
	if c.DispatcherBuffer < 0 {
		return fmt.Errorf("config: dispatcher_buffer must be >= 0, got %d", c.DispatcherBuffer)
	}
	if c.OutboxInterval <= 0 {
		return fmt.Errorf("config: outbox_interval must be > 0, got %v", c.OutboxInterval)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: cleanup_interval must be > 0, got %v", c.CleanupInterval)
	}
	if c.OutboxRetention < 0 || c.InboxRetention < 0 {
		return fmt.Errorf("config: retention must be >= 0")
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("config: handler_timeout must be >= 0, got %v", c.HandlerTimeout)
	}
	return nil
}

// ModuleEnabled reports whether module is absent from DisabledModules.
func (c Config) ModuleEnabled(module string) bool {
	return !slices.ContainsFunc(c.DisabledModules, func(m string) bool {
		return strings.EqualFold(strings.TrimSpace(m), module)
	})
}

// ConfigFromEnv overlays XMOD_* environment variables on Defaults.
func ConfigFromEnv() (Config, error) {
	c := Defaults()
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "XMOD_"}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, c.Validate()
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"codec":                c.Codec,
		"store":                c.Store,
		"store_dsn":            c.StoreDSN,
		"outbox_enabled":       c.OutboxEnabled,
		"inbox_enabled":        c.InboxEnabled,
		"transactions_enabled": c.TransactionsEnabled,
		"use_async_dispatcher": c.UseAsyncDispatcher,
		"dispatcher_buffer":    c.DispatcherBuffer,
		"outbox_interval":      c.OutboxInterval,
		"cleanup_interval":     c.CleanupInterval,
		"outbox_retention":     c.OutboxRetention,
		"inbox_retention":      c.InboxRetention,
		"handler_timeout":      c.HandlerTimeout,
		"disabled_modules":     slices.Clone(c.DisabledModules),
		"observer_workers":     c.ObserverWorkers,
		"observer_buffer":      c.ObserverBuffer,
	}
}

// ConfigFromMap converts a generic map to Config, keeping defaults for missing keys.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	if v, ok := m["store"].(string); ok && v != "" {
		c.Store = v
	}
	if v, ok := m["store_dsn"].(string); ok {
		c.StoreDSN = v
	}
	if v, ok := m["outbox_enabled"].(bool); ok {
		c.OutboxEnabled = v
	}
	if v, ok := m["inbox_enabled"].(bool); ok {
		c.InboxEnabled = v
	}
	if v, ok := m["transactions_enabled"].(bool); ok {
		c.TransactionsEnabled = v
	}
	if v, ok := m["use_async_dispatcher"].(bool); ok {
		c.UseAsyncDispatcher = v
	}
	if v, ok := m["dispatcher_buffer"].(int); ok && v >= 0 {
		c.DispatcherBuffer = v
	}
	if v, ok := m["outbox_interval"].(time.Duration); ok && v > 0 {
		c.OutboxInterval = v
	}
	if v, ok := m["cleanup_interval"].(time.Duration); ok && v > 0 {
		c.CleanupInterval = v
	}
	if v, ok := m["outbox_retention"].(time.Duration); ok && v >= 0 {
		c.OutboxRetention = v
	}
	if v, ok := m["inbox_retention"].(time.Duration); ok && v >= 0 {
		c.InboxRetention = v
	}
	if v, ok := m["handler_timeout"].(time.Duration); ok && v >= 0 {
		c.HandlerTimeout = v
	}
	if v, ok := m["disabled_modules"].([]string); ok {
		c.DisabledModules = slices.Clone(v)
	}
	if v, ok := m["observer_workers"].(int); ok && v > 0 {
		c.ObserverWorkers = v
	}
	if v, ok := m["observer_buffer"].(int); ok && v > 0 {
		c.ObserverBuffer = v
	}

	return c
}
