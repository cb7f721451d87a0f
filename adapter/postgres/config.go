package postgres

import (
	"fmt"
	"os"
	"strings"
)

// Config for the Postgres store.
type Config struct {
	// URL is a libpq connection string or postgres:// URL.
	URL string
	// Module owning the rows; every query is scoped to it.
	Module string
	// MaxConns caps the pool size (0 keeps the pgxpool default).
	MaxConns int32
	// Migrate creates the outbox and inbox tables on Open.
	Migrate bool
}

// Defaults reads XMOD_POSTGRES_URL and enables migrations.
func Defaults() Config {
	return Config{
		URL:     os.Getenv("XMOD_POSTGRES_URL"),
		Migrate: true,
	}
}

// Validate checks the Config.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("config: url required")
	}
	if strings.TrimSpace(c.Module) == "" {
		return fmt.Errorf("config: module required")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: max_conns must be >= 0, got %d", c.MaxConns)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"dsn":       c.URL,
		"module":    c.Module,
		"max_conns": c.MaxConns,
		"migrate":   c.Migrate,
	}
}

// ConfigFromMap reads "dsn", "module", "max_conns" and "migrate" over Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["dsn"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["module"].(string); ok {
		c.Module = v
	}
	if v, ok := m["max_conns"].(int32); ok && v >= 0 {
		c.MaxConns = v
	}
	if v, ok := m["migrate"].(bool); ok {
		c.Migrate = v
	}
	return c
}
