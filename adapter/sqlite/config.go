package sqlite

import (
	"fmt"
	"strings"
	"time"
)

// Config for the SQLite store.
type Config struct {
	// Path of the database file. ":memory:" keeps everything in one private connection.
	Path string
	// Module owning the rows; every query is scoped to it.
	Module string

	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Defaults returns a Config for a local xmod.db file.
func Defaults() Config {
	return Config{
		Path:         "xmod.db",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Validate checks the Config.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("config: path required")
	}
	if strings.TrimSpace(c.Module) == "" {
		return fmt.Errorf("config: module required")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("config: busy_timeout must be >= 0, got %v", c.BusyTimeout)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("config: max_open_conns must be >= 1, got %d", c.MaxOpenConns)
	}
	return nil
}

func (c Config) dsn() string {
	if c.Path == ":memory:" {
		return c.Path
	}
	return fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		c.Path, c.BusyTimeout.Milliseconds())
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"dsn":            c.Path,
		"module":         c.Module,
		"busy_timeout":   c.BusyTimeout,
		"max_open_conns": c.MaxOpenConns,
	}
}

// ConfigFromMap reads "dsn" (the file path), "module", "busy_timeout" and "max_open_conns".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["dsn"].(string); ok && v != "" {
		c.Path = v
	}
	if v, ok := m["module"].(string); ok {
		c.Module = v
	}
	if v, ok := m["busy_timeout"].(time.Duration); ok && v >= 0 {
		c.BusyTimeout = v
	}
	if v, ok := m["max_open_conns"].(int); ok && v > 0 {
		c.MaxOpenConns = v
	}
	return c
}
