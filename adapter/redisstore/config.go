package redisstore

import (
	"fmt"
	"strings"
)

// Config for the Redis store.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Prefix namespaces every key.
	Prefix string
	// Module owning the rows.
	Module string
}

// Defaults returns a Config for a local Redis.
func Defaults() Config {
	return Config{
		Addr:   "127.0.0.1:6379",
		Prefix: "xmod",
	}
}

// Validate checks the Config.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("config: prefix required")
	}
	if strings.TrimSpace(c.Module) == "" {
		return fmt.Errorf("config: module required")
	}
	if c.DB < 0 {
		return fmt.Errorf("config: db must be >= 0, got %d", c.DB)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"prefix":          c.Prefix,
		"module":          c.Module,
	}
}

// ConfigFromMap converts a generic map to Config over Defaults. A "dsn" in redis:// URL
// form replaces the connection fields.
func ConfigFromMap(m map[string]any) (Config, error) {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["prefix"].(string); ok && v != "" {
		c.Prefix = v
	}
	if v, ok := m["module"].(string); ok {
		c.Module = v
	}
	if v, ok := m["dsn"].(string); ok && v != "" {
		if err := c.applyURL(v); err != nil {
			return c, err
		}
	}
	return c, nil
}
