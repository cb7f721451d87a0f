package xmod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec is the Strategy used to persist outbox payloads and to translate messages
// between modules. Decoding must tolerate unknown fields.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// SonicCodec encodes JSON with bytedance/sonic, wire-compatible with JSONCodec.
type SonicCodec struct{}

func (SonicCodec) Marshal(v any) ([]byte, error)   { return sonic.ConfigStd.Marshal(v) }
func (SonicCodec) Unmarshal(b []byte, v any) error { return sonic.ConfigStd.Unmarshal(b, v) }
func (SonicCodec) Name() string                    { return "sonic" }

// MsgpackCodec is a compact binary codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)   { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(b []byte, v any) error { return msgpack.Unmarshal(b, v) }
func (MsgpackCodec) Name() string                    { return "msgpack" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json":    func() Codec { return JSONCodec{} },
		"sonic":   func() Codec { return SonicCodec{} },
		"msgpack": func() Codec { return MsgpackCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownCodec{name: name}
	}
	return f(), nil
}

// translate round-trips value through c into a new instance of t and returns a pointer to it.
func translate(c Codec, value any, t reflect.Type) (any, error) {
	t = structType(t)
	if t == nil {
		return nil, nil
	}
	data, err := c.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("xmod: encode %s: %w", TypeName(value), err)
	}
	out := reflect.New(t).Interface()
	if err := c.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("xmod: decode into %s: %w", t.Name(), err)
	}
	return out, nil
}

// Translate copies value into dst (a pointer) through the codec found in ctx,
// falling back to JSON.
func Translate(ctx context.Context, value, dst any) error {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	data, err := c.Marshal(value)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, dst)
}
