package xmod

import (
	"context"
	"fmt"
	"reflect"

	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

// ModuleClient routes directed requests and broadcasts between modules. Every handoff
// is translated through the codec so modules never share concrete types.
type ModuleClient struct {
	registry *ModuleRegistry
	codec    Codec
	logger   *xlog.Logger
	attrs    attributeCache
	notify   func(Event)
}

// NewModuleClient creates a client over registry. A nil codec selects JSON.
func NewModuleClient(registry *ModuleRegistry, codec Codec, logger *xlog.Logger) *ModuleClient {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &ModuleClient{registry: registry, codec: codec, logger: logger, notify: func(Event) {}}
}

// Codec returns the translation codec.
func (c *ModuleClient) Codec() Codec { return c.codec }

// Send calls the handler of path with request translated into its own request type and
// translates the result into response (a pointer; nil discards the result).
func (c *ModuleClient) Send(ctx context.Context, path string, request, response any) error {
	reg, ok := c.registry.RequestRegistration(path)
	if !ok {
		return &RoutingError{Path: path}
	}
	ctx, scope := ensureScope(ctx)

	var in any
	if reg.RequestType != nil {
		var err error
		if in, err = translate(c.codec, request, reg.RequestType); err != nil {
			return err
		}
		if request != nil {
			scope.Set(in, scope.Get(ctx, request))
			defer scope.Delete(in)
		}
	}

	out, err := reg.Action(ctx, in)
	c.notify(Event{Type: SendDone, Module: reg.Module, Path: path, Err: err})
	if err != nil {
		return err
	}
	if response == nil || out == nil {
		return nil
	}
	data, err := c.codec.Marshal(out)
	if err != nil {
		return fmt.Errorf("xmod: encode response of '%s': %w", path, err)
	}
	if err := c.codec.Unmarshal(data, response); err != nil {
		return fmt.Errorf("xmod: decode response of '%s': %w", path, err)
	}
	return nil
}

// SendFor is Send with a typed response.
func SendFor[R any](ctx context.Context, c *ModuleClient, path string, request any) (*R, error) {
	var resp R
	if err := c.Send(ctx, path, request, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Publish broadcasts message to every eligible receiver registered under its simple type
// name, except its own concrete type. Receivers run concurrently; Publish waits for all
// of them and returns the first failure.
func (c *ModuleClient) Publish(ctx context.Context, message any) error {
	if !isIdentity(message) {
		return ErrInvalidMessage
	}
	ctx, scope := ensureScope(ctx)
	msgType := structType(message)
	module := c.registry.ModuleOf(message)
	isCommand := c.registry.KindOf(message) == KindCommand
	mc := scope.Get(ctx, message)

	var g errgroup.Group
	delivered := 0
	for _, reg := range c.registry.BroadcastRegistrations(msgType.Name()) {
		if reg.ReceiverType == msgType {
			continue
		}
		if !c.eligible(reg, msgType, module, isCommand) {
			c.logger.Debug().
				Str("message", NameOf(message)).
				Str("module", module).
				Str("receiver_module", reg.Module).
				Msg("skipping broadcast receiver")
			continue
		}
		received, err := translate(c.codec, message, reg.ReceiverType)
		if err != nil {
			g.Go(func() error { return err })
			continue
		}
		scope.Set(received, mc)
		delivered++
		action := reg.Action
		g.Go(func() error {
			defer scope.Delete(received)
			return action(ctx, received)
		})
	}
	err := g.Wait()
	c.notify(Event{
		Type:      PublishDone,
		Module:    module,
		Message:   NameOf(message),
		MessageID: mc.MessageID.String(),
		Count:     delivered,
		Err:       err,
	})
	return err
}

// eligible applies the MessageAttribute filter. Events are filtered by the receiver's
// attribute against the publisher's module; commands by the command's attribute
// against the receiver's module.
func (c *ModuleClient) eligible(reg BroadcastRegistration, msgType reflect.Type, module string, isCommand bool) bool {
	attrType := reg.ReceiverType
	if isCommand {
		attrType = msgType
		module = reg.Module
	}
	attr, ok := c.attrs.get(attrType)
	if !ok || attr.Module == "" {
		return true
	}
	return attr.Enabled && sameModule(attr.Module, module)
}
