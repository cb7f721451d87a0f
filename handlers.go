package xmod

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
)

// handlerTable maps a message type to its decorated handlers.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]Handler
	prepare  func(ctx context.Context) context.Context
}

func newHandlerTable(prepare func(ctx context.Context) context.Context) *handlerTable {
	if prepare == nil {
		prepare = func(ctx context.Context) context.Context { return ctx }
	}
	return &handlerTable{handlers: make(map[reflect.Type][]Handler), prepare: prepare}
}

func (t *handlerTable) add(typ reflect.Type, h Handler, single bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if single && len(t.handlers[typ]) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, FullTypeName(typ))
	}
	t.handlers[typ] = append(t.handlers[typ], h)
	return nil
}

func (t *handlerTable) get(msg any) ([]Handler, error) {
	if !isIdentity(msg) {
		return nil, ErrInvalidMessage
	}
	t.mu.RLock()
	hs := t.handlers[structType(msg)]
	t.mu.RUnlock()
	return hs, nil
}

func (t *handlerTable) scope(ctx context.Context) context.Context {
	ctx, _ = ensureScope(ctx)
	return t.prepare(ctx)
}

// CommandDispatcher sends a command to its single handler.
type CommandDispatcher struct{ table *handlerTable }

// Send runs the handler registered for the type of cmd.
func (d *CommandDispatcher) Send(ctx context.Context, cmd any) error {
	hs, err := d.table.get(cmd)
	if err != nil {
		return err
	}
	if len(hs) == 0 {
		return fmt.Errorf("%w: command %s", ErrHandlerNotFound, TypeName(cmd))
	}
	_, err = hs[0](d.table.scope(ctx), cmd)
	return err
}

// EventDispatcher publishes an event to every local handler.
type EventDispatcher struct{ table *handlerTable }

// Publish runs all handlers of the type of evt concurrently and returns the first error.
// An event nobody handles is not an error.
func (d *EventDispatcher) Publish(ctx context.Context, evt any) error {
	hs, err := d.table.get(evt)
	if err != nil || len(hs) == 0 {
		return err
	}
	ctx = d.table.scope(ctx)
	if len(hs) == 1 {
		_, err = hs[0](ctx, evt)
		return err
	}
	var g errgroup.Group
	for _, h := range hs {
		g.Go(func() error {
			_, err := h(ctx, evt)
			return err
		})
	}
	return g.Wait()
}

// QueryDispatcher asks a query of its single handler.
type QueryDispatcher struct{ table *handlerTable }

// Query runs the handler registered for the type of q.
func (d *QueryDispatcher) Query(ctx context.Context, q any) (any, error) {
	hs, err := d.table.get(q)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, fmt.Errorf("%w: query %s", ErrHandlerNotFound, TypeName(q))
	}
	return hs[0](d.table.scope(ctx), q)
}

// QueryFor is Query with a typed result.
func QueryFor[R any](ctx context.Context, d *QueryDispatcher, q any) (R, error) {
	var zero R
	res, err := d.Query(ctx, q)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("xmod: query %s returned %T", TypeName(q), res)
	}
	return r, nil
}

// eventHandlers holds the handlers one module registered for an event type. They run
// in registration order behind a single pipeline, so they share one inbox row and one
// unit of work: either all of them commit or none does.
type eventHandlers struct {
	mu       sync.RWMutex
	handlers []func(ctx context.Context, evt any) error
}

func (e *eventHandlers) add(h func(ctx context.Context, evt any) error) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func (e *eventHandlers) handle(ctx context.Context, evt any) (any, error) {
	e.mu.RLock()
	hs := e.handlers
	e.mu.RUnlock()
	for _, h := range hs {
		if err := h(ctx, evt); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
