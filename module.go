package xmod

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/trickstertwo/xlog"
)

// Module is a logically isolated unit: its own message types, storage and handlers.
type Module interface {
	Name() string
	Register(r *Registrar) error
}

// ModuleFunc adapts a name and a registration function to Module.
func ModuleFunc(name string, register func(r *Registrar) error) Module {
	return funcModule{name: name, register: register}
}

type funcModule struct {
	name     string
	register func(r *Registrar) error
}

func (m funcModule) Name() string                { return m.name }
func (m funcModule) Register(r *Registrar) error { return m.register(r) }

// Registrar is the registration surface handed to a Module while the App is built.
type Registrar struct {
	app    *App
	module string
}

// Module returns the name of the registering module.
func (r *Registrar) Module() string { return r.module }

// Config returns the App configuration.
func (r *Registrar) Config() Config { return r.app.cfg }

// Logger returns a logger scoped to the module.
func (r *Registrar) Logger() *xlog.Logger {
	return r.app.logger.With(xlog.Str("module", r.module))
}

// Client returns the inter-module client.
func (r *Registrar) Client() *ModuleClient { return r.app.client }

// Broker returns the outgoing message broker.
func (r *Registrar) Broker() *MessageBroker { return r.app.broker }

// Contracts returns the contract registry validated when the App is built.
func (r *Registrar) Contracts() *ContractRegistry { return r.app.contracts }

// Expose adds message types owned by this module to the type catalog, so they can be
// replayed from the outbox and matched by other modules' contracts.
func (r *Registrar) Expose(kind Kind, msgs ...any) error {
	for _, m := range msgs {
		if err := r.app.registry.AddType(r.module, kind, structType(m)); err != nil {
			return err
		}
	}
	return nil
}

// UseStore installs s as the module's unit of work, inbox and outbox, as enabled by Config.
func (r *Registrar) UseStore(s Store) {
	if r.app.cfg.TransactionsEnabled {
		r.UseUnitOfWork(s)
	}
	r.UseInbox(s)
	r.UseOutbox(s)
}

// Store opens the configured store adapter for this module and installs it with UseStore.
// The App closes it.
func (r *Registrar) Store() (Store, error) {
	cfg := map[string]any{"module": r.module}
	if r.app.cfg.StoreDSN != "" {
		cfg["dsn"] = r.app.cfg.StoreDSN
	}
	s, err := NewStore(r.app.cfg.Store, cfg)
	if err != nil {
		return nil, fmt.Errorf("module %s: open store: %w", r.module, err)
	}
	r.app.stores = append(r.app.stores, s)
	r.UseStore(s)
	return s, nil
}

// UseUnitOfWork wraps this module's command handlers in uow.
func (r *Registrar) UseUnitOfWork(uow UnitOfWork) {
	r.app.units.set(r.module, uow)
}

// UseInbox de-duplicates this module's event handlers through s.
func (r *Registrar) UseInbox(s InboxStore) *Inbox {
	in := NewInbox(InboxConfig{
		Module:         r.module,
		Store:          s,
		Clock:          r.app.clock,
		Logger:         r.app.logger,
		Disabled:       !r.app.cfg.InboxEnabled,
		NoTransactions: !r.app.cfg.TransactionsEnabled,
	})
	in.notify = r.app.emit
	r.app.inboxes.set(r.module, in)
	return in
}

// UseOutbox stages this module's outgoing messages in s.
func (r *Registrar) UseOutbox(s OutboxStore) *Outbox {
	ob := NewOutbox(OutboxConfig{
		Module:             r.module,
		Store:              s,
		Registry:           r.app.registry,
		Client:             r.app.client,
		Dispatcher:         r.app.dispatcher,
		UseAsyncDispatcher: r.app.cfg.UseAsyncDispatcher,
		Codec:              r.app.codec,
		Clock:              r.app.clock,
		Logger:             r.app.logger,
		Disabled:           !r.app.cfg.OutboxEnabled,
	})
	ob.notify = r.app.emit
	r.app.outboxes.set(r.module, ob)
	return ob
}

func messageType[T any]() (reflect.Type, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, t)
	}
	return t, nil
}

// HandleCommand registers the single handler of command T in this module. The command
// is also reachable from other modules through ModuleClient.Publish.
func HandleCommand[T any](r *Registrar, h func(ctx context.Context, cmd *T) error) error {
	t, err := messageType[T]()
	if err != nil {
		return err
	}
	if err := r.app.registry.AddType(r.module, KindCommand, t); err != nil {
		return err
	}
	dh := r.app.decorate(KindCommand, func(ctx context.Context, msg any) (any, error) {
		return nil, h(ctx, msg.(*T))
	})
	if err := r.app.commands.table.add(t, dh, true); err != nil {
		return err
	}
	return r.app.registry.AddBroadcastAction(BroadcastRegistration{
		Module:       r.module,
		ReceiverType: t,
		Action:       r.app.commands.Send,
	})
}

// HandleEvent adds a handler of event T in this module. The event is also received
// from other modules publishing a same-named event. Handlers of one event type in a
// module run in registration order and share one inbox row and unit of work.
func HandleEvent[T any](r *Registrar, h func(ctx context.Context, evt *T) error) error {
	t, err := messageType[T]()
	if err != nil {
		return err
	}
	if err := r.app.registry.AddType(r.module, KindEvent, t); err != nil {
		return err
	}
	hs, ok := r.app.eventHandlers[t]
	if !ok {
		hs = &eventHandlers{}
		r.app.eventHandlers[t] = hs
	}
	hs.add(func(ctx context.Context, evt any) error { return h(ctx, evt.(*T)) })
	if ok {
		return nil
	}
	if err := r.app.events.table.add(t, r.app.decorate(KindEvent, hs.handle), false); err != nil {
		return err
	}
	return r.app.registry.AddBroadcastAction(BroadcastRegistration{
		Module:       r.module,
		ReceiverType: t,
		Action:       r.app.events.Publish,
	})
}

// HandleQuery registers the single handler of query Q returning R.
func HandleQuery[Q, R any](r *Registrar, h func(ctx context.Context, q *Q) (R, error)) error {
	t, err := messageType[Q]()
	if err != nil {
		return err
	}
	if err := r.app.registry.AddType(r.module, KindQuery, t); err != nil {
		return err
	}
	dh := r.app.decorate(KindQuery, func(ctx context.Context, msg any) (any, error) {
		return h(ctx, msg.(*Q))
	})
	return r.app.queries.table.add(t, dh, true)
}

// HandleRequest serves path for other modules calling ModuleClient.Send.
func HandleRequest[Req, Resp any](r *Registrar, path string, h func(ctx context.Context, req *Req) (*Resp, error)) error {
	reqType, err := messageType[Req]()
	if err != nil {
		return err
	}
	respType, err := messageType[Resp]()
	if err != nil {
		return err
	}
	if err := r.app.registry.AddType(r.module, KindQuery, reqType); err != nil {
		return err
	}
	if err := r.app.registry.AddType(r.module, KindUnknown, respType); err != nil {
		return err
	}
	dh := r.app.decorate(KindQuery, func(ctx context.Context, msg any) (any, error) {
		resp, err := h(ctx, msg.(*Req))
		if err != nil || resp == nil {
			return nil, err
		}
		return resp, nil
	})
	return r.app.registry.AddRequestAction(RequestRegistration{
		Module:       r.module,
		Path:         path,
		RequestType:  reqType,
		ResponseType: respType,
		Action: func(ctx context.Context, req any) (any, error) {
			if req == nil {
				req = reflect.New(reqType).Interface()
			}
			return dh(r.app.prepare(ctx), req)
		},
	})
}

// loadModules orders modules by name and drops those disabled in cfg.
func loadModules(cfg Config, logger *xlog.Logger, modules []Module) []Module {
	out := make([]Module, 0, len(modules))
	for _, m := range modules {
		if m == nil {
			continue
		}
		if !cfg.ModuleEnabled(m.Name()) {
			logger.Info().Str("module", m.Name()).Msg("module is disabled")
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
