package xmod

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// RequestAction serves a directed call. The request is already translated into RequestType.
type RequestAction func(ctx context.Context, request any) (any, error)

// BroadcastAction receives a broadcast message already translated into ReceiverType.
type BroadcastAction func(ctx context.Context, message any) error

// RequestRegistration is one row of the path table.
type RequestRegistration struct {
	Module       string
	Path         string
	RequestType  reflect.Type
	ResponseType reflect.Type
	Action       RequestAction
}

// BroadcastRegistration is one receiver in the broadcast table.
type BroadcastRegistration struct {
	Module       string
	ReceiverType reflect.Type
	Action       BroadcastAction
}

// TypeInfo describes a message type known to the registry.
type TypeInfo struct {
	Type     reflect.Type
	Module   string
	Kind     Kind
	FullName string
}

// ModuleRegistry holds the routing tables and the message type catalog.
// It is written while modules register and becomes read-only after Seal.
type ModuleRegistry struct {
	mu         sync.RWMutex
	sealed     atomic.Bool
	requests   map[string]RequestRegistration
	broadcasts map[string][]BroadcastRegistration
	types      map[reflect.Type]TypeInfo
	byName     map[string]reflect.Type
}

// NewModuleRegistry returns an empty, unsealed registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		requests:   make(map[string]RequestRegistration),
		broadcasts: make(map[string][]BroadcastRegistration),
		types:      make(map[reflect.Type]TypeInfo),
		byName:     make(map[string]reflect.Type),
	}
}

// Seal ends the registration phase.
func (r *ModuleRegistry) Seal() { r.sealed.Store(true) }

// Sealed reports whether registration is closed.
func (r *ModuleRegistry) Sealed() bool { return r.sealed.Load() }

// AddRequestAction registers the handler of a path.
func (r *ModuleRegistry) AddRequestAction(reg RequestRegistration) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if reg.Path == "" {
		return contractErrorf("path cannot be empty")
	}
	if reg.Action == nil {
		return fmt.Errorf("xmod: nil action for path '%s'", reg.Path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[reg.Path]; ok {
		return contractErrorf("path: '%s' is already registered", reg.Path)
	}
	r.requests[reg.Path] = reg
	return nil
}

// AddBroadcastAction registers a receiver keyed by the simple name of its type.
func (r *ModuleRegistry) AddBroadcastAction(reg BroadcastRegistration) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if reg.ReceiverType == nil || reg.Action == nil {
		return ErrInvalidMessage
	}
	reg.ReceiverType = structType(reg.ReceiverType)
	key := reg.ReceiverType.Name()
	r.mu.Lock()
	r.broadcasts[key] = append(r.broadcasts[key], reg)
	r.mu.Unlock()
	return nil
}

// AddType records t in the catalog as owned by module. A type may only belong to one module.
func (r *ModuleRegistry) AddType(module string, kind Kind, t reflect.Type) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	t = structType(t)
	if t == nil || t.Kind() != reflect.Struct {
		return ErrInvalidMessage
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.types[t]; ok {
		if cur.Module != module {
			return fmt.Errorf("xmod: type %s already belongs to module '%s'", cur.FullName, cur.Module)
		}
		if cur.Kind == KindUnknown && kind != KindUnknown {
			cur.Kind = kind
			r.types[t] = cur
		}
		return nil
	}
	info := TypeInfo{Type: t, Module: module, Kind: kind, FullName: FullTypeName(t)}
	r.types[t] = info
	r.byName[info.FullName] = t
	return nil
}

// RequestRegistration looks up the handler of path.
func (r *ModuleRegistry) RequestRegistration(path string) (RequestRegistration, bool) {
	r.mu.RLock()
	reg, ok := r.requests[path]
	r.mu.RUnlock()
	return reg, ok
}

// BroadcastRegistrations returns the receivers registered under a simple type name.
func (r *ModuleRegistry) BroadcastRegistrations(name string) []BroadcastRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.broadcasts[name]
	out := make([]BroadcastRegistration, len(regs))
	copy(out, regs)
	return out
}

// TypeByName resolves a fully-qualified type name.
func (r *ModuleRegistry) TypeByName(fullName string) (reflect.Type, bool) {
	r.mu.RLock()
	t, ok := r.byName[fullName]
	r.mu.RUnlock()
	return t, ok
}

// Info returns the catalog entry of the type of v.
func (r *ModuleRegistry) Info(v any) (TypeInfo, bool) {
	t := structType(v)
	if t == nil {
		return TypeInfo{}, false
	}
	r.mu.RLock()
	info, ok := r.types[t]
	r.mu.RUnlock()
	return info, ok
}

// ModuleOf resolves the owning module of v: the catalog first, then the type's own declaration.
func (r *ModuleRegistry) ModuleOf(v any) string {
	if info, ok := r.Info(v); ok {
		return info.Module
	}
	return ModuleOf(v)
}

// KindOf returns the kind recorded for the type of v.
func (r *ModuleRegistry) KindOf(v any) Kind {
	info, _ := r.Info(v)
	return info.Kind
}

// Types returns the catalog ordered by fully-qualified name.
func (r *ModuleRegistry) Types() []TypeInfo {
	r.mu.RLock()
	out := make([]TypeInfo, 0, len(r.types))
	for _, info := range r.types {
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Paths returns the registered request paths in order.
func (r *ModuleRegistry) Paths() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.requests))
	for p := range r.requests {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ModuleOf resolves the module declared by the type of v, without a registry.
func ModuleOf(v any) string {
	return declaredModule(structType(v))
}

func sameModule(a, b string) bool { return strings.EqualFold(a, b) }
