package xmod

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Identity is the authenticated caller behind a message. UserID is nil for anonymous calls.
type Identity struct {
	UserID *uuid.UUID
}

// Context is the ambient request/correlation metadata of one logical operation.
type Context struct {
	RequestID     uuid.UUID
	CorrelationID uuid.UUID
	TraceID       string
	Identity      Identity
}

// NewContext derives a fresh Context. The trace id is taken from the active span in ctx, if any.
func NewContext(ctx context.Context) Context {
	c := Context{
		RequestID:     uuid.New(),
		CorrelationID: uuid.New(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		c.TraceID = sc.TraceID().String()
	}
	return c
}

// UserIDString renders the user id for logs ("" when anonymous).
func (c Context) UserIDString() string {
	if c.Identity.UserID == nil {
		return ""
	}
	return c.Identity.UserID.String()
}

// MessageContext is the identity and provenance of a single message instance.
type MessageContext struct {
	MessageID uuid.UUID
	Context   Context
}

// NewMessageContext stamps a new message id onto c.
func NewMessageContext(c Context) MessageContext {
	return MessageContext{MessageID: uuid.New(), Context: c}
}

// MessageContexts associates message instances with their MessageContext for the
// lifetime of one logical operation. Instances are keyed by pointer identity.
type MessageContexts struct {
	mu sync.Mutex
	m  map[any]MessageContext
}

// NewMessageContexts returns an empty store.
func NewMessageContexts() *MessageContexts {
	return &MessageContexts{m: make(map[any]MessageContext)}
}

// Get returns the context of msg, creating it from the ambient Context of ctx on first observation.
// Non-pointer messages have no identity and get a fresh context on every call.
func (s *MessageContexts) Get(ctx context.Context, msg any) MessageContext {
	if !isIdentity(msg) {
		return NewMessageContext(currentContext(ctx))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mc, ok := s.m[msg]; ok {
		return mc
	}
	mc := NewMessageContext(currentContext(ctx))
	s.m[msg] = mc
	return mc
}

// Lookup returns the context of msg without creating one.
func (s *MessageContexts) Lookup(msg any) (MessageContext, bool) {
	if !isIdentity(msg) {
		return MessageContext{}, false
	}
	s.mu.Lock()
	mc, ok := s.m[msg]
	s.mu.Unlock()
	return mc, ok
}

// Set replaces the context of msg.
func (s *MessageContexts) Set(msg any, mc MessageContext) {
	if !isIdentity(msg) {
		return
	}
	s.mu.Lock()
	s.m[msg] = mc
	s.mu.Unlock()
}

// Delete forgets msg.
func (s *MessageContexts) Delete(msg any) {
	if !isIdentity(msg) {
		return
	}
	s.mu.Lock()
	delete(s.m, msg)
	s.mu.Unlock()
}

// Len reports how many message instances are tracked.
func (s *MessageContexts) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func isIdentity(msg any) bool {
	if msg == nil {
		return false
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Pointer && !v.IsNil()
}
