package xmod

import (
	"context"

	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xmod (prevents collisions).
type ctxKey string

const (
	codecCtxKey    ctxKey = "xmod:codec"
	loggerCtxKey   ctxKey = "xmod:logger"
	ambientCtxKey  ctxKey = "xmod:context"
	contextsCtxKey ctxKey = "xmod:message-contexts"
)

// WithContext attaches the ambient request Context to ctx.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ambientCtxKey, c)
}

// ContextFrom returns the ambient Context attached to ctx.
func ContextFrom(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(ambientCtxKey).(Context)
	return c, ok
}

func currentContext(ctx context.Context) Context {
	if c, ok := ContextFrom(ctx); ok {
		return c
	}
	return NewContext(ctx)
}

// WithMessageContexts opens a new logical operation with an empty MessageContexts store.
func WithMessageContexts(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextsCtxKey, NewMessageContexts())
}

// MessageContextsFrom returns the store of the current logical operation.
func MessageContextsFrom(ctx context.Context) (*MessageContexts, bool) {
	s, ok := ctx.Value(contextsCtxKey).(*MessageContexts)
	return s, ok && s != nil
}

// ensureScope makes sure ctx carries an ambient Context and a MessageContexts store,
// reusing whatever the caller already opened.
func ensureScope(ctx context.Context) (context.Context, *MessageContexts) {
	if _, ok := ContextFrom(ctx); !ok {
		ctx = WithContext(ctx, NewContext(ctx))
	}
	if s, ok := MessageContextsFrom(ctx); ok {
		return ctx, s
	}
	s := NewMessageContexts()
	return context.WithValue(ctx, contextsCtxKey, s), s
}

// MessageContextOf returns the MessageContext of msg within the operation carried by ctx.
func MessageContextOf(ctx context.Context, msg any) MessageContext {
	if s, ok := MessageContextsFrom(ctx); ok {
		return s.Get(ctx, msg)
	}
	return NewMessageContext(currentContext(ctx))
}

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves the Codec used to translate messages for this handler.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if c, ok := ctx.Value(codecCtxKey).(Codec); ok && c != nil {
		return c, true
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the logger injected for handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger); ok && l != nil {
		return l, true
	}
	return nil, false
}
