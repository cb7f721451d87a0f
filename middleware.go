package xmod

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xlog"
)

// Handler processes one command, event or query and returns its result (nil for
// commands and events).
type Handler func(ctx context.Context, msg any) (any, error)

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// UnitOfWorkResolver finds the unit of work of the module owning msg.
type UnitOfWorkResolver func(msg any) (UnitOfWork, bool)

// InboxResolver finds the inbox of the module owning msg.
type InboxResolver func(msg any) (*Inbox, bool)

// Chain composes middlewares around a handler; the first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg any) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					res, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// TimeoutMiddleware bounds handler time; on expiry it returns context.DeadlineExceeded.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg any) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				res any
				err error
			}
			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
					}
				}()
				res, err := next(tctx, msg)
				done <- result{res: res, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case r := <-done:
				return r.res, r.err
			}
		}
	}
}

// LoggingMiddleware frames a handler with "handling"/"handled" logs carrying the
// message context. Errors pass through unlogged.
func LoggingMiddleware(logger *xlog.Logger, kind Kind, moduleOf func(any) string) Middleware {
	if logger == nil {
		logger = xlog.Default()
	}
	if moduleOf == nil {
		moduleOf = ModuleOf
	}
	handling, handled := "handling a "+kind.String(), "handled a "+kind.String()
	return func(next Handler) Handler {
		return func(ctx context.Context, msg any) (any, error) {
			mc := MessageContextOf(ctx, msg)
			lg := logger.With(
				xlog.Str("module", moduleOf(msg)),
				xlog.Str("name", NameOf(msg)),
				xlog.Str("request_id", mc.Context.RequestID.String()),
				xlog.Str("message_id", mc.MessageID.String()),
				xlog.Str("correlation_id", mc.Context.CorrelationID.String()),
				xlog.Str("trace_id", mc.Context.TraceID),
				xlog.Str("user_id", mc.Context.UserIDString()),
			)
			lg.Info().Msg(handling)
			res, err := next(ctx, msg)
			if err != nil {
				return nil, err
			}
			lg.Info().Msg(handled)
			return res, nil
		}
	}
}

// TransactionMiddleware runs the handler inside the unit of work of its module.
// Modules without one call straight through.
func TransactionMiddleware(resolve UnitOfWorkResolver) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg any) (any, error) {
			uow, ok := resolve(msg)
			if !ok {
				return next(ctx, msg)
			}
			var res any
			err := uow.Execute(ctx, func(ctx context.Context) error {
				var err error
				res, err = next(ctx, msg)
				return err
			})
			if err != nil {
				return nil, err
			}
			return res, nil
		}
	}
}

// InboxMiddleware de-duplicates through the inbox of the message's module.
// Modules without one call straight through.
func InboxMiddleware(resolve InboxResolver) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg any) (any, error) {
			inbox, ok := resolve(msg)
			if !ok {
				return next(ctx, msg)
			}
			mc := MessageContextOf(ctx, msg)
			var res any
			err := inbox.Handle(ctx, mc.MessageID, NameOf(msg), func(ctx context.Context) error {
				var err error
				res, err = next(ctx, msg)
				return err
			})
			if err != nil {
				return nil, err
			}
			return res, nil
		}
	}
}
