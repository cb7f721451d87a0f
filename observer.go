package xmod

import (
	"github.com/trickstertwo/xlog"
)

// Observer receives lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits lifecycle events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("module", e.Module),
		xlog.Str("message", e.Message),
		xlog.Str("message_id", e.MessageID),
	)
	if e.Path != "" {
		ev = ev.With(xlog.Str("path", e.Path))
	}
	switch {
	case e.Type == Error || e.Err != nil:
		ev.Warn().Err(e.Err).Msg("xmod event")
	case e.Type == OutboxSkipped:
		ev.Warn().Msg("xmod event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xmod event")
	}
}
