package xmod

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// AsyncDispatcher decouples publishing from delivery: producers enqueue into a bounded
// channel and a single Run loop republishes through the ModuleClient. Ordering is FIFO
// per producer only.
type AsyncDispatcher struct {
	client       *ModuleClient
	logger       *xlog.Logger
	notify       func(Event)
	drainTimeout time.Duration

	queue chan Message

	mu      sync.RWMutex
	closed  bool
	done    chan struct{} // closed by Close, stops intake
	sealed  chan struct{} // closed once no producer can enqueue
	senders sync.WaitGroup
}

const defaultDrainTimeout = 5 * time.Second

// NewAsyncDispatcher creates a dispatcher with the given buffer (0 = unbuffered).
func NewAsyncDispatcher(client *ModuleClient, buffer int, logger *xlog.Logger) *AsyncDispatcher {
	if buffer < 0 {
		buffer = 0
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &AsyncDispatcher{
		client:       client,
		logger:       logger,
		notify:       func(Event) {},
		drainTimeout: defaultDrainTimeout,
		queue:        make(chan Message, buffer),
		done:         make(chan struct{}),
		sealed:       make(chan struct{}),
	}
}

// Publish enqueues message with its current MessageContext, blocking while the buffer is
// full. A blocked Publish returns ErrDispatcherClosed when the dispatcher is closed.
func (d *AsyncDispatcher) Publish(ctx context.Context, message any) error {
	if !isIdentity(message) {
		return ErrInvalidMessage
	}
	env := Message{Payload: message, Context: MessageContextOf(ctx, message)}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrDispatcherClosed
	}
	d.senders.Add(1)
	d.mu.RUnlock()
	defer d.senders.Done()

	select {
	case d.queue <- env:
		return nil
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers queued messages until ctx is done or the dispatcher is closed, then drains
// what is still queued. After cancellation the drain runs on a detached context bounded
// by the drain timeout.
func (d *AsyncDispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return d.drainDetached(ctx)
		}
		select {
		case env := <-d.queue:
			d.dispatch(ctx, env)
		case <-d.sealed:
			d.Drain(ctx)
			return nil
		case <-ctx.Done():
			return d.drainDetached(ctx)
		}
	}
}

func (d *AsyncDispatcher) drainDetached(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.drainTimeout)
	defer cancel()
	d.Drain(dctx)
	return ctx.Err()
}

// Drain dispatches queued messages until the queue is empty or ctx is done and returns
// how many it dispatched.
func (d *AsyncDispatcher) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		select {
		case env := <-d.queue:
			d.dispatch(ctx, env)
			n++
		default:
			return n
		}
	}
	if left := len(d.queue); left > 0 {
		d.logger.Warn().Str("left", strconv.Itoa(left)).Msg("async dispatcher drain interrupted")
	}
	return n
}

func (d *AsyncDispatcher) dispatch(ctx context.Context, env Message) {
	// each message is its own logical operation
	hctx := WithMessageContexts(WithContext(ctx, env.Context.Context))
	scope, _ := MessageContextsFrom(hctx)
	scope.Set(env.Payload, env.Context)

	if err := d.client.Publish(hctx, env.Payload); err != nil {
		d.logger.Error().
			Err(err).
			Str("message", NameOf(env.Payload)).
			Str("message_id", env.Context.MessageID.String()).
			Str("correlation_id", env.Context.Context.CorrelationID.String()).
			Msg("async dispatch failed")
		d.notify(Event{
			Type:      Error,
			Message:   NameOf(env.Payload),
			MessageID: env.Context.MessageID.String(),
			Err:       err,
		})
	}
}

// Len reports the number of queued messages.
func (d *AsyncDispatcher) Len() int { return len(d.queue) }

// Close stops intake and waits for blocked producers to give up. Messages already
// queued stay queued for Run or Drain.
func (d *AsyncDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.senders.Wait()
	close(d.sealed)
}
