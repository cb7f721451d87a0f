package xmod

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool fans lifecycle events out to observers on background workers so a slow
// observer never stalls message handling. Events are dropped when the buffer is full.
type ObserverPool struct {
	queue     chan *Event
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of bufferSize events.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &ObserverPool{
		queue:   make(chan *Event, bufferSize),
		workers: workers,
		ctx:     pctx,
		cancel:  cancel,
	}
	p.wg.Add(workers)
	for range workers {
		go p.run()
	}
	return p
}

// Notify queues e for observers without blocking.
func (p *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || p.closed.Load() {
		return
	}
	e.observers = append([]Observer(nil), observers...)
	select {
	case p.queue <- &e:
	default:
		p.dropped.Add(1)
	}
}

func (p *ObserverPool) run() {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.queue:
			p.deliver(e)
		case <-p.ctx.Done():
			// drain what is already queued
			for {
				select {
				case e := <-p.queue:
					p.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (p *ObserverPool) deliver(e *Event) {
	if e == nil {
		return
	}
	for _, o := range e.observers {
		if o != nil {
			p.call(o, *e)
		}
	}
	p.processed.Add(1)
}

func (p *ObserverPool) call(o Observer, e Event) {
	defer func() {
		if recover() != nil {
			p.panics.Add(1)
		}
	}()
	o.OnEvent(e)
}

// Close stops intake and waits up to timeout for queued events to be delivered.
func (p *ObserverPool) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (p *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      p.dropped.Load(),
		Processed:    p.processed.Load(),
		ActiveEvents: len(p.queue),
		Workers:      p.workers,
		BufferSize:   cap(p.queue),
	}
}
