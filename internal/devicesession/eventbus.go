package devicesession

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/meshgate/gatewaysession/pkg/log"
	"github.com/meshgate/gatewaysession/pkg/metrics"
	"github.com/meshgate/gatewaysession/pkg/util/conc"
)

// Handler observes register/unregister transitions fired on the Event
// Bus. No handler may assume exclusivity: handlers run concurrently,
// isolated from each other's panics and errors.
type Handler func(ctx context.Context, e Event)

// Disposable removes the handler it was returned for.
type Disposable func()

type handlerEntry struct {
	id uint64
	fn Handler
}

// eventBus is the Event Bus (§4.4): an append-only list of handlers
// fanned out through an ants pool for per-handler panic isolation.
type eventBus struct {
	mu       sync.Mutex
	handlers []*handlerEntry
	nextID   atomic.Uint64
	pool     *conc.Pool[struct{}]
}

func newEventBus() *eventBus {
	return &eventBus{pool: conc.NewDefaultPool[struct{}]()}
}

func (b *eventBus) listen(fn Handler) Disposable {
	id := b.nextID.Add(1)
	entry := &handlerEntry{id: id, fn: fn}

	b.mu.Lock()
	b.handlers = append(b.handlers, entry)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.handlers {
			if e.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// fire walks the handler list in registration order, runs each handler
// on the pool, isolates per-handler failures, and completes once every
// handler has run.
func (b *eventBus) fire(ctx context.Context, e Event) {
	b.mu.Lock()
	handlers := make([]*handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	metrics.DeviceSessionEventTotal.WithLabelValues(e.Tag.String()).Inc()

	futures := make([]*conc.Future[struct{}], 0, len(handlers))
	for _, h := range handlers {
		handler := h
		futures = append(futures, b.pool.Submit(func() (struct{}, error) {
			defer func() {
				if rec := recover(); rec != nil {
					metrics.DeviceSessionHandlerFailures.Inc()
					log.Ctx(ctx).Error("device session event handler panicked",
						zap.Any("panic", rec),
						zap.String("tag", e.Tag.String()))
				}
			}()
			handler.fn(ctx, e)
			return struct{}{}, nil
		}))
	}
	for _, f := range futures {
		<-f.Done()
	}
}

func (b *eventBus) stop() {
	b.pool.Release()
}
