package devicesession

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshgate/gatewaysession/pkg/log"
	"github.com/meshgate/gatewaysession/pkg/util/conc"
)

// sweeper is the Liveness Sweeper (§4.3): a single scheduled task that
// runs on a dedicated goroutine, not the core's event-bus pool, matching
// "the core does not own a thread pool except the single-thread
// scheduler for the Liveness Sweeper". Each tick still runs through a
// one-worker ants pool so the sweep body is exercised the same way the
// event bus exercises pkg/util/conc.
type sweeper struct {
	mgr      *Manager
	interval time.Duration
	pool     *conc.Pool[struct{}]
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopped  atomic.Bool
}

func newSweeper(mgr *Manager, interval time.Duration) *sweeper {
	pool, err := conc.NewPool[struct{}](1)
	if err != nil {
		pool = conc.NewDefaultPool[struct{}]()
	}
	return &sweeper{
		mgr:      mgr,
		interval: interval,
		pool:     pool,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (sw *sweeper) start() {
	go sw.loop()
}

func (sw *sweeper) loop() {
	defer close(sw.doneCh)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stopCh:
			return
		case <-ticker.C:
			<-sw.pool.Submit(func() (struct{}, error) {
				sw.sweep()
				return struct{}{}, nil
			}).Done()
		}
	}
}

// sweep walks every ref whose loaded session is non-empty and evicts any
// that fails its liveness check. A single failing session must not halt
// the sweep: per-ref errors and panics are swallowed and logged.
func (sw *sweeper) sweep() {
	if sw.stopped.Load() {
		return
	}

	ctx := context.Background()
	logger := log.Ctx(ctx)

	for _, r := range sw.mgr.registry.snapshot() {
		s := r.currentLoaded()
		if s == nil {
			continue
		}
		sw.checkOne(ctx, logger, r, s)
	}
}

func (sw *sweeper) checkOne(ctx context.Context, logger *log.MLogger, r *ref, s Session) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("liveness sweep panicked", zap.String("deviceId", r.deviceID), zap.Any("panic", rec))
		}
	}()

	alive, err := sw.mgr.checkSessionAlive(ctx, s)
	if err != nil {
		logger.Warn("liveness check failed, treating as alive", zap.String("deviceId", r.deviceID), zap.Error(err))
		return
	}
	if !alive {
		sw.mgr.removeLocalSession(ctx, r, s)
	}
}

func (sw *sweeper) stop() {
	sw.stopped.Store(true)
	close(sw.stopCh)
	<-sw.doneCh
	sw.pool.Release()
}
