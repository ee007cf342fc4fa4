package devicesession

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/meshgate/gatewaysession/pkg/metrics"
	"github.com/meshgate/gatewaysession/pkg/util/merr"
	"github.com/meshgate/gatewaysession/pkg/util/typeutil"
)

const loadKey = "load"

// ref is the registry's per-device cell: a single-flight load cell plus
// a broadcast slot (§4.1). Every mutation on loaded/producer/children
// goes through mu, which is the per-device-id serialization point the
// spec describes as the Local Registry's "atomic-compute".
type ref struct {
	deviceID string
	mgr      *Manager

	mu       sync.Mutex
	sf       *singleflight.Group
	producer Loader
	cancel   context.CancelFunc

	completed bool
	loaded    Session
	loadErr   error

	children typeutil.Set[string]
}

func newRef(mgr *Manager, deviceID string, producer Loader) *ref {
	return &ref{
		deviceID: deviceID,
		mgr:      mgr,
		sf:       &singleflight.Group{},
		producer: producer,
		children: typeutil.NewSet[string](),
	}
}

func newRefFromUpdater(mgr *Manager, deviceID string, updater SessionUpdater) *ref {
	r := newRef(mgr, deviceID, nil)
	r.producer = updater(nil)
	return r
}

// ref is the public subscribe point. On first subscription it consumes
// the pending producer and starts it; subsequent subscriptions join the
// same broadcast slot via singleflight. Once a load has completed, the
// slot replays the last outcome without re-invoking the producer.
func (r *ref) ref(ctx context.Context) (Session, error) {
	r.mu.Lock()
	if r.completed {
		s, err := r.loaded, r.loadErr
		r.mu.Unlock()
		return s, err
	}
	sf := r.sf
	r.mu.Unlock()

	ch := sf.DoChan(loadKey, r.loadOnce)
	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) {
				// Replaced mid-flight by update(): the spec calls for
				// signalling empty to waiters latched on the prior slot.
				return nil, nil
			}
			return nil, res.Err
		}
		s, _ := res.Val.(Session)
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadOnce is the closure singleflight actually runs (at most once per
// in-flight key, regardless of how many ref() callers submitted it).
func (r *ref) loadOnce() (interface{}, error) {
	r.mu.Lock()
	producer := r.producer
	r.producer = nil
	r.mu.Unlock()

	if producer == nil {
		// No pending load: either we lost a race to a concurrent
		// loadOnce (singleflight prevents that for the same key) or the
		// ref was updated and then immediately queried again before the
		// new producer was installed. Report the last known outcome.
		r.mu.Lock()
		s, err, completed := r.loaded, r.loadErr, r.completed
		r.mu.Unlock()
		if completed {
			return s, err
		}
		return nil, merr.ErrLoadFailed
	}
	return r.runLoad(producer)
}

// runLoad executes the load pipeline described in §4.1 steps 1-7.
func (r *ref) runLoad(producer Loader) (Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.mgr.cfg.SessionLoadTimeout)
	r.mu.Lock()
	old := r.loaded
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	s, err := producer(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			wrapped := merr.Combine(merr.ErrLoadTimeout, err)
			r.loadError(ctx, old, wrapped)
			metrics.DeviceSessionLoadTotal.WithLabelValues("timeout").Inc()
			return nil, wrapped
		}
		wrapped := merr.Combine(merr.ErrLoadFailed, err)
		r.loadError(ctx, old, wrapped)
		metrics.DeviceSessionLoadTotal.WithLabelValues("failed").Inc()
		return nil, wrapped
	}
	if s == nil {
		r.loadEmpty(ctx, old)
		metrics.DeviceSessionLoadTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}

	final, herr := r.mgr.handleLoaded(ctx, r, old, s)
	if herr != nil {
		_ = s.Close(ctx)
		wrapped := merr.Combine(merr.ErrOperatorFailed, herr)
		r.loadError(ctx, old, wrapped)
		metrics.DeviceSessionLoadTotal.WithLabelValues("failed").Inc()
		return nil, wrapped
	}

	r.afterLoaded(ctx, old, final)
	metrics.DeviceSessionLoadTotal.WithLabelValues("success").Inc()
	return final, nil
}

// loadError handles pipeline step 6: close current loaded, mark this
// outcome failed, and remove the ref from the registry.
func (r *ref) loadError(ctx context.Context, old Session, err error) {
	if old != nil {
		_ = old.Close(ctx)
	}
	r.mu.Lock()
	r.loaded = nil
	r.loadErr = err
	r.completed = true
	r.mu.Unlock()
	r.mgr.registry.removeIfSame(r.deviceID, r)
}

// loadEmpty handles pipeline step 5: the producer completed without
// emitting a value.
func (r *ref) loadEmpty(ctx context.Context, old Session) {
	if old != nil {
		_ = old.Close(ctx)
	}
	r.mu.Lock()
	r.loaded = nil
	r.loadErr = nil
	r.completed = true
	r.mu.Unlock()
	r.mgr.registry.removeIfSame(r.deviceID, r)
}

// afterLoaded handles pipeline step 7: publish the final value, closing
// the prior loaded session if it differs by identity.
func (r *ref) afterLoaded(ctx context.Context, old, final Session) {
	if old != nil && old != final {
		_ = old.Close(ctx)
	}
	r.mu.Lock()
	r.loaded = final
	r.loadErr = nil
	r.completed = true
	r.mu.Unlock()
}

// update replaces the pending load (§4.1 update). It cancels any running
// load, swaps in a fresh broadcast slot, and installs a new producer
// built from the ref's best-known current session.
func (r *ref) update(updater SessionUpdater) {
	r.mu.Lock()
	current := r.loaded
	oldCancel := r.cancel
	r.sf = &singleflight.Group{}
	r.cancel = nil
	r.completed = false
	r.producer = updater(current)
	r.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
}

// close evicts this ref (§4.1 close). If expected is non-nil, eviction
// only proceeds when it matches the currently loaded session and the
// Local Registry still points at this ref; otherwise eviction is
// unconditional on the session identity (but still compare-and-remove on
// ref identity, so a ref already replaced in the registry is untouched).
func (r *ref) close(ctx context.Context, expected Session) bool {
	r.mu.Lock()
	if expected != nil && r.loaded != expected {
		r.mu.Unlock()
		return false
	}
	s := r.loaded
	r.mu.Unlock()

	if !r.mgr.registry.removeIfSame(r.deviceID, r) {
		return false
	}
	if s != nil {
		_ = s.Close(ctx)
	}
	return true
}

func (r *ref) addChild(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children.Insert(deviceID)
}

func (r *ref) removeChild(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children.Remove(deviceID)
}

func (r *ref) childIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.children.Collect()
}

func (r *ref) currentLoaded() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

