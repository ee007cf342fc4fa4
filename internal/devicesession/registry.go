package devicesession

import "sync"

// registry is the Local Registry (§4.2): a concurrent device-id -> ref
// map. Go has no lock-free ConcurrentHashMap.compute, so a mutex-guarded
// map with double-checked insertion plays that role; the mutex is held
// only long enough to install/replace/remove a ref, never across a load.
type registry struct {
	mu   sync.Mutex
	refs map[string]*ref
}

func newRegistry() *registry {
	return &registry{refs: make(map[string]*ref)}
}

func (g *registry) get(deviceID string) *ref {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs[deviceID]
}

// removeIfSame is the registry's compare-and-remove primitive: it only
// deletes the deviceID entry if it still points at r.
func (g *registry) removeIfSame(deviceID string, r *ref) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.refs[deviceID]; ok && cur == r {
		delete(g.refs, deviceID)
		return true
	}
	return false
}

func (g *registry) snapshot() []*ref {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ref, 0, len(g.refs))
	for _, r := range g.refs {
		out = append(out, r)
	}
	return out
}

func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refs)
}

// computeCreateOrUpdate implements compute(deviceId, creator?, updater?)
// (§4.2 first form): install a new ref bound to creator if absent;
// replace the existing ref's loader via updater if present; otherwise
// leave the entry untouched.
func (g *registry) computeCreateOrUpdate(mgr *Manager, deviceID string, creator Loader, updater SessionUpdater) *ref {
	g.mu.Lock()
	if r, ok := g.refs[deviceID]; ok {
		g.mu.Unlock()
		if updater != nil {
			r.update(updater)
		}
		return r
	}
	if creator == nil {
		g.mu.Unlock()
		return nil
	}
	r := newRef(mgr, deviceID, creator)
	g.refs[deviceID] = r
	g.mu.Unlock()
	return r
}

// computeOrInstall implements compute(deviceId, computer) (§4.2 second
// form): update the existing ref via computer, or install a new ref
// bound to computer(empty).
func (g *registry) computeOrInstall(mgr *Manager, deviceID string, computer SessionUpdater) *ref {
	g.mu.Lock()
	if r, ok := g.refs[deviceID]; ok {
		g.mu.Unlock()
		r.update(computer)
		return r
	}
	r := newRefFromUpdater(mgr, deviceID, computer)
	g.refs[deviceID] = r
	g.mu.Unlock()
	return r
}
