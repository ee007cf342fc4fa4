package devicesession

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/meshgate/gatewaysession/pkg/log"
	"github.com/meshgate/gatewaysession/pkg/metrics"
	"github.com/meshgate/gatewaysession/pkg/util/merr"
	"github.com/meshgate/gatewaysession/pkg/util/retry"
)

// ComputeHook is the configurable callback the spec describes as a
// "subclass hook": handleSessionCompute's replacement strategy, invoked
// only when an existing session is replaced by a changed one with an
// operator. It may return a transformed session (e.g. wrap it) or s
// itself unchanged.
type ComputeHook func(ctx context.Context, old, s Session) Session

// Manager is the public surface of the core (§4.6): it owns the Local
// Registry, the Event Bus and the Liveness Sweeper, and drives write-
// through against the Cluster Contract.
type Manager struct {
	log.Binder

	cfg      Config
	registry *registry
	eventBus *eventBus
	sweeper  *sweeper
	cluster  ClusterContract
	hook     ComputeHook

	startOnce sync.Once
	stopOnce  sync.Once
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithCluster wires a concrete Cluster Contract implementation. Without
// one, the Manager answers from the Local Registry alone: remote liveness
// queries report false, counts and enumerations are local only, and
// Remove evicts locally and returns no error.
func WithCluster(c ClusterContract) ManagerOption {
	return func(m *Manager) { m.cluster = c }
}

// WithComputeHook installs the handleSessionCompute subclass hook.
func WithComputeHook(h ComputeHook) ManagerOption {
	return func(m *Manager) { m.hook = h }
}

// NewManager constructs a Manager. Call Init to start the Liveness
// Sweeper, and Shutdown to stop it and drain the Event Bus.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		registry: newRegistry(),
		eventBus: newEventBus(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sweeper = newSweeper(m, cfg.SessionCheckInterval)
	m.SetLogger(log.With(zap.String("component", "devicesession")))
	return m
}

// Init starts the Liveness Sweeper.
func (m *Manager) Init(ctx context.Context) error {
	m.startOnce.Do(m.sweeper.start)
	return nil
}

// Shutdown disposes the sweeper and the Event Bus. In-flight loads are
// not force-cancelled; their results are simply ignored.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.sweeper.stop()
		m.eventBus.stop()
	})
	return nil
}

// Compute implements the first compute form (§4.2): install a new ref
// bound to creator if absent, replace the existing ref's loader via
// updater if present, and subscribe to the result.
func (m *Manager) Compute(ctx context.Context, deviceID string, creator Loader, updater SessionUpdater) (Session, error) {
	r := m.registry.computeCreateOrUpdate(m, deviceID, creator, updater)
	if r == nil {
		return nil, nil
	}
	return r.ref(ctx)
}

// ComputeWith implements the second compute form (§4.2): always update
// or install via computer, and subscribe to the result.
func (m *Manager) ComputeWith(ctx context.Context, deviceID string, computer SessionUpdater) (Session, error) {
	r := m.registry.computeOrInstall(m, deviceID, computer)
	return r.ref(ctx)
}

// GetSession implements §4.6's getSession. If unregisterWhenNotAlive is
// true, a dead session yields empty and is evicted as a side effect.
func (m *Manager) GetSession(ctx context.Context, deviceID string, unregisterWhenNotAlive bool) (Session, error) {
	r := m.registry.get(deviceID)
	if r == nil {
		return nil, nil
	}
	s, err := r.ref(ctx)
	if err != nil || s == nil {
		return s, err
	}
	if !unregisterWhenNotAlive {
		return s, nil
	}
	alive, aerr := m.checkSessionAlive(ctx, s)
	if aerr != nil {
		return s, nil
	}
	if !alive {
		m.removeLocalSession(ctx, r, s)
		return nil, nil
	}
	return s, nil
}

// GetSessions flatMaps over every ref currently in the Local Registry.
func (m *Manager) GetSessions(ctx context.Context) ([]Session, error) {
	refs := m.registry.snapshot()
	out := make([]Session, 0, len(refs))
	for _, r := range refs {
		s, err := r.ref(ctx)
		if err != nil {
			log.Ctx(ctx).Warn("getSessions: ref load failed", zap.String("deviceId", r.deviceID), zap.Error(err))
			continue
		}
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// Remove implements §4.6's remove: evict locally; if onlyLocal is false,
// also ask the Cluster Contract to remove remotely, and sum the counts.
// Per §7, an authoritative remote remove failure is surfaced.
func (m *Manager) Remove(ctx context.Context, deviceID string, onlyLocal bool) (int, error) {
	count := 0
	if r := m.registry.get(deviceID); r != nil {
		s := r.currentLoaded()
		if s != nil {
			if m.removeLocalSession(ctx, r, s) {
				count++
			}
		} else if r.close(ctx, nil) {
			count++
		}
	}

	if onlyLocal || m.cluster == nil {
		return count, nil
	}
	removed, err := m.cluster.RemoveRemoteSession(ctx, deviceID)
	if err != nil {
		return count, merr.Combine(merr.ErrRemoteUnavailable, err)
	}
	return count + removed, nil
}

// IsAlive implements §4.6's isAlive: true if a local ref exists with no
// probe; otherwise, unless onlyLocal, consult the cheap remote query.
func (m *Manager) IsAlive(ctx context.Context, deviceID string, onlyLocal bool) bool {
	if m.registry.get(deviceID) != nil {
		return true
	}
	if onlyLocal || m.cluster == nil {
		return false
	}
	alive, err := m.cluster.RemoteSessionIsAlive(ctx, deviceID)
	if err != nil {
		log.Ctx(ctx).Warn("isAlive: remote query failed, treating as unknown", zap.String("deviceId", deviceID), zap.Error(err))
		return false
	}
	return alive
}

// CheckAlive implements §4.6's checkAlive: stronger than IsAlive, since
// it requires the local session's operator write-through to succeed,
// falling back to the authoritative remote check otherwise.
func (m *Manager) CheckAlive(ctx context.Context, deviceID string, onlyLocal bool) bool {
	if r := m.registry.get(deviceID); r != nil {
		if s := r.currentLoaded(); s != nil {
			if s.Operator() == nil {
				return true
			}
			if err := m.writeThroughOnline(ctx, s); err == nil {
				return true
			}
		}
	}
	if onlyLocal || m.cluster == nil {
		return false
	}
	alive, err := m.cluster.CheckRemoteSessionIsAlive(ctx, deviceID)
	if err != nil {
		log.Ctx(ctx).Warn("checkAlive: remote probe failed, treating as unknown", zap.String("deviceId", deviceID), zap.Error(err))
		return false
	}
	return alive
}

// TotalSessions implements §4.6's totalSessions.
func (m *Manager) TotalSessions(ctx context.Context, onlyLocal bool) int64 {
	total := int64(m.registry.len())
	if onlyLocal || m.cluster == nil {
		return total
	}
	remote, err := m.cluster.RemoteTotalSessions(ctx)
	if err != nil {
		log.Ctx(ctx).Warn("totalSessions: remote count failed, reporting local only", zap.Error(err))
		return total
	}
	return total + remote
}

// GetSessionInfo implements §4.6's getSessionInfo: concatenate the local
// snapshot with the remote enumeration.
func (m *Manager) GetSessionInfo(ctx context.Context, serverID string) ([]SessionInfo, error) {
	sessions, _ := m.GetSessions(ctx)
	local := lo.Map(sessions, func(s Session, _ int) SessionInfo {
		return SessionInfo{DeviceID: s.DeviceID(), ServerID: m.currentServerID(), Address: s.ClientAddress()}
	})
	if serverID != "" && serverID != m.currentServerID() {
		local = nil
	}
	if m.cluster == nil {
		return local, nil
	}
	remote, err := m.cluster.RemoteSessions(ctx, serverID)
	if err != nil {
		log.Ctx(ctx).Warn("getSessionInfo: remote enumeration failed", zap.Error(err))
		return local, nil
	}
	return append(local, remote...), nil
}

// ListenEvent implements §4.4's listenEvent.
func (m *Manager) ListenEvent(handler Handler) Disposable {
	return m.eventBus.listen(handler)
}

// WarmOperator is the doInit hook (§3, §9 open question b, supplemented
// in SPEC_FULL.md §3): it re-pushes a device's directory record without
// going through Compute, for adapters that need to refresh the write-
// through independent of a load.
func (m *Manager) WarmOperator(ctx context.Context, deviceID string) error {
	r := m.registry.get(deviceID)
	if r == nil {
		return merr.WrapErrIoKeyNotFound(deviceID)
	}
	s := r.currentLoaded()
	if s == nil {
		return merr.WrapErrIoKeyNotFound(deviceID)
	}
	if s.Operator() == nil {
		return nil
	}
	return m.writeThroughOnline(ctx, s)
}

// EvictCluster is removeFromCluster from the original implementation
// (SPEC_FULL.md §12): an administrative remove that additionally decides
// whether to clear the directory record, by comparing the session
// operator's recorded server id against this node's own id.
func (m *Manager) EvictCluster(ctx context.Context, deviceID string) (bool, error) {
	r := m.registry.get(deviceID)
	if r == nil {
		return false, nil
	}
	s := r.currentLoaded()
	if s == nil {
		return false, nil
	}
	if op := s.Operator(); op != nil {
		ownedHere := op.ServerID() != "" && op.ServerID() == m.currentServerID()
		if ownedHere {
			if err := m.writeThroughOffline(ctx, s); err != nil {
				return false, err
			}
		}
	}
	return m.removeLocalSession(ctx, r, s), nil
}

func (m *Manager) currentServerID() string {
	if m.cluster != nil {
		return m.cluster.CurrentServerID()
	}
	return m.cfg.CurrentServerID
}

// checkSessionAlive implements §4.3's checkSessionAlive: true iff
// IsAliveAsync yields true, treating an unknown/error result as alive so
// that a probe failure never causes a false eviction.
func (m *Manager) checkSessionAlive(ctx context.Context, s Session) (bool, error) {
	alive, err := s.IsAliveAsync(ctx)
	if err != nil {
		return true, err
	}
	return alive, nil
}

// removeLocalSession evicts s from r and fires the matching unregister
// event, including the parent/child back-edge cleanup and cascade.
func (m *Manager) removeLocalSession(ctx context.Context, r *ref, s Session) bool {
	if !r.close(ctx, s) {
		return false
	}

	if parent, ok := s.Unwrap(WrapKindParent); ok {
		if pref := m.registry.get(parent.DeviceID()); pref != nil {
			pref.removeChild(s.DeviceID())
		}
	}

	m.fireUnregister(ctx, s)
	m.checkChildren(ctx, r)
	metrics.DeviceSessionsActive.Set(float64(m.registry.len()))
	return true
}

// checkChildren probes each child's liveness after a parent eviction
// (§8 scenario 6, §9 design notes): parent eviction does not force-evict
// children, it only triggers their own liveness check.
func (m *Manager) checkChildren(ctx context.Context, r *ref) {
	for _, childID := range r.childIDs() {
		cref := m.registry.get(childID)
		if cref == nil {
			continue
		}
		cs := cref.currentLoaded()
		if cs == nil {
			continue
		}
		alive, err := m.checkSessionAlive(ctx, cs)
		if err != nil {
			continue
		}
		if !alive {
			m.removeLocalSession(ctx, cref, cs)
		}
	}
}

// fireUnregister implements the unregister write-through policy (§4.5).
// A session with no operator never went through a register write-through
// in the first place, so there is nothing to unregister: mirrors the
// original's closeSession returning Mono.empty() before fireEvent in
// exactly this case.
func (m *Manager) fireUnregister(ctx context.Context, s Session) {
	if s.Operator() == nil {
		return
	}

	existsElsewhere := false
	if m.cluster != nil {
		var err error
		existsElsewhere, err = m.cluster.InitSessionConnection(ctx, s)
		if err != nil {
			log.Ctx(ctx).Warn("fireUnregister: InitSessionConnection failed, assuming still alive elsewhere",
				zap.String("deviceId", s.DeviceID()), zap.Error(err))
			existsElsewhere = true
		}
	}
	// Open question (a): this presence check intentionally uses plain
	// containsKey semantics (no identity compare), matching spec.md §9:
	// a same-tick re-register with a different ref could be mis-labelled
	// remoteExists=true.
	stillRegisteredLocally := m.registry.get(s.DeviceID()) != nil

	if !existsElsewhere && !stillRegisteredLocally {
		if err := m.writeThroughOffline(ctx, s); err != nil {
			log.Ctx(ctx).Warn("fireUnregister: offline write-through failed", zap.String("deviceId", s.DeviceID()), zap.Error(err))
		}
		m.eventBus.fire(ctx, Event{Tag: EventUnregister, Session: s, RemoteExists: false})
		return
	}
	m.eventBus.fire(ctx, Event{Tag: EventUnregister, Session: s, RemoteExists: true})
}

// doRegister implements the register write-through policy (§4.5). A
// session with no operator has nowhere to write through to and fires no
// event, matching the original's doRegister returning Mono.empty()
// immediately when session.getOperator() == null.
func (m *Manager) doRegister(ctx context.Context, s Session) error {
	if s.Operator() != nil {
		if err := m.writeThroughOnline(ctx, s); err != nil {
			return err
		}

		remoteExists := false
		if m.cluster != nil {
			var err error
			remoteExists, err = m.cluster.RemoteSessionIsAlive(ctx, s.DeviceID())
			if err != nil {
				remoteExists = false
			}
		}
		m.eventBus.fire(ctx, Event{Tag: EventRegister, Session: s, RemoteExists: remoteExists})
	}
	metrics.DeviceSessionsActive.Set(float64(m.registry.len()))
	return nil
}

// handleLoaded implements §4.1's pipeline step 2: record loaded, wire up
// parent/child back-edges, and run the register-or-compute continuation.
func (m *Manager) handleLoaded(ctx context.Context, r *ref, old, s Session) (Session, error) {
	if parent, ok := s.Unwrap(WrapKindParent); ok {
		if pref := m.registry.get(parent.DeviceID()); pref != nil {
			pref.addChild(s.DeviceID())
		}
	}

	if old == nil {
		if err := m.doRegister(ctx, s); err != nil {
			return s, err
		}
		return m.handleSessionCompute(ctx, nil, s)
	}
	return m.handleSessionCompute(ctx, old, s)
}

// handleSessionCompute implements §4.1's pipeline step 3.
func (m *Manager) handleSessionCompute(ctx context.Context, old, s Session) (Session, error) {
	if old == nil || !old.IsChanged(s) || s.Operator() == nil {
		return s, nil
	}

	_ = old.Close(ctx)
	if err := m.writeThroughOnline(ctx, s); err != nil {
		return s, err
	}
	if m.hook != nil {
		return m.hook(ctx, old, s), nil
	}
	return s, nil
}

func (m *Manager) writeThroughOnline(ctx context.Context, s Session) error {
	op := s.Operator()
	if op == nil {
		return nil
	}
	err := retry.Do(ctx, func() error {
		return op.Online(ctx, m.currentServerID(), s.ID(), s.ClientAddress())
	}, retry.Attempts(3))
	if err != nil {
		return merr.Combine(merr.ErrOperatorFailed, err)
	}
	return nil
}

func (m *Manager) writeThroughOffline(ctx context.Context, s Session) error {
	op := s.Operator()
	if op == nil {
		return nil
	}
	err := retry.Do(ctx, func() error {
		return op.Offline(ctx)
	}, retry.Attempts(3))
	if err != nil {
		return merr.Combine(merr.ErrOperatorFailed, err)
	}
	return nil
}
