package cluster

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/meshgate/gatewaysession/internal/util/sessionutil"
	"github.com/meshgate/gatewaysession/pkg/log"
)

// Membership tracks sibling gatewayd processes registered under a
// sessionutil.Session prefix, separately from the per-device operator
// directory. It is a thin cache over GetSessions/WatchServices: the
// initial snapshot comes from a single etcd read, kept current after
// that by the watch loop instead of repolling on every Peers call.
type Membership struct {
	sess *sessionutil.Session

	mu    sync.RWMutex
	peers map[int64]string // ServerID -> Address

	watcher sessionutil.SessionWatcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMembership snapshots sess's watched prefix and starts a background
// watch to keep it current. sess is expected to already be Init'd and
// Register'd by the caller (see application.initNodeMembership);
// Membership only reads.
func NewMembership(ctx context.Context, sess *sessionutil.Session) (*Membership, error) {
	sessions, rev, err := sess.GetSessions(ctx, "")
	if err != nil {
		return nil, err
	}

	m := &Membership{
		sess:   sess,
		peers:  make(map[int64]string, len(sessions)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, s := range sessions {
		m.peers[s.ServerID] = s.Address
	}

	m.watcher = sess.WatchServices("", rev+1, func(map[string]*sessionutil.Session) error { return nil })
	go m.loop()
	return m, nil
}

func (m *Membership) loop() {
	defer close(m.doneCh)
	logger := log.Ctx(context.Background())
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.EventChannel():
			if !ok {
				return
			}
			m.apply(ev, logger)
		}
	}
}

func (m *Membership) apply(ev *sessionutil.SessionEvent, logger *log.MLogger) {
	if ev == nil || ev.Session == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.EventType {
	case sessionutil.SessionAddEvent, sessionutil.SessionUpdateEvent:
		m.peers[ev.Session.ServerID] = ev.Session.Address
	case sessionutil.SessionDelEvent:
		delete(m.peers, ev.Session.ServerID)
	default:
		logger.Debug("membership watch: ignoring event", zap.Stringer("type", ev.EventType))
	}
}

// Peers returns the addresses of every currently-registered node,
// including this one if it registered under the same session.
func (m *Membership) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for _, addr := range m.peers {
		out = append(out, addr)
	}
	return out
}

// Count returns the number of currently-registered nodes.
func (m *Membership) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Stop tears down the watch loop. The underlying session is owned by
// the caller and is not stopped here.
func (m *Membership) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Stop()
	}
	<-m.doneCh
}
