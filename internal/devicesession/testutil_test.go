package devicesession

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeOperator is a devicesession.Operator double that just records
// online/offline calls, optionally failing on demand.
type fakeOperator struct {
	mu       sync.Mutex
	serverID string
	online   bool
	onlineN  atomic.Int32
	offlineN atomic.Int32
	failNext atomic.Bool
}

func newFakeOperator(serverID string) *fakeOperator {
	return &fakeOperator{serverID: serverID}
}

func (o *fakeOperator) Online(ctx context.Context, serverID, sessionID, address string) error {
	o.onlineN.Add(1)
	if o.failNext.Swap(false) {
		return errBoom
	}
	o.mu.Lock()
	o.serverID = serverID
	o.online = true
	o.mu.Unlock()
	return nil
}

func (o *fakeOperator) Offline(ctx context.Context) error {
	o.offlineN.Add(1)
	o.mu.Lock()
	o.online = false
	o.mu.Unlock()
	return nil
}

func (o *fakeOperator) ServerID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.serverID
}

// fakeSession is a minimal Session double. alive/closed are observable
// via atomics so tests can assert on them from outside the registry.
type fakeSession struct {
	id       string
	deviceID string
	op       Operator
	parent   Session

	aliveVal atomic.Bool
	aliveErr atomic.Value // error
	closed   atomic.Bool
	changed  atomic.Bool
}

func newFakeSession(id, deviceID string) *fakeSession {
	s := &fakeSession{id: id, deviceID: deviceID}
	s.aliveVal.Store(true)
	return s
}

func (s *fakeSession) withOperator(op Operator) *fakeSession {
	s.op = op
	return s
}

func (s *fakeSession) withParent(p Session) *fakeSession {
	s.parent = p
	return s
}

func (s *fakeSession) ID() string       { return s.id }
func (s *fakeSession) DeviceID() string { return s.deviceID }

func (s *fakeSession) IsAliveAsync(ctx context.Context) (bool, error) {
	if errv := s.aliveErr.Load(); errv != nil {
		return false, errv.(error)
	}
	return s.aliveVal.Load(), nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) ClientAddress() string { return "127.0.0.1:0" }
func (s *fakeSession) Operator() Operator    { return s.op }

func (s *fakeSession) IsChanged(other Session) bool {
	if s.changed.Load() {
		return true
	}
	o, ok := other.(*fakeSession)
	return !ok || o.id != s.id
}

func (s *fakeSession) IsWrapFrom(kind string) bool {
	return kind == WrapKindParent && s.parent != nil
}

func (s *fakeSession) Unwrap(kind string) (Session, bool) {
	if kind == WrapKindParent && s.parent != nil {
		return s.parent, true
	}
	return nil, false
}

// fakeCluster is a ClusterContract double backed by an in-memory map.
type fakeCluster struct {
	mu       sync.Mutex
	alive    map[string]bool
	serverID string
}

func newFakeCluster(serverID string) *fakeCluster {
	return &fakeCluster{alive: make(map[string]bool), serverID: serverID}
}

func (c *fakeCluster) setRemoteAlive(deviceID string, alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive[deviceID] = alive
}

func (c *fakeCluster) RemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive[deviceID], nil
}

func (c *fakeCluster) CheckRemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error) {
	return c.RemoteSessionIsAlive(ctx, deviceID)
}

func (c *fakeCluster) RemoveRemoteSession(ctx context.Context, deviceID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive[deviceID] {
		delete(c.alive, deviceID)
		return 1, nil
	}
	return 0, nil
}

func (c *fakeCluster) RemoteTotalSessions(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.alive)), nil
}

func (c *fakeCluster) RemoteSessions(ctx context.Context, serverID string) ([]SessionInfo, error) {
	return nil, nil
}

func (c *fakeCluster) InitSessionConnection(ctx context.Context, s Session) (bool, error) {
	return c.RemoteSessionIsAlive(ctx, s.DeviceID())
}

func (c *fakeCluster) CurrentServerID() string { return c.serverID }

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
