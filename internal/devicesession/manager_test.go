package devicesession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ManagerSuite struct {
	suite.Suite
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func newTestManager(cluster ClusterContract) *Manager {
	cfg := Config{SessionLoadTimeout: 200 * time.Millisecond, SessionCheckInterval: time.Hour, CurrentServerID: "node-a"}
	opts := []ManagerOption{}
	if cluster != nil {
		opts = append(opts, WithCluster(cluster))
	}
	return NewManager(cfg, opts...)
}

// P1: at most one ref per device id, even under concurrent Compute calls
// racing to create it (§8 P1).
func (s *ManagerSuite) TestComputeCreatesOneRefUnderConcurrency() {
	m := newTestManager(nil)
	deviceID := "dev-1"

	var started atomic.Int32
	loader := func(ctx context.Context) (Session, error) {
		started.Add(1)
		return newFakeSession("sess-1", deviceID), nil
	}

	var wg sync.WaitGroup
	results := make([]Session, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sess, err := m.Compute(context.Background(), deviceID, loader, nil)
			s.NoError(err)
			results[idx] = sess
		}(i)
	}
	wg.Wait()

	s.EqualValues(1, started.Load(), "single-flight producer must run exactly once")
	for _, r := range results {
		s.Same(results[0], r)
	}
	s.Equal(1, m.registry.len())
}

// P3: register/unregister pairing via the Event Bus, for a session that
// carries an operator (only an operator-bearing session has anything to
// write through, so only it fires paired events).
func (s *ManagerSuite) TestRegisterThenRemoveFiresPairedEvents() {
	cluster := newFakeCluster("node-a")
	m := newTestManager(cluster)
	deviceID := "dev-2"

	var events []EventTag
	var mu sync.Mutex
	m.ListenEvent(func(ctx context.Context, e Event) {
		mu.Lock()
		events = append(events, e.Tag)
		mu.Unlock()
	})

	op := newFakeOperator("node-a")
	loader := func(ctx context.Context) (Session, error) {
		return newFakeSession("sess-2", deviceID).withOperator(op), nil
	}
	sess, err := m.Compute(context.Background(), deviceID, loader, nil)
	s.NoError(err)
	s.NotNil(sess)

	count, err := m.Remove(context.Background(), deviceID, true)
	s.NoError(err)
	s.Equal(1, count)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]EventTag{EventRegister, EventUnregister}, events)
}

// A session with no operator has nowhere to write through to: register
// and unregister fire no events at all, matching the original's
// doRegister/closeSession both short-circuiting on a nil operator.
func (s *ManagerSuite) TestRegisterThenRemoveFiresNoEventsWithoutOperator() {
	m := newTestManager(nil)
	deviceID := "dev-2b"

	var events []EventTag
	var mu sync.Mutex
	m.ListenEvent(func(ctx context.Context, e Event) {
		mu.Lock()
		events = append(events, e.Tag)
		mu.Unlock()
	})

	loader := func(ctx context.Context) (Session, error) { return newFakeSession("sess-2b", deviceID), nil }
	sess, err := m.Compute(context.Background(), deviceID, loader, nil)
	s.NoError(err)
	s.NotNil(sess)

	count, err := m.Remove(context.Background(), deviceID, true)
	s.NoError(err)
	s.Equal(1, count)

	mu.Lock()
	defer mu.Unlock()
	s.Empty(events)
}

// P4: a closed session is never handed out as the ref's current value;
// GetSession with unregisterWhenNotAlive evicts a dead session instead
// of returning it.
func (s *ManagerSuite) TestGetSessionEvictsDeadSession() {
	m := newTestManager(nil)
	deviceID := "dev-3"

	fake := newFakeSession("sess-3", deviceID)
	loader := func(ctx context.Context) (Session, error) { return fake, nil }
	_, err := m.Compute(context.Background(), deviceID, loader, nil)
	s.NoError(err)

	fake.aliveVal.Store(false)

	sess, err := m.GetSession(context.Background(), deviceID, true)
	s.NoError(err)
	s.Nil(sess)
	s.True(fake.closed.Load())
	s.Nil(m.registry.get(deviceID))
}

// P5: a parent's children set carries the child device id until the
// child itself is evicted; evicting the parent does not force-evict a
// still-alive child.
func (s *ManagerSuite) TestParentChildLinkageAndCascade() {
	m := newTestManager(nil)

	parentID, childID := "parent-1", "child-1"
	var parentSess *fakeSession
	parentLoader := func(ctx context.Context) (Session, error) {
		parentSess = newFakeSession("parent-sess", parentID)
		return parentSess, nil
	}
	_, err := m.Compute(context.Background(), parentID, parentLoader, nil)
	s.NoError(err)

	childLoader := func(ctx context.Context) (Session, error) {
		return newFakeSession("child-sess", childID).withParent(parentSess), nil
	}
	childSess, err := m.Compute(context.Background(), childID, childLoader, nil)
	s.NoError(err)
	s.NotNil(childSess)

	pref := m.registry.get(parentID)
	s.Require().NotNil(pref)
	s.Contains(pref.childIDs(), childID)

	// Evicting the parent must not force-evict a still-alive child.
	_, err = m.Remove(context.Background(), parentID, true)
	s.NoError(err)
	s.NotNil(m.registry.get(childID))

	cref := m.registry.get(childID)
	s.Require().NotNil(cref)
	cs := cref.currentLoaded().(*fakeSession)
	cs.aliveVal.Store(false)
	_, err = m.GetSession(context.Background(), childID, true)
	s.NoError(err)
	s.Nil(m.registry.get(childID))
}

// Two sequential ComputeWith calls whose updater keeps the current
// session: each call runs the producer once, and the second call hands
// back the same session identity as the first.
func (s *ManagerSuite) TestComputeWithIdempotentRoundTrip() {
	m := newTestManager(nil)
	deviceID := "dev-4"

	var gen atomic.Int32
	updater := func(current Session) Loader {
		return func(ctx context.Context) (Session, error) {
			gen.Add(1)
			if current != nil {
				return current, nil
			}
			return newFakeSession("sess-4", deviceID), nil
		}
	}

	first, err := m.ComputeWith(context.Background(), deviceID, updater)
	s.NoError(err)
	s.NotNil(first)

	second, err := m.ComputeWith(context.Background(), deviceID, updater)
	s.NoError(err)
	s.Same(first, second)
	s.EqualValues(2, gen.Load())
}

// Load timeout: a producer that never returns within the configured
// timeout surfaces ErrLoadTimeout and evicts the ref.
func (s *ManagerSuite) TestLoadTimeoutEvictsRef() {
	m := newTestManager(nil)
	deviceID := "dev-5"

	loader := func(ctx context.Context) (Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := m.Compute(context.Background(), deviceID, loader, nil)
	s.Error(err)
	s.Nil(m.registry.get(deviceID))
}

// Replacement: update() cancels the outstanding producer's context and
// installs a fresh one; a caller still waiting on the old slot observes
// empty rather than a hard error.
func (s *ManagerSuite) TestUpdateReplacesInFlightLoad() {
	m := newTestManager(nil)
	deviceID := "dev-6"

	release := make(chan struct{})
	firstLoader := func(ctx context.Context) (Session, error) {
		select {
		case <-release:
			return newFakeSession("sess-6-old", deviceID), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var firstResult Session
	var firstErr error
	done := make(chan struct{})
	go func() {
		firstResult, firstErr = m.Compute(context.Background(), deviceID, firstLoader, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	r := m.registry.get(deviceID)
	s.Require().NotNil(r)

	r.update(func(current Session) Loader {
		return func(ctx context.Context) (Session, error) {
			return newFakeSession("sess-6-new", deviceID), nil
		}
	})

	<-done
	s.NoError(firstErr)
	s.Nil(firstResult)
	close(release)

	newSess, err := m.GetSession(context.Background(), deviceID, false)
	s.NoError(err)
	s.NotNil(newSess)
	s.Equal("sess-6-new", newSess.ID())
}

// Remote-only remove: with no local ref, onlyLocal=false asks the cluster
// contract to remove the device and returns the remote count unchanged.
func (s *ManagerSuite) TestRemoteOnlyRemove() {
	cluster := newFakeCluster("node-b")
	cluster.setRemoteAlive("dev-7", true)
	m := newTestManager(cluster)

	count, err := m.Remove(context.Background(), "dev-7", false)
	s.NoError(err)
	s.Equal(1, count)

	alive, _ := cluster.RemoteSessionIsAlive(context.Background(), "dev-7")
	s.False(alive)
}

// Operator write-through: an operator-bearing session is published on
// register and cleared on unregister once no local or remote copy
// remains.
func (s *ManagerSuite) TestOperatorWriteThrough() {
	cluster := newFakeCluster("node-a")
	m := newTestManager(cluster)
	deviceID := "dev-8"

	op := newFakeOperator("node-a")
	loader := func(ctx context.Context) (Session, error) {
		return newFakeSession("sess-8", deviceID).withOperator(op), nil
	}
	_, err := m.Compute(context.Background(), deviceID, loader, nil)
	s.NoError(err)
	s.True(op.online)
	s.EqualValues(1, op.onlineN.Load())

	_, err = m.Remove(context.Background(), deviceID, true)
	s.NoError(err)
	s.False(op.online)
	s.EqualValues(1, op.offlineN.Load())
}
