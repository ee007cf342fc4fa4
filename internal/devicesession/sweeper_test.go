package devicesession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type SweeperSuite struct {
	suite.Suite
}

func TestSweeperSuite(t *testing.T) {
	suite.Run(t, new(SweeperSuite))
}

// P6: once the sweeper is stopped, it never evicts anything again, even
// if a session goes dead afterwards.
func (s *SweeperSuite) TestStopSilencesSweeper() {
	m := newTestManager(nil)
	deviceID := "dev-sweep-1"

	fake := newFakeSession("sess-sweep-1", deviceID)
	_, err := m.Compute(context.Background(), deviceID, func(ctx context.Context) (Session, error) {
		return fake, nil
	}, nil)
	s.Require().NoError(err)

	s.Require().NoError(m.Init(context.Background()))
	s.Require().NoError(m.Shutdown(context.Background()))

	fake.aliveVal.Store(false)
	m.sweeper.sweep()

	s.NotNil(m.registry.get(deviceID), "a sweep invoked after shutdown must not evict")
}

// A dead session is evicted on the next sweep tick.
func (s *SweeperSuite) TestSweepEvictsDeadSession() {
	m := newTestManager(nil)
	deviceID := "dev-sweep-2"

	fake := newFakeSession("sess-sweep-2", deviceID)
	_, err := m.Compute(context.Background(), deviceID, func(ctx context.Context) (Session, error) {
		return fake, nil
	}, nil)
	s.Require().NoError(err)

	fake.aliveVal.Store(false)
	m.sweeper.sweep()

	s.Nil(m.registry.get(deviceID))
	s.True(fake.closed.Load())
}

// A liveness probe error treats the session as alive rather than
// evicting it: a flaky check must never cause a false eviction.
func (s *SweeperSuite) TestSweepTreatsProbeErrorAsAlive() {
	m := newTestManager(nil)
	deviceID := "dev-sweep-3"

	fake := newFakeSession("sess-sweep-3", deviceID)
	fake.aliveErr.Store(errBoom)
	_, err := m.Compute(context.Background(), deviceID, func(ctx context.Context) (Session, error) {
		return fake, nil
	}, nil)
	s.Require().NoError(err)

	m.sweeper.sweep()
	s.NotNil(m.registry.get(deviceID))
}

func (s *SweeperSuite) TestStartStopDoesNotDeadlock() {
	m := newTestManager(nil)
	m.sweeper.interval = 10 * time.Millisecond
	s.Require().NoError(m.Init(context.Background()))
	time.Sleep(30 * time.Millisecond)
	s.Require().NoError(m.Shutdown(context.Background()))
}
