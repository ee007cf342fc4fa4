package cluster

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/meshgate/gatewaysession/internal/util/sessionutil"
	"github.com/meshgate/gatewaysession/pkg/log"
)

type MembershipSuite struct {
	suite.Suite
}

func TestMembershipSuite(t *testing.T) {
	suite.Run(t, new(MembershipSuite))
}

func (s *MembershipSuite) newEmptyMembership() *Membership {
	return &Membership{peers: make(map[int64]string)}
}

func (s *MembershipSuite) TestApplyAddUpsertsPeer() {
	m := s.newEmptyMembership()
	logger := log.Ctx(nil)

	m.apply(&sessionutil.SessionEvent{
		EventType: sessionutil.SessionAddEvent,
		Session:   &sessionutil.Session{SessionRaw: sessionutil.SessionRaw{ServerID: 1, Address: "10.0.0.1:7070"}},
	}, logger)

	s.Equal([]string{"10.0.0.1:7070"}, m.Peers())
	s.Equal(1, m.Count())
}

func (s *MembershipSuite) TestApplyUpdateOverwritesAddress() {
	m := s.newEmptyMembership()
	logger := log.Ctx(nil)

	m.apply(&sessionutil.SessionEvent{
		EventType: sessionutil.SessionAddEvent,
		Session:   &sessionutil.Session{SessionRaw: sessionutil.SessionRaw{ServerID: 1, Address: "10.0.0.1:7070"}},
	}, logger)
	m.apply(&sessionutil.SessionEvent{
		EventType: sessionutil.SessionUpdateEvent,
		Session:   &sessionutil.Session{SessionRaw: sessionutil.SessionRaw{ServerID: 1, Address: "10.0.0.2:7070"}},
	}, logger)

	s.Equal([]string{"10.0.0.2:7070"}, m.Peers())
}

func (s *MembershipSuite) TestApplyDeleteRemovesPeer() {
	m := s.newEmptyMembership()
	logger := log.Ctx(nil)

	m.apply(&sessionutil.SessionEvent{
		EventType: sessionutil.SessionAddEvent,
		Session:   &sessionutil.Session{SessionRaw: sessionutil.SessionRaw{ServerID: 1, Address: "10.0.0.1:7070"}},
	}, logger)
	m.apply(&sessionutil.SessionEvent{
		EventType: sessionutil.SessionDelEvent,
		Session:   &sessionutil.Session{SessionRaw: sessionutil.SessionRaw{ServerID: 1}},
	}, logger)

	s.Empty(m.Peers())
	s.Equal(0, m.Count())
}

func (s *MembershipSuite) TestApplyIgnoresNilEventAndSession() {
	m := s.newEmptyMembership()
	logger := log.Ctx(nil)

	m.apply(nil, logger)
	m.apply(&sessionutil.SessionEvent{EventType: sessionutil.SessionAddEvent}, logger)

	s.Empty(m.Peers())
}
