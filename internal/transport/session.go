package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/meshgate/gatewaysession/internal/devicesession"
)

// deviceSession is the concrete devicesession.Session bound to one
// DeviceConn. The core never sees DeviceConn directly: it only calls the
// Session methods below.
type deviceSession struct {
	id       string
	deviceID string
	conn     *DeviceConn
	op       devicesession.Operator
	parent   devicesession.Session

	mu     sync.Mutex
	closed bool

	pingFailures atomic.Int32
}

var sessionSeq atomic.Uint64

// newDeviceSession allocates a session id scoped to this process, since
// device ids are the registry key and session ids only need to be
// unique across reconnects of the same device.
func newDeviceSession(deviceID string, conn *DeviceConn, op devicesession.Operator, parent devicesession.Session) *deviceSession {
	seq := sessionSeq.Add(1)
	return &deviceSession{
		id:       fmt.Sprintf("%s-%d", deviceID, seq),
		deviceID: deviceID,
		conn:     conn,
		op:       op,
		parent:   parent,
	}
}

func (s *deviceSession) ID() string       { return s.id }
func (s *deviceSession) DeviceID() string { return s.deviceID }

// IsAliveAsync sends an empty ping frame and waits for the write to
// succeed; three consecutive failures are required before reporting
// not-alive, so one dropped packet doesn't trip the Liveness Sweeper.
func (s *deviceSession) IsAliveAsync(ctx context.Context) (bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, nil
	}

	if err := s.conn.Send(Frame{Op: opPing}); err != nil {
		if s.pingFailures.Add(1) >= 3 {
			return false, nil
		}
		return true, err
	}
	s.pingFailures.Store(0)
	return true, nil
}

func (s *deviceSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *deviceSession) ClientAddress() string { return s.conn.RemoteAddr() }

func (s *deviceSession) Operator() devicesession.Operator { return s.op }

// IsChanged reports true whenever other is not this exact session
// instance: a new DeviceConn under the same device id is always a
// distinct physical connection, even with the same device id and
// operator.
func (s *deviceSession) IsChanged(other devicesession.Session) bool {
	o, ok := other.(*deviceSession)
	return !ok || o.id != s.id
}

func (s *deviceSession) IsWrapFrom(kind string) bool {
	return kind == devicesession.WrapKindParent && s.parent != nil
}

func (s *deviceSession) Unwrap(kind string) (devicesession.Session, bool) {
	if kind == devicesession.WrapKindParent && s.parent != nil {
		return s.parent, true
	}
	return nil, false
}

const (
	opPing uint32 = 0
	opData uint32 = 1
)
