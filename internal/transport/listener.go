package transport

import (
	"context"
	"net"

	"go.uber.org/zap"

	netpkg "github.com/meshgate/gatewaysession/internal/network"
	"github.com/meshgate/gatewaysession/internal/cluster"
	"github.com/meshgate/gatewaysession/internal/devicesession"
	"github.com/meshgate/gatewaysession/internal/directory"
	"github.com/meshgate/gatewaysession/pkg/log"
)

// Handshake is the first frame a device sends after connecting: its own
// identity, and optionally the device id of a parent connection this
// one should be wrapped under (§4.9's parent/child linkage).
type Handshake struct {
	DeviceID       string `json:"deviceId"`
	ParentDeviceID string `json:"parentDeviceId,omitempty"`
}

// Listener accepts device connections and feeds each one through the
// core's register/replace pipeline.
type Listener struct {
	ln       net.Listener
	mgr      *devicesession.Manager
	dir      *directory.Client
	serverID string
	codec    Codec
}

// NewListener binds a Listener to an already-open net.Listener, using
// the default no-op codec.
func NewListener(ln net.Listener, mgr *devicesession.Manager, dir *directory.Client, serverID string) *Listener {
	return NewListenerWithCodec(ln, mgr, dir, serverID, DefaultCodec())
}

// NewListenerWithCodec is NewListener with an explicit wire codec, e.g.
// one built from CodecConfig to turn on zstd compression or AEAD
// encryption for device connections.
func NewListenerWithCodec(ln net.Listener, mgr *devicesession.Manager, dir *directory.Client, serverID string, codec Codec) *Listener {
	return &Listener{ln: ln, mgr: mgr, dir: dir, serverID: serverID, codec: codec}
}

// Serve accepts connections until ctx is cancelled or the listener
// errors. Each accepted connection is handled on its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, raw net.Conn) {
	logger := log.Ctx(ctx)
	conn := NewDeviceConn(raw, l.codec)

	var hs Handshake
	if err := conn.Recv(&hs); err != nil {
		logger.Warn("device handshake failed", zap.String("stage", string(netpkg.StageHandshake)), zap.Error(err))
		_ = conn.Close()
		return
	}
	if hs.DeviceID == "" {
		logger.Warn("device handshake missing device id", zap.String("stage", string(netpkg.StageHandshake)))
		_ = conn.Close()
		return
	}

	op := cluster.NewOperator(l.dir, hs.DeviceID, l.serverID)

	var parent devicesession.Session
	if hs.ParentDeviceID != "" {
		if p, err := l.mgr.GetSession(ctx, hs.ParentDeviceID, false); err == nil {
			parent = p
		}
	}

	updater := func(current devicesession.Session) devicesession.Loader {
		return func(loadCtx context.Context) (devicesession.Session, error) {
			if current != nil {
				_ = current.Close(loadCtx)
			}
			return newDeviceSession(hs.DeviceID, conn, op, parent), nil
		}
	}

	if _, err := l.mgr.ComputeWith(ctx, hs.DeviceID, updater); err != nil {
		logger.Warn("device session load failed", zap.String("deviceId", hs.DeviceID), zap.Error(err))
		_ = conn.Close()
	}
}
