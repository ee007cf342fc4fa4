package transport

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/suite"
)

type TransportSuite struct {
	suite.Suite
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

func (s *TransportSuite) TestSendRecvRoundTrip() {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	codec := DefaultCodec()
	serverConn := NewDeviceConn(server, codec)
	clientConn := NewDeviceConn(client, codec)

	done := make(chan struct{})
	var got Frame
	var recvErr error
	go func() {
		recvErr = serverConn.Recv(&got)
		close(done)
	}()

	sent := Frame{Op: opData, Payload: []byte("hello")}
	s.Require().NoError(clientConn.Send(sent))
	<-done

	s.NoError(recvErr)
	s.Equal(sent.Op, got.Op)
	s.Equal(sent.Payload, got.Payload)
}

func (s *TransportSuite) TestDeviceSessionIsAliveAsyncReflectsClose() {
	server, client := net.Pipe()
	defer client.Close()

	codec := DefaultCodec()
	serverConn := NewDeviceConn(server, codec)

	// Drain pings on the other end so Send doesn't block on the pipe.
	clientConn := NewDeviceConn(client, codec)
	go func() {
		var f Frame
		for {
			if err := clientConn.Recv(&f); err != nil {
				return
			}
		}
	}()

	sess := newDeviceSession("dev-x", serverConn, nil, nil)
	alive, err := sess.IsAliveAsync(context.Background())
	s.NoError(err)
	s.True(alive)

	s.NoError(sess.Close(context.Background()))
	alive, err = sess.IsAliveAsync(context.Background())
	s.NoError(err)
	s.False(alive)
}
