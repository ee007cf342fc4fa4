// Package transport is the one concrete devicesession.Session the
// gateway actually runs: a length-prefixed TCP frame protocol built on
// the teacher's kept network building blocks (compressor, serializer,
// crypto) and its ring-buffer pool, instead of the WebSocket acceptor
// stack the original examples used (that stack wasn't carried into this
// module; see DESIGN.md).
package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/meshgate/gatewaysession/internal/network/compressor"
	"github.com/meshgate/gatewaysession/internal/network/crypto"
	"github.com/meshgate/gatewaysession/internal/network/serializer"
	"github.com/meshgate/gatewaysession/internal/pool/ringbuffer"
)

const maxFrameSize = 16 << 20

// Frame is the message envelope exchanged over a DeviceConn, carried as
// the serializer's payload type.
type Frame struct {
	Op      uint32 `json:"op"`
	Payload []byte `json:"payload"`
}

// Codec bundles the three independently-pluggable concerns a wire frame
// goes through, mirroring the teacher's codec.Options shape without
// reintroducing its framer/acceptor machinery.
type Codec struct {
	Compressor compressor.Compressor
	Encryptor  crypto.Encryptor
	Serializer serializer.Serializer
}

// DefaultCodec wires the no-op compressor/encryptor with the sonic-backed
// JSON serializer; production deployments swap in ZstdCompressor and an
// AEAD encryptor via Config.
func DefaultCodec() Codec {
	return Codec{
		Compressor: compressor.NopCompressor{},
		Encryptor:  crypto.NopEncryptor{},
		Serializer: serializer.JSONSerializer{},
	}
}

// DeviceConn is a single framed TCP connection to one device. Outgoing
// frames are staged through a pooled ring buffer so header and payload
// leave in one write; Recv reads each frame into freshly allocated
// slices.
type DeviceConn struct {
	conn  net.Conn
	codec Codec

	writeMu sync.Mutex
	rb      *ringbuffer.RingBuffer
}

// NewDeviceConn wraps conn with codec. Close below releases the pooled
// buffer and closes conn; it has no guard against a second call, which
// returns whatever conn.Close returns then.
func NewDeviceConn(conn net.Conn, codec Codec) *DeviceConn {
	return &DeviceConn{conn: conn, codec: codec, rb: ringbuffer.Get()}
}

// Send encodes v through the codec and writes it as one length-prefixed
// frame: [4-byte big-endian length][payload].
func (c *DeviceConn) Send(v any) error {
	plain, err := c.codec.Serializer.Marshal(v)
	if err != nil {
		return err
	}
	packet, err := c.codec.Compressor.Compress(nil, plain)
	if err != nil {
		return err
	}
	sealed, err := c.codec.Encryptor.Encrypt(packet, nil)
	if err != nil {
		return err
	}
	if len(sealed) > maxFrameSize {
		return io.ErrShortBuffer
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(sealed)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Stage header+payload through the pooled ring buffer so a small
	// frame costs one Write(2) instead of two.
	c.rb.Reset()
	_, _ = c.rb.Write(header)
	_, _ = c.rb.Write(sealed)
	_, err = c.rb.WriteTo(c.conn)
	return err
}

// Recv blocks for the next frame and decodes it into v.
func (c *DeviceConn) Recv(v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > maxFrameSize {
		return io.ErrShortBuffer
	}

	sealed := make([]byte, n)
	if _, err := io.ReadFull(c.conn, sealed); err != nil {
		return err
	}

	packet, err := c.codec.Encryptor.Decrypt(sealed, nil)
	if err != nil {
		return err
	}
	plain, err := c.codec.Compressor.Decompress(nil, packet)
	if err != nil {
		return err
	}
	return c.codec.Serializer.Unmarshal(plain, v)
}

func (c *DeviceConn) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *DeviceConn) Close() error {
	if c.rb != nil {
		ringbuffer.Put(c.rb)
		c.rb = nil
	}
	return c.conn.Close()
}
