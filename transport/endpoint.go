package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/prxssh/peerlink/ratelimit"
	"github.com/prxssh/peerlink/wire"
)

// Endpoint is a transport-typed handle to one logical connection. All
// application I/O goes through it as length-prefixed frames.
//
// An Endpoint can be cloned so that a reader and a writer goroutine each
// hold their own handle; clones share the underlying connection and shut it
// down at most once. Read/write timeouts and the handshake rate limiter are
// per-handle state, so the handshake path can be metered without slowing
// the steady-state workers.
type Endpoint struct {
	kind   Type
	remote netip.AddrPort

	tcp        net.Conn
	quicConn   quic.Connection
	quicStream quic.Stream

	maxMessageSize uint32
	limiter        *ratelimit.Bucket
	readTimeout    time.Duration
	writeTimeout   time.Duration

	shutdownOnce *sync.Once
}

// frameConn is what every transport variant's connection must offer the
// codec. Both net.Conn and quic.Stream satisfy it.
type frameConn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func newTCPEndpoint(conn net.Conn, maxMessageSize uint32) *Endpoint {
	remote, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return &Endpoint{
		kind:           TCP,
		remote:         remote,
		tcp:            conn,
		maxMessageSize: maxMessageSize,
		shutdownOnce:   new(sync.Once),
	}
}

func newQUICEndpoint(conn quic.Connection, stream quic.Stream, maxMessageSize uint32) *Endpoint {
	remote, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return &Endpoint{
		kind:           QUIC,
		remote:         remote,
		quicConn:       conn,
		quicStream:     stream,
		maxMessageSize: maxMessageSize,
		shutdownOnce:   new(sync.Once),
	}
}

// Transport reports which transport family member carries this connection.
func (e *Endpoint) Transport() Type { return e.kind }

// TargetAddr returns the remote address of the connection.
func (e *Endpoint) TargetAddr() netip.AddrPort { return e.remote }

// MaxMessageSize returns the frame payload bound applied on this handle.
func (e *Endpoint) MaxMessageSize() uint32 { return e.maxMessageSize }

// Clone returns a second handle to the same connection. Timeouts and
// limiter settings are copied, not shared.
func (e *Endpoint) Clone() *Endpoint {
	clone := *e
	return &clone
}

// SetTimeouts sets the per-call read and write deadlines. Zero disables the
// corresponding deadline.
func (e *Endpoint) SetTimeouts(read, write time.Duration) {
	e.readTimeout = read
	e.writeTimeout = write
}

// SetLimiter meters every subsequent byte sent or received through this
// handle. A nil bucket disables metering.
func (e *Endpoint) SetLimiter(b *ratelimit.Bucket) {
	e.limiter = b
}

func (e *Endpoint) conn() frameConn {
	switch e.kind {
	case TCP:
		return e.tcp
	case QUIC:
		return e.quicStream
	default:
		panic(fmt.Sprintf("transport: endpoint with unknown kind %d", e.kind))
	}
}

// Send writes payload as one frame, honouring the configured write timeout.
func (e *Endpoint) Send(payload []byte) error {
	return e.send(payload, e.writeTimeout)
}

// SendTimeout writes payload as one frame with an explicit timeout
// overriding the configured one.
func (e *Endpoint) SendTimeout(payload []byte, timeout time.Duration) error {
	return e.send(payload, timeout)
}

func (e *Endpoint) send(payload []byte, timeout time.Duration) error {
	c := e.conn()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := e.limiter.Consume(wire.LengthPrefixSize+len(payload), deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	if !deadline.IsZero() {
		_ = c.SetWriteDeadline(deadline)
		defer c.SetWriteDeadline(time.Time{})
	}

	if err := wire.WriteFrame(c, payload, e.maxMessageSize); err != nil {
		if errors.Is(err, wire.ErrOversizeFrame) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	return nil
}

// Receive reads one frame and returns its payload, honouring the
// configured read timeout. An oversize announced length surfaces as
// wire.ErrOversizeFrame and is fatal to the connection.
func (e *Endpoint) Receive() ([]byte, error) {
	c := e.conn()

	var deadline time.Time
	if e.readTimeout > 0 {
		deadline = time.Now().Add(e.readTimeout)
		_ = c.SetReadDeadline(deadline)
		defer c.SetReadDeadline(time.Time{})
	}

	payload, err := wire.ReadFrame(c, e.maxMessageSize)
	if err != nil {
		if errors.Is(err, wire.ErrOversizeFrame) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}

	// Reads are metered after the fact: the token debt throttles the
	// next I/O call, which bounds handshake throughput just the same.
	if err := e.limiter.Consume(wire.LengthPrefixSize+len(payload), deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}

	return payload, nil
}

// Shutdown closes the underlying connection. It is idempotent across all
// clones of the endpoint.
func (e *Endpoint) Shutdown() {
	e.shutdownOnce.Do(func() {
		switch e.kind {
		case TCP:
			_ = e.tcp.Close()
		case QUIC:
			_ = e.quicStream.Close()
			_ = e.quicConn.CloseWithError(0, "shutdown")
		}
	})
}

// IsTimeout reports whether err is a read, write, or limiter timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ratelimit.ErrTimedOut) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
