package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/prxssh/peerlink/pkg/retry"
)

// alpnProtocol is the ALPN id negotiated on every peerlink QUIC connection.
const alpnProtocol = "peerlink/1"

// acceptStreamTimeout bounds how long an accepted QUIC connection may sit
// without opening its handshake stream.
const acceptStreamTimeout = 30 * time.Second

// quicTransport carries connections over quic-go. Each logical connection
// is one bidirectional stream on its own QUIC connection; the shared UDP
// socket and connection-id demultiplexing live inside quic-go's listener.
//
// Transport security is QUIC-native TLS with an ephemeral self-signed
// certificate. Peer authentication does not come from TLS; it comes from
// the application handshake, so dialers skip certificate verification and
// only pin the ALPN id.
type quicTransport struct {
	log *slog.Logger
	cfg *Config

	serverTLS *tls.Config

	mu        sync.Mutex
	listeners map[netip.AddrPort]*quicListener
	closed    bool

	attempts sync.WaitGroup
}

type quicListener struct {
	ln     *quic.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newQUICTransport(cfg *Config) (*quicTransport, error) {
	serverTLS, err := generateServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: tls setup: %w", ErrListener, err)
	}

	return &quicTransport{
		log:       cfg.Log.With("src", "quic_transport"),
		cfg:       cfg,
		serverTLS: serverTLS,
		listeners: make(map[netip.AddrPort]*quicListener),
	}, nil
}

func (t *quicTransport) StartListener(addr netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, exists := t.listeners[addr]; exists {
		return fmt.Errorf("%w: %s", ErrListenerExists, addr)
	}

	ln, err := quic.ListenAddr(addr.String(), t.serverTLS, nil)
	if err != nil {
		return fmt.Errorf("%w: bind %s: %w", ErrListener, addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{ln: ln, cancel: cancel}
	t.listeners[addr] = l

	l.wg.Add(1)
	go t.acceptLoop(ctx, l, addr)

	t.log.Info("listener started", "addr", addr)
	return nil
}

func (t *quicTransport) acceptLoop(ctx context.Context, l *quicListener, addr netip.AddrPort) {
	defer l.wg.Done()

	log := t.log.With("component", "accept loop", "addr", addr)
	log.Debug("started")

	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("accept failed, exiting", "error", err.Error())
			}
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			t.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection waits for the dialer to open its stream, then hands the
// endpoint to the connection pipeline. The dialer speaks first in every
// supported handshake, so AcceptStream completes as soon as the first
// handshake frame is in flight.
func (t *quicTransport) handleConnection(ctx context.Context, conn quic.Connection) {
	streamCtx, cancel := context.WithTimeout(ctx, acceptStreamTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		t.log.Debug("no handshake stream", "remote", conn.RemoteAddr(), "error", err.Error())
		_ = conn.CloseWithError(0, "no handshake stream")
		return
	}

	ep := newQUICEndpoint(conn, stream, t.cfg.MaxMessageSize)
	t.cfg.OnConnection(ep, DirectionIn)
}

func (t *quicTransport) StopListener(addr netip.AddrPort) error {
	t.mu.Lock()
	l, exists := t.listeners[addr]
	if exists {
		delete(t.listeners, addr)
	}
	t.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoListener, addr)
	}

	l.cancel()
	_ = l.ln.Close()
	l.wg.Wait()

	t.log.Info("listener stopped", "addr", addr)
	return nil
}

func (t *quicTransport) TryConnect(addr netip.AddrPort, timeout time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.attempts.Add(1)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}

	var conn quic.Connection
	err := retry.Do(ctx, func(ctx context.Context) error {
		c, err := quic.DialAddr(ctx, addr.String(), clientTLS, nil)
		if err == nil {
			conn = c
		}
		return err
	}, retry.WithExponentialBackoff(3, 50*time.Millisecond, 500*time.Millisecond)...)
	if err != nil {
		t.attempts.Done()
		return fmt.Errorf("%w: dial %s: %w", ErrPeerConnection, addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.attempts.Done()
		_ = conn.CloseWithError(0, "no stream")
		return fmt.Errorf("%w: open stream %s: %w", ErrPeerConnection, addr, err)
	}

	ep := newQUICEndpoint(conn, stream, t.cfg.MaxMessageSize)

	go func() {
		defer t.attempts.Done()
		t.cfg.OnConnection(ep, DirectionOut)
	}()

	return nil
}

func (t *quicTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	t.listeners = make(map[netip.AddrPort]*quicListener)
	t.mu.Unlock()

	for addr, l := range listeners {
		l.cancel()
		_ = l.ln.Close()
		l.wg.Wait()
		t.log.Debug("listener stopped", "addr", addr)
	}

	t.attempts.Wait()
	return nil
}
