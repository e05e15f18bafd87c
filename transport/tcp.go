package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/peerlink/pkg/retry"
)

// tcpTransport owns the TCP listeners and outbound dials.
//
// Each listener runs one accept goroutine. Stopping a listener closes the
// socket, which wakes the accept loop, and then waits for the loop and
// every connection handler it spawned to exit. That join is what makes the
// guarantee hold that a stopped listener contributes no further
// connections.
type tcpTransport struct {
	log *slog.Logger
	cfg *Config

	mu        sync.Mutex
	listeners map[netip.AddrPort]*tcpListener
	closed    bool

	attempts sync.WaitGroup
}

type tcpListener struct {
	ln   net.Listener
	done chan struct{}
	wg   sync.WaitGroup
}

func newTCPTransport(cfg *Config) *tcpTransport {
	return &tcpTransport{
		log:       cfg.Log.With("src", "tcp_transport"),
		cfg:       cfg,
		listeners: make(map[netip.AddrPort]*tcpListener),
	}
}

func (t *tcpTransport) StartListener(addr netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, exists := t.listeners[addr]; exists {
		return fmt.Errorf("%w: %s", ErrListenerExists, addr)
	}

	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return fmt.Errorf("%w: bind %s: %w", ErrListener, addr, err)
	}

	l := &tcpListener{ln: ln, done: make(chan struct{})}
	t.listeners[addr] = l

	l.wg.Add(1)
	go t.acceptLoop(l, addr)

	t.log.Info("listener started", "addr", addr)
	return nil
}

func (t *tcpTransport) acceptLoop(l *tcpListener, addr netip.AddrPort) {
	defer l.wg.Done()

	log := t.log.With("component", "accept loop", "addr", addr)
	log.Debug("started")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					log.Warn("accept failed, exiting", "error", err.Error())
				}
			}
			return
		}

		ep := newTCPEndpoint(conn, t.cfg.MaxMessageSize)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			t.cfg.OnConnection(ep, DirectionIn)
		}()
	}
}

func (t *tcpTransport) StopListener(addr netip.AddrPort) error {
	t.mu.Lock()
	l, exists := t.listeners[addr]
	if exists {
		delete(t.listeners, addr)
	}
	t.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoListener, addr)
	}

	close(l.done)
	_ = l.ln.Close()
	l.wg.Wait()

	t.log.Info("listener stopped", "addr", addr)
	return nil
}

func (t *tcpTransport) TryConnect(addr netip.AddrPort, timeout time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.attempts.Add(1)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var conn net.Conn
	err := retry.Do(ctx, func(ctx context.Context) error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr.String())
		if err == nil {
			conn = c
		}
		return err
	}, retry.WithExponentialBackoff(3, 50*time.Millisecond, 500*time.Millisecond)...)
	if err != nil {
		t.attempts.Done()
		return fmt.Errorf("%w: dial %s: %w", ErrPeerConnection, addr, err)
	}

	ep := newTCPEndpoint(conn, t.cfg.MaxMessageSize)

	go func() {
		defer t.attempts.Done()
		t.cfg.OnConnection(ep, DirectionOut)
	}()

	return nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	t.listeners = make(map[netip.AddrPort]*tcpListener)
	t.mu.Unlock()

	for addr, l := range listeners {
		close(l.done)
		_ = l.ln.Close()
		l.wg.Wait()
		t.log.Debug("listener stopped", "addr", addr)
	}

	t.attempts.Wait()
	return nil
}
