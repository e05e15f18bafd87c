package peerlink

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/ratelimit"
	"github.com/prxssh/peerlink/transport"
)

// Manager is the top-level owner of the connection core: the peer
// registry, the running transports, and every worker goroutine. A process
// may run several managers side by side as long as they bind distinct
// ports; there is no package-level state.
type Manager struct {
	cfg *Config
	log *slog.Logger
	db  *PeerDB

	mu          sync.Mutex
	transports  map[transport.Type]transport.Transport
	listeners   map[netip.AddrPort]transport.Type
	handshaking map[*transport.Endpoint]struct{}
	closed      bool

	workers sync.WaitGroup
}

// NewManager validates cfg and builds a manager. No listener runs until
// StartListener is called.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Manager{
		cfg:         cfg,
		log:         cfg.Logger.With("src", "peerlink", "self", cfg.Context.PeerID()),
		db:          newPeerDB(cfg),
		transports:  make(map[transport.Type]transport.Transport),
		listeners:   make(map[netip.AddrPort]transport.Type),
		handshaking: make(map[*transport.Endpoint]struct{}),
	}, nil
}

// transportFor lazily instantiates the transport for t.
func (m *Manager) transportFor(t transport.Type) (transport.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	tr, exists := m.transports[t]
	if !exists {
		var err error
		tr, err = transport.New(t, &transport.Config{
			Log:            m.log,
			MaxMessageSize: m.cfg.MaxMessageSize,
			OnConnection:   m.handleConnection,
		})
		if err != nil {
			return nil, err
		}
		m.transports[t] = tr
	}

	return tr, nil
}

// StartListener binds addr on the given transport and starts accepting
// connections into the admission pipeline.
func (m *Manager) StartListener(t transport.Type, addr netip.AddrPort) error {
	tr, err := m.transportFor(t)
	if err != nil {
		return err
	}

	if err := tr.StartListener(addr); err != nil {
		return err
	}

	m.mu.Lock()
	m.listeners[addr] = t
	m.mu.Unlock()

	return nil
}

// StopListener stops the listener bound to addr and joins its goroutines.
// Once it returns, that listener contributes no further connections.
func (m *Manager) StopListener(t transport.Type, addr netip.AddrPort) error {
	m.mu.Lock()
	tr, exists := m.transports[t]
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", transport.ErrNoListener, addr)
	}

	if err := tr.StopListener(addr); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.listeners, addr)
	m.mu.Unlock()

	return nil
}

// TryConnect dials addr over the given transport within timeout. The
// handshake and admission run asynchronously; their failures are logged,
// not returned.
func (m *Manager) TryConnect(t transport.Type, addr netip.AddrPort, timeout time.Duration) error {
	tr, err := m.transportFor(t)
	if err != nil {
		return err
	}
	return tr.TryConnect(addr, timeout)
}

// NbInConnections counts active inbound connections.
func (m *Manager) NbInConnections() int { return m.db.NbInConnections() }

// NbOutConnections counts active outbound connections.
func (m *Manager) NbOutConnections() int { return m.db.NbOutConnections() }

// PendingConnections reports how many handshakes are in flight for a
// category and direction.
func (m *Manager) PendingConnections(dir transport.Direction, category string) int {
	return m.db.Pending(dir, category)
}

// ActiveConnections returns a snapshot of every admitted connection.
func (m *Manager) ActiveConnections() []ConnMetrics {
	conns := m.db.connections()
	out := make([]ConnMetrics, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Stats())
	}
	return out
}

// Peer returns the active connection for id, if any. Holders should look
// the peer up per use rather than retain the handle; the connection may be
// torn down at any time.
func (m *Manager) Peer(id identity.PeerID) (*ActiveConnection, bool) {
	return m.db.Get(id)
}

// Send serializes msg and queues it to the peer identified by id.
func (m *Manager) Send(id identity.PeerID, s MessagesSerializer, msg []byte, highPriority bool) error {
	conn, exists := m.db.Get(id)
	if !exists {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return conn.Send(s, msg, highPriority)
}

// Listeners returns the currently bound listener addresses.
func (m *Manager) Listeners() map[netip.AddrPort]transport.Type {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[netip.AddrPort]transport.Type, len(m.listeners))
	for addr, t := range m.listeners {
		out[addr] = t
	}
	return out
}

// handleConnection is the admission pipeline. It runs on the per-connection
// goroutine the transport spawned and owns the endpoint until the workers
// take over: reserve a quota slot, run the metered handshake, promote, then
// hand off to the reader/writer pair.
func (m *Manager) handleConnection(ep *transport.Endpoint, dir transport.Direction) {
	log := m.log.With("remote", ep.TargetAddr(), "direction", dir)

	reservation, err := m.db.Reserve(dir, ep.TargetAddr())
	if err != nil {
		log.Debug("connection refused", "error", err.Error())
		ep.Shutdown()
		return
	}
	defer reservation.Release()

	ep.SetTimeouts(m.cfg.ReadTimeout, m.cfg.WriteTimeout)
	ep.SetLimiter(ratelimit.NewBucket(&ratelimit.Config{
		BucketSize: m.cfg.RateBucketSize,
		Rate:       m.cfg.RateLimit,
		Window:     m.cfg.RateTimeWindow,
	}))

	// Register the endpoint so Close can interrupt a handshake that is
	// still blocked on I/O.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ep.Shutdown()
		return
	}
	m.handshaking[ep] = struct{}{}
	m.mu.Unlock()

	id, err := m.cfg.InitConnectionHandler.PerformHandshake(
		m.cfg.Context, ep, m.Listeners(), m.cfg.MessageHandler,
	)

	m.mu.Lock()
	delete(m.handshaking, ep)
	m.mu.Unlock()
	if err != nil {
		log.Debug("handshake failed", "error", err.Error())
		if fallback, ok := m.cfg.InitConnectionHandler.(FallbackHandler); ok {
			fallback.Fallback(m.cfg.Context, ep)
		}
		ep.Shutdown()
		return
	}

	// Steady-state traffic is paced by the bounded queues and the
	// sockets, not the handshake bucket.
	ep.SetLimiter(nil)

	conn := newActiveConnection(
		m.log, id, dir, reservation.Category(), ep, m.cfg.MessageHandler,
		m.cfg.SendDataChannelSize,
	)

	if err := m.db.Promote(reservation, id, conn); err != nil {
		log.Debug("admission rejected", "peer", id, "error", err.Error())
		ep.Shutdown()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.db.Remove(id)
		conn.Close()
		return
	}
	m.workers.Add(1)
	m.mu.Unlock()

	log.Info("peer connected", "peer", id, "category", conn.Category())

	go func() {
		defer m.workers.Done()
		conn.run(func() {
			m.db.Remove(id)
			log.Info("peer disconnected", "peer", id)
		})
	}()
}

// Close tears the manager down: every listener is stopped and joined,
// every active endpoint shut down, and every worker goroutine waited for.
// No goroutine owned by the manager survives Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	transports := m.transports
	m.transports = make(map[transport.Type]transport.Transport)
	m.listeners = make(map[netip.AddrPort]transport.Type)
	for ep := range m.handshaking {
		ep.Shutdown()
	}
	m.mu.Unlock()

	// Stop producing connections first; transport Close joins listener
	// accept loops and every in-flight handshake goroutine.
	for _, tr := range transports {
		_ = tr.Close()
	}

	for _, conn := range m.db.connections() {
		conn.Close()
	}

	m.workers.Wait()
	m.log.Info("manager closed")
	return nil
}
