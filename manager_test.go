package peerlink_test

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/prxssh/peerlink"
	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/peermgmt"
	"github.com/prxssh/peerlink/transport"
)

type received struct {
	from    identity.PeerID
	id      uint64
	payload []byte
}

// sink forwards every handled message to a channel, the way an embedding
// application would fan frames out to its subsystems.
type sink struct {
	ch chan received
}

func newSink() *sink {
	return &sink{ch: make(chan received, 64)}
}

func (s *sink) DeserializeID(data []byte, _ identity.PeerID) ([]byte, uint64, error) {
	if len(data) < 1 {
		return nil, 0, errors.New("sink: empty payload")
	}
	return data[1:], uint64(data[0]), nil
}

func (s *sink) Handle(id uint64, data []byte, from identity.PeerID) error {
	select {
	case s.ch <- received{from: from, id: id, payload: append([]byte(nil), data...)}:
	default:
	}
	return nil
}

type prefixSerializer struct{ id byte }

func (s prefixSerializer) SerializeID(_ []byte, buf *bytes.Buffer) error {
	return buf.WriteByte(s.id)
}

func (s prefixSerializer) Serialize(msg []byte, buf *bytes.Buffer) error {
	_, err := buf.Write(msg)
	return err
}

// stalledHandshaker never answers; the remote side is left waiting out its
// read timeout.
type stalledHandshaker struct {
	delay time.Duration
}

func (s stalledHandshaker) PerformHandshake(
	_ peerlink.Context,
	_ *transport.Endpoint,
	_ map[netip.AddrPort]transport.Type,
	_ peerlink.MessagesHandler,
) (identity.PeerID, error) {
	time.Sleep(s.delay)
	return identity.PeerID{}, errors.New("stalled handshake gave up")
}

func newNode(t *testing.T, mutate func(*peerlink.Config)) (*peerlink.Manager, *identity.KeyPair, *sink) {
	t.Helper()

	keypair, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	s := newSink()
	cfg := peerlink.DefaultConfig()
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Context = keypair
	cfg.InitConnectionHandler = &peermgmt.Handshaker{}
	cfg.MessageHandler = s
	if mutate != nil {
		mutate(cfg)
	}

	manager, err := peerlink.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	return manager, keypair, s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func TestTwoPeersPing(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:18081")

	a, aKey, aSink := newNode(t, nil)
	b, bKey, _ := newNode(t, nil)

	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := b.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}

	waitFor(t, 5*time.Second, "peers connected", func() bool {
		return a.NbInConnections() == 1 && b.NbOutConnections() == 1
	})

	if err := b.Send(aKey.PeerID(), prefixSerializer{id: 7}, []byte{1, 2, 3}, true); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-aSink.ch:
		if msg.from != bKey.PeerID() {
			t.Fatalf("message from %s, want %s", msg.from, bKey.PeerID())
		}
		if msg.id != 7 || !bytes.Equal(msg.payload, []byte{1, 2, 3}) {
			t.Fatalf("got (id=%d, payload=%v), want (7, [1 2 3])", msg.id, msg.payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestRejectSameIPAddr(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:18082")

	a, _, _ := newNode(t, func(cfg *peerlink.Config) {
		cfg.RejectSameIPAddr = true
		cfg.MaxInConnections = 10
	})
	b, _, _ := newNode(t, nil)
	c, _, _ := newNode(t, nil)

	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := b.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect b: %v", err)
	}
	if err := c.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect c: %v", err)
	}

	waitFor(t, 5*time.Second, "one admitted connection", func() bool {
		return a.NbInConnections() == 1
	})

	// Give the second attempt time to be (wrongly) admitted.
	time.Sleep(300 * time.Millisecond)
	if got := a.NbInConnections(); got != 1 {
		t.Fatalf("NbInConnections = %d, want exactly 1", got)
	}
	if total := b.NbOutConnections() + c.NbOutConnections(); total != 1 {
		t.Fatalf("admitted outbound connections = %d, want exactly 1", total)
	}
}

func TestOversizeFrameEvictsPeer(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:18083")

	a, aKey, _ := newNode(t, func(cfg *peerlink.Config) {
		cfg.MaxMessageSize = 1024
	})
	b, _, _ := newNode(t, func(cfg *peerlink.Config) {
		cfg.MaxMessageSize = 8192
	})

	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := b.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	waitFor(t, 5*time.Second, "peers connected", func() bool {
		return a.NbInConnections() == 1 && b.NbOutConnections() == 1
	})

	if err := b.Send(aKey.PeerID(), prefixSerializer{}, make([]byte, 2048), false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 5*time.Second, "oversize sender evicted", func() bool {
		return a.NbInConnections() == 0
	})

	// The listener itself stays healthy.
	c, _, _ := newNode(t, nil)
	if err := c.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect after eviction: %v", err)
	}
	waitFor(t, 5*time.Second, "fresh peer admitted", func() bool {
		return a.NbInConnections() == 1
	})
}

func TestHandshakeTimeoutReleasesReservation(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:18084")

	a, _, _ := newNode(t, func(cfg *peerlink.Config) {
		cfg.InitConnectionHandler = stalledHandshaker{delay: 800 * time.Millisecond}
	})
	b, _, _ := newNode(t, func(cfg *peerlink.Config) {
		cfg.ReadTimeout = 300 * time.Millisecond
	})

	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := b.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}

	waitFor(t, 5*time.Second, "reservations released", func() bool {
		return a.PendingConnections(transport.DirectionIn, peerlink.DefaultCategoryName) == 0 &&
			b.PendingConnections(transport.DirectionOut, peerlink.DefaultCategoryName) == 0 &&
			a.NbInConnections() == 0 && b.NbOutConnections() == 0
	})
}

func TestListenerStop(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:18085")

	a, _, _ := newNode(t, nil)
	b, _, _ := newNode(t, nil)

	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := a.StopListener(transport.TCP, addr); err != nil {
		t.Fatalf("StopListener: %v", err)
	}

	err := b.TryConnect(transport.TCP, addr, time.Second)
	if !errors.Is(err, transport.ErrPeerConnection) {
		t.Fatalf("TryConnect after stop = %v, want ErrPeerConnection", err)
	}

	// The address is free for a new listener immediately.
	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener again: %v", err)
	}
}

func TestRateLimitedHandshake(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:18086")

	limited := func(cfg *peerlink.Config) {
		cfg.RateBucketSize = 64
		cfg.RateLimit = 64
		cfg.RateTimeWindow = 100 * time.Millisecond
		cfg.ReadTimeout = 10 * time.Second
		cfg.WriteTimeout = 10 * time.Second
	}

	a, _, _ := newNode(t, limited)
	b, _, _ := newNode(t, limited)

	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	start := time.Now()
	if err := b.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	waitFor(t, 15*time.Second, "metered handshake completed", func() bool {
		return a.NbInConnections() == 1 && b.NbOutConnections() == 1
	})

	// The handshake moves several hundred bytes through a 64-byte bucket
	// refilling at 64 bytes per 100ms; it cannot complete instantly.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("metered handshake finished in %v, want >= 200ms", elapsed)
	}
}

func TestQUICTwoPeersPing(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:18087")

	a, aKey, aSink := newNode(t, nil)
	b, bKey, _ := newNode(t, nil)

	if err := a.StartListener(transport.QUIC, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := b.TryConnect(transport.QUIC, addr, 5*time.Second); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}

	waitFor(t, 10*time.Second, "peers connected", func() bool {
		return a.NbInConnections() == 1 && b.NbOutConnections() == 1
	})

	if err := b.Send(aKey.PeerID(), prefixSerializer{id: 3}, []byte{4, 5, 6}, false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-aSink.ch:
		if msg.from != bKey.PeerID() || msg.id != 3 || !bytes.Equal(msg.payload, []byte{4, 5, 6}) {
			t.Fatalf("got (from=%s, id=%d, payload=%v)", msg.from, msg.id, msg.payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestManagerClose_NoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	addr := netip.MustParseAddrPort("127.0.0.1:18088")

	build := func(mutate func(*peerlink.Config)) *peerlink.Manager {
		keypair, err := identity.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		cfg := peerlink.DefaultConfig()
		cfg.Context = keypair
		cfg.InitConnectionHandler = &peermgmt.Handshaker{}
		cfg.MessageHandler = newSink()
		if mutate != nil {
			mutate(cfg)
		}
		manager, err := peerlink.NewManager(cfg)
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		return manager
	}

	a := build(nil)
	b := build(nil)

	if err := a.StartListener(transport.TCP, addr); err != nil {
		t.Fatalf("StartListener: %v", err)
	}
	if err := b.TryConnect(transport.TCP, addr, 3*time.Second); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	waitFor(t, 5*time.Second, "peers connected", func() bool {
		return a.NbInConnections() == 1 && b.NbOutConnections() == 1
	})

	if err := b.Close(); err != nil {
		t.Fatalf("Close b: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close a: %v", err)
	}
}
