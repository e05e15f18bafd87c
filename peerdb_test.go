package peerlink

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/transport"
)

func testDB(t *testing.T, mutate func(*Config)) *PeerDB {
	t.Helper()

	cfg := DefaultConfig()
	cfg.MaxInConnections = 2
	cfg.MaxOutConnections = 2
	if mutate != nil {
		mutate(cfg)
	}
	return newPeerDB(cfg)
}

func testConn(dir transport.Direction, category string, remote netip.AddrPort) *ActiveConnection {
	return &ActiveConnection{direction: dir, category: category, remoteAddr: remote}
}

func testPeerID(b byte) identity.PeerID {
	return identity.PeerID{0: b}
}

func TestReserve_InboundCap(t *testing.T) {
	db := testDB(t, nil)
	remote := netip.MustParseAddrPort("127.0.0.1:9000")

	if _, err := db.Reserve(transport.DirectionIn, remote); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if _, err := db.Reserve(transport.DirectionIn, remote); err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if _, err := db.Reserve(transport.DirectionIn, remote); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("third Reserve = %v, want ErrConnectionRefused", err)
	}

	if got := db.Pending(transport.DirectionIn, DefaultCategoryName); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	// Outbound quota is independent of the exhausted inbound one.
	if _, err := db.Reserve(transport.DirectionOut, remote); err != nil {
		t.Fatalf("outbound Reserve: %v", err)
	}
}

func TestReservation_ReleasedExactlyOnce(t *testing.T) {
	db := testDB(t, nil)
	remote := netip.MustParseAddrPort("127.0.0.1:9000")

	r, err := db.Reserve(transport.DirectionIn, remote)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	r.Release()
	r.Release()

	if got := db.Pending(transport.DirectionIn, DefaultCategoryName); got != 0 {
		t.Fatalf("pending after double release = %d, want 0", got)
	}
}

func TestPromote_ConsumesReservation(t *testing.T) {
	db := testDB(t, nil)
	remote := netip.MustParseAddrPort("127.0.0.1:9000")

	r, err := db.Reserve(transport.DirectionIn, remote)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	id := testPeerID(1)
	if err := db.Promote(r, id, testConn(transport.DirectionIn, r.Category(), remote)); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	// Release after promote must not give the slot back a second time.
	r.Release()

	if got := db.Pending(transport.DirectionIn, DefaultCategoryName); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	if got := db.NbInConnections(); got != 1 {
		t.Fatalf("NbInConnections = %d, want 1", got)
	}
}

func TestPromote_DuplicatePeer(t *testing.T) {
	db := testDB(t, nil)
	remote := netip.MustParseAddrPort("127.0.0.1:9000")
	id := testPeerID(1)

	r1, err := db.Reserve(transport.DirectionIn, remote)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := db.Promote(r1, id, testConn(transport.DirectionIn, r1.Category(), remote)); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	r2, err := db.Reserve(transport.DirectionIn, remote)
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	err = db.Promote(r2, id, testConn(transport.DirectionIn, r2.Category(), remote))
	if !errors.Is(err, ErrDuplicatePeer) {
		t.Fatalf("Promote duplicate = %v, want ErrDuplicatePeer", err)
	}
	r2.Release()

	if got := db.NbInConnections(); got != 1 {
		t.Fatalf("NbInConnections = %d, want 1", got)
	}
	if got := db.Pending(transport.DirectionIn, DefaultCategoryName); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestPromote_SameIPRace(t *testing.T) {
	db := testDB(t, func(cfg *Config) {
		cfg.RejectSameIPAddr = true
		cfg.MaxInConnections = 10
	})
	remote1 := netip.MustParseAddrPort("127.0.0.1:9000")
	remote2 := netip.MustParseAddrPort("127.0.0.1:9001")

	// Both reservations pass: no inbound connection from the IP is
	// active yet.
	r1, err := db.Reserve(transport.DirectionIn, remote1)
	if err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	r2, err := db.Reserve(transport.DirectionIn, remote2)
	if err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}

	if err := db.Promote(r1, testPeerID(1), testConn(transport.DirectionIn, r1.Category(), remote1)); err != nil {
		t.Fatalf("Promote 1: %v", err)
	}

	err = db.Promote(r2, testPeerID(2), testConn(transport.DirectionIn, r2.Category(), remote2))
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Promote 2 = %v, want ErrConnectionRefused", err)
	}
	r2.Release()

	if got := db.NbInConnections(); got != 1 {
		t.Fatalf("NbInConnections = %d, want 1", got)
	}
}

func TestRemove_RestoresQuota(t *testing.T) {
	db := testDB(t, func(cfg *Config) {
		cfg.RejectSameIPAddr = true
		cfg.MaxInConnections = 1
	})
	remote := netip.MustParseAddrPort("127.0.0.1:9000")
	id := testPeerID(1)

	r, err := db.Reserve(transport.DirectionIn, remote)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := db.Promote(r, id, testConn(transport.DirectionIn, r.Category(), remote)); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if _, err := db.Reserve(transport.DirectionIn, remote); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Reserve while occupied = %v, want ErrConnectionRefused", err)
	}

	db.Remove(id)
	db.Remove(id) // idempotent

	if got := db.NbInConnections(); got != 0 {
		t.Fatalf("NbInConnections = %d, want 0", got)
	}
	if _, err := db.Reserve(transport.DirectionIn, remote); err != nil {
		t.Fatalf("Reserve after Remove: %v", err)
	}
}

func TestResolveCategory_AllowList(t *testing.T) {
	trustedIP := netip.MustParseAddr("10.0.0.1")
	db := testDB(t, func(cfg *Config) {
		cfg.PeersCategories = map[string]Category{
			"trusted": {
				MaxIn:      1,
				MaxOut:     1,
				AllowedIPs: []netip.Addr{trustedIP},
			},
		}
	})

	trusted := netip.AddrPortFrom(trustedIP, 9000)
	r, err := db.Reserve(transport.DirectionIn, trusted)
	if err != nil {
		t.Fatalf("Reserve trusted: %v", err)
	}
	if r.Category() != "trusted" {
		t.Fatalf("category = %q, want trusted", r.Category())
	}

	if _, err := db.Reserve(transport.DirectionIn, trusted); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Reserve beyond trusted cap = %v, want ErrConnectionRefused", err)
	}

	// Unlisted IPs land in the default category, unaffected by the
	// trusted cap.
	other, err := db.Reserve(transport.DirectionIn, netip.MustParseAddrPort("127.0.0.1:9000"))
	if err != nil {
		t.Fatalf("Reserve default: %v", err)
	}
	if other.Category() != DefaultCategoryName {
		t.Fatalf("category = %q, want %q", other.Category(), DefaultCategoryName)
	}
}

func TestPerIPCap(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	db := testDB(t, func(cfg *Config) {
		cfg.PeersCategories = map[string]Category{
			"limited": {
				MaxIn:      10,
				MaxInPerIP: 1,
				MaxOut:     10,
				AllowedIPs: []netip.Addr{ip},
			},
		}
	})

	remote := netip.AddrPortFrom(ip, 9000)
	r, err := db.Reserve(transport.DirectionIn, remote)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := db.Promote(r, testPeerID(1), testConn(transport.DirectionIn, r.Category(), remote)); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if _, err := db.Reserve(transport.DirectionIn, remote); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Reserve beyond per-ip cap = %v, want ErrConnectionRefused", err)
	}
}
