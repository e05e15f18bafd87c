package peerlink

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/transport"
)

// DefaultCategoryName is the category of peers claimed by no configured
// allow-list.
const DefaultCategoryName = "default"

// PeerDB is the shared registry of reserved and active connections. One
// RW mutex guards all of it; write critical sections never perform I/O.
//
// Admission is two-phase. Reserve checks the category quota and holds a
// pending slot for the duration of the handshake; Promote converts the
// reservation into an active entry once the handshake has produced a peer
// id. A reservation is released exactly once on every path: either
// consumed by Promote or returned by Release.
type PeerDB struct {
	mu sync.RWMutex

	defaultCategory Category
	categories      map[string]Category
	categoryNames   []string // stable resolution order
	rejectSameIP    bool

	active     map[identity.PeerID]*ActiveConnection
	pendingIn  map[string]int
	pendingOut map[string]int
	activeIn   map[string]int
	activeOut  map[string]int
	inPerIP    map[netip.Addr]int
}

// Reservation is a provisional quota slot held while a handshake runs.
type Reservation struct {
	db        *PeerDB
	direction transport.Direction
	category  string
	limits    Category
	remote    netip.AddrPort
	done      bool
}

func newPeerDB(cfg *Config) *PeerDB {
	names := make([]string, 0, len(cfg.PeersCategories))
	for name := range cfg.PeersCategories {
		names = append(names, name)
	}
	sort.Strings(names)

	return &PeerDB{
		defaultCategory: cfg.defaultCategory(),
		categories:      cfg.PeersCategories,
		categoryNames:   names,
		rejectSameIP:    cfg.RejectSameIPAddr,
		active:          make(map[identity.PeerID]*ActiveConnection),
		pendingIn:       make(map[string]int),
		pendingOut:      make(map[string]int),
		activeIn:        make(map[string]int),
		activeOut:       make(map[string]int),
		inPerIP:         make(map[netip.Addr]int),
	}
}

// resolveCategory matches ip against the configured allow-lists, in
// lexical category order, falling back to the default category.
func (db *PeerDB) resolveCategory(ip netip.Addr) (string, Category) {
	for _, name := range db.categoryNames {
		category := db.categories[name]
		for _, allowed := range category.AllowedIPs {
			if allowed == ip {
				return name, category
			}
		}
	}
	return DefaultCategoryName, db.defaultCategory
}

// Reserve holds a pending slot for a connection about to handshake. It
// fails with ErrConnectionRefused when the category quota, the per-IP cap,
// or the same-IP policy would be violated.
func (db *PeerDB) Reserve(dir transport.Direction, remote netip.AddrPort) (*Reservation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ip := remote.Addr()
	name, limits := db.resolveCategory(ip)

	switch dir {
	case transport.DirectionIn:
		if db.rejectSameIP && db.inPerIP[ip] > 0 {
			return nil, fmt.Errorf("%w: ip %s already connected", ErrConnectionRefused, ip)
		}
		if limits.MaxInPerIP > 0 && db.inPerIP[ip] >= limits.MaxInPerIP {
			return nil, fmt.Errorf("%w: per-ip cap reached for %s", ErrConnectionRefused, ip)
		}
		if db.activeIn[name]+db.pendingIn[name] >= limits.MaxIn {
			return nil, fmt.Errorf("%w: category %q inbound cap reached", ErrConnectionRefused, name)
		}
		db.pendingIn[name]++

	case transport.DirectionOut:
		if db.activeOut[name]+db.pendingOut[name] >= limits.MaxOut {
			return nil, fmt.Errorf("%w: category %q outbound cap reached", ErrConnectionRefused, name)
		}
		db.pendingOut[name]++
	}

	return &Reservation{
		db:        db,
		direction: dir,
		category:  name,
		limits:    limits,
		remote:    remote,
	}, nil
}

// Release returns the pending slot. Safe to call after Promote; the slot
// is only ever given back once.
func (r *Reservation) Release() {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.releaseLocked()
}

func (r *Reservation) releaseLocked() {
	if r.done {
		return
	}
	r.done = true

	if r.direction == transport.DirectionIn {
		r.db.pendingIn[r.category]--
	} else {
		r.db.pendingOut[r.category]--
	}
}

// Category returns the category the reservation was routed into.
func (r *Reservation) Category() string { return r.category }

// Promote converts a reservation into an active entry for id. It fails
// with ErrDuplicatePeer if id is already active, and re-checks the per-IP
// policy so that two same-IP handshakes racing through Reserve cannot both
// land. On failure the reservation stays pending; the caller releases it.
func (db *PeerDB) Promote(r *Reservation, id identity.PeerID, conn *ActiveConnection) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.active[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}

	ip := r.remote.Addr()
	if r.direction == transport.DirectionIn {
		if db.rejectSameIP && db.inPerIP[ip] > 0 {
			return fmt.Errorf("%w: ip %s already connected", ErrConnectionRefused, ip)
		}
		if r.limits.MaxInPerIP > 0 && db.inPerIP[ip] >= r.limits.MaxInPerIP {
			return fmt.Errorf("%w: per-ip cap reached for %s", ErrConnectionRefused, ip)
		}
	}

	r.releaseLocked()

	db.active[id] = conn
	if r.direction == transport.DirectionIn {
		db.activeIn[r.category]++
		db.inPerIP[ip]++
	} else {
		db.activeOut[r.category]++
	}

	return nil
}

// Remove drops id from the registry and gives its quota back.
func (db *PeerDB) Remove(id identity.PeerID) {
	db.mu.Lock()
	defer db.mu.Unlock()

	conn, exists := db.active[id]
	if !exists {
		return
	}
	delete(db.active, id)

	if conn.direction == transport.DirectionIn {
		db.activeIn[conn.category]--
		ip := conn.remoteAddr.Addr()
		if db.inPerIP[ip] <= 1 {
			delete(db.inPerIP, ip)
		} else {
			db.inPerIP[ip]--
		}
	} else {
		db.activeOut[conn.category]--
	}
}

// Get looks up the active connection for id.
func (db *PeerDB) Get(id identity.PeerID) (*ActiveConnection, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	conn, exists := db.active[id]
	return conn, exists
}

// NbInConnections counts active inbound connections across categories.
func (db *PeerDB) NbInConnections() int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	total := 0
	for _, n := range db.activeIn {
		total += n
	}
	return total
}

// NbOutConnections counts active outbound connections across categories.
func (db *PeerDB) NbOutConnections() int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	total := 0
	for _, n := range db.activeOut {
		total += n
	}
	return total
}

// Pending reports the in-flight handshake count for a category and
// direction.
func (db *PeerDB) Pending(dir transport.Direction, category string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if dir == transport.DirectionIn {
		return db.pendingIn[category]
	}
	return db.pendingOut[category]
}

func (db *PeerDB) connections() []*ActiveConnection {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*ActiveConnection, 0, len(db.active))
	for _, conn := range db.active {
		out = append(out, conn)
	}
	return out
}
