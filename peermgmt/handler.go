package peermgmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/peerlink"
	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/transport"
)

// Gossip message ids.
const (
	// MsgNewPeerConnected announces a single peer: peer_id(32) ‖
	// announcement.
	MsgNewPeerConnected uint64 = 0

	// MsgListPeers shares the sender's known peers: count(8, LE) then
	// count × (peer_id(32) ‖ announcement).
	MsgListPeers uint64 = 1
)

// InitialPeers seeds the store with peers known out of band, before any
// announcement from them has been seen.
type InitialPeers map[identity.PeerID]map[netip.AddrPort]transport.Type

// PeerInfo is what the store remembers about a peer.
type PeerInfo struct {
	Listeners map[netip.AddrPort]transport.Type
	Announced time.Time
	LastSeen  time.Time
}

// Handler is the peer-management message handler: it verifies incoming
// announcements and maintains the store of known peers. It satisfies
// peerlink.MessagesHandler.
type Handler struct {
	log *slog.Logger

	mu    sync.RWMutex
	peers map[identity.PeerID]PeerInfo
}

var _ peerlink.MessagesHandler = (*Handler)(nil)

func NewHandler(log *slog.Logger, initial InitialPeers) *Handler {
	h := &Handler{
		log:   log.With("src", "peermgmt"),
		peers: make(map[identity.PeerID]PeerInfo, len(initial)),
	}

	for id, listeners := range initial {
		cloned := make(map[netip.AddrPort]transport.Type, len(listeners))
		for addr, t := range listeners {
			cloned[addr] = t
		}
		h.peers[id] = PeerInfo{Listeners: cloned}
	}

	return h
}

// DeserializeID splits the one-byte message tag off the payload.
func (h *Handler) DeserializeID(data []byte, _ identity.PeerID) ([]byte, uint64, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("%w: empty payload", ErrBadMessage)
	}
	return data[1:], uint64(data[0]), nil
}

func (h *Handler) Handle(id uint64, data []byte, from identity.PeerID) error {
	switch id {
	case MsgNewPeerConnected:
		peerID, announcement, _, err := decodePeerEntry(data, true)
		if err != nil {
			return err
		}
		h.record(peerID, announcement)
		h.log.Debug("peer announced", "peer", peerID, "via", from)
		return nil

	case MsgListPeers:
		if len(data) < 8 {
			return fmt.Errorf("%w: short peer list", ErrBadMessage)
		}
		count := binary.LittleEndian.Uint64(data[:8])
		rest := data[8:]

		for i := uint64(0); i < count; i++ {
			peerID, announcement, consumed, err := decodePeerEntry(rest, false)
			if err != nil {
				return err
			}
			h.record(peerID, announcement)
			rest = rest[consumed:]
		}
		h.log.Debug("peer list merged", "count", count, "via", from)
		return nil

	default:
		return fmt.Errorf("%w: unknown message id %d", ErrBadMessage, id)
	}
}

// decodePeerEntry parses peer_id ‖ announcement, verifying the signature
// under the parsed id. When exact is set the entry must consume all of b.
func decodePeerEntry(b []byte, exact bool) (identity.PeerID, *Announcement, int, error) {
	if len(b) < identity.PeerIDSize {
		return identity.PeerID{}, nil, 0, fmt.Errorf("%w: short peer entry", ErrBadMessage)
	}

	id, err := identity.PeerIDFromBytes(b[:identity.PeerIDSize])
	if err != nil {
		return identity.PeerID{}, nil, 0, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	announcement, consumed, err := decodeAnnouncement(b[identity.PeerIDSize:])
	if err != nil {
		return identity.PeerID{}, nil, 0, err
	}
	total := identity.PeerIDSize + consumed

	if exact && total != len(b) {
		return identity.PeerID{}, nil, 0, fmt.Errorf("%w: %d trailing bytes", ErrBadMessage, len(b)-total)
	}
	if err := announcement.Verify(id); err != nil {
		return identity.PeerID{}, nil, 0, err
	}

	return id, announcement, total, nil
}

func (h *Handler) record(id identity.PeerID, announcement *Announcement) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	info, exists := h.peers[id]
	if exists && info.Announced.After(announcement.Timestamp) {
		// Stale gossip; keep the newer listener set but refresh
		// liveness.
		info.LastSeen = now
		h.peers[id] = info
		return
	}

	h.peers[id] = PeerInfo{
		Listeners: announcement.Listeners,
		Announced: announcement.Timestamp,
		LastSeen:  now,
	}
}

// KnownPeers returns a snapshot of the store.
func (h *Handler) KnownPeers() map[identity.PeerID]PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[identity.PeerID]PeerInfo, len(h.peers))
	for id, info := range h.peers {
		out[id] = info
	}
	return out
}

// EncodeNewPeerConnected builds a MsgNewPeerConnected message ready for
// Serializer.
func EncodeNewPeerConnected(id identity.PeerID, announcement *Announcement) []byte {
	out := []byte{byte(MsgNewPeerConnected)}
	out = append(out, id.Bytes()...)
	return append(out, announcement.Bytes()...)
}

// EncodeListPeers builds a MsgListPeers message ready for Serializer.
func EncodeListPeers(peers map[identity.PeerID]*Announcement) []byte {
	out := []byte{byte(MsgListPeers)}

	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(len(peers)))
	out = append(out, count[:]...)

	for id, announcement := range peers {
		out = append(out, id.Bytes()...)
		out = append(out, announcement.Bytes()...)
	}
	return out
}

// Serializer frames pre-encoded gossip messages: the leading tag byte is
// the message id, the rest the body. It satisfies
// peerlink.MessagesSerializer.
type Serializer struct{}

var _ peerlink.MessagesSerializer = Serializer{}

func (Serializer) SerializeID(msg []byte, buf *bytes.Buffer) error {
	if len(msg) < 1 {
		return fmt.Errorf("%w: empty message", ErrBadMessage)
	}
	return buf.WriteByte(msg[0])
}

func (Serializer) Serialize(msg []byte, buf *bytes.Buffer) error {
	if len(msg) < 1 {
		return fmt.Errorf("%w: empty message", ErrBadMessage)
	}
	_, err := buf.Write(msg[1:])
	return err
}
