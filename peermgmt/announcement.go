// Package peermgmt layers peer discovery on top of the connection core: a
// signed announcement every peer publishes at handshake, the reference
// handshake exchanging and challenging those announcements, and a gossip
// handler that keeps a store of known peers.
package peermgmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/transport"
)

var (
	ErrBadAnnouncement = errors.New("peermgmt: malformed announcement")
	ErrBadMessage      = errors.New("peermgmt: malformed message")
)

// Announcement is a peer's signed self-description: the listeners it can
// be reached on and when it said so. The signature is an ed25519 signature
// over the blake2b digest of the canonical serialisation, verifiable under
// the announcing peer's id.
type Announcement struct {
	Listeners map[netip.AddrPort]transport.Type
	Timestamp time.Time
	Signature []byte
}

// NewAnnouncement builds and signs an announcement for the given listener
// set.
func NewAnnouncement(
	listeners map[netip.AddrPort]transport.Type,
	signer interface {
		Sign(digest identity.Digest) ([]byte, error)
	},
) (*Announcement, error) {
	cloned := make(map[netip.AddrPort]transport.Type, len(listeners))
	for addr, t := range listeners {
		cloned[addr] = t
	}

	a := &Announcement{
		Listeners: cloned,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}

	sig, err := signer.Sign(identity.HashData(a.signedBytes()))
	if err != nil {
		return nil, err
	}
	a.Signature = sig

	return a, nil
}

// signedBytes is the canonical serialisation covered by the signature:
// listener count, then each listener as <addr_len:1><addr><transport:1>
// sorted by address string, then the big-endian unix-milli timestamp.
func (a *Announcement) signedBytes() []byte {
	addrs := make([]string, 0, len(a.Listeners))
	byAddr := make(map[string]transport.Type, len(a.Listeners))
	for addr, t := range a.Listeners {
		s := addr.String()
		addrs = append(addrs, s)
		byAddr[s] = t
	}
	sort.Strings(addrs)

	out := make([]byte, 0, 64)
	out = append(out, byte(len(addrs)))
	for _, addr := range addrs {
		out = append(out, byte(len(addr)))
		out = append(out, addr...)
		out = append(out, byte(byAddr[addr]))
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.Timestamp.UnixMilli()))
	return append(out, ts[:]...)
}

// Bytes returns the wire representation: the canonical serialisation
// followed by the signature.
func (a *Announcement) Bytes() []byte {
	return append(a.signedBytes(), a.Signature...)
}

// Verify checks the announcement's signature under id.
func (a *Announcement) Verify(id identity.PeerID) error {
	return id.Verify(identity.HashData(a.signedBytes()), a.Signature)
}

// decodeAnnouncement parses one announcement from the front of b and
// reports how many bytes it consumed. The format is self-delimiting, so
// announcements can be concatenated in gossip messages.
func decodeAnnouncement(b []byte) (*Announcement, int, error) {
	if len(b) < 1 {
		return nil, 0, ErrBadAnnouncement
	}

	count := int(b[0])
	offset := 1

	listeners := make(map[netip.AddrPort]transport.Type, count)
	for i := 0; i < count; i++ {
		if len(b) < offset+1 {
			return nil, 0, ErrBadAnnouncement
		}
		addrLen := int(b[offset])
		offset++

		if len(b) < offset+addrLen+1 {
			return nil, 0, ErrBadAnnouncement
		}
		addr, err := netip.ParseAddrPort(string(b[offset : offset+addrLen]))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrBadAnnouncement, err)
		}
		offset += addrLen

		listeners[addr] = transport.Type(b[offset])
		offset++
	}

	if len(b) < offset+8+identity.SignatureSize {
		return nil, 0, ErrBadAnnouncement
	}

	millis := binary.BigEndian.Uint64(b[offset : offset+8])
	offset += 8

	sig := make([]byte, identity.SignatureSize)
	copy(sig, b[offset:offset+identity.SignatureSize])
	offset += identity.SignatureSize

	return &Announcement{
		Listeners: listeners,
		Timestamp: time.UnixMilli(int64(millis)).UTC(),
		Signature: sig,
	}, offset, nil
}

// AnnouncementFromBytes parses an announcement and verifies its signature
// under id.
func AnnouncementFromBytes(b []byte, id identity.PeerID) (*Announcement, error) {
	a, consumed, err := decodeAnnouncement(b)
	if err != nil {
		return nil, err
	}
	if consumed != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadAnnouncement, len(b)-consumed)
	}
	if err := a.Verify(id); err != nil {
		return nil, err
	}
	return a, nil
}
