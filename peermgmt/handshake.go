package peermgmt

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/prxssh/peerlink"
	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/transport"
)

const nonceSize = 32

// Handshaker is the reference InitConnectionHandler. Both sides run the
// same sequence:
//
//	→ peer_id(32) ‖ announcement
//	← peer_id(32) ‖ announcement
//	→ nonce(32)
//	← nonce(32)
//	→ sign(blake2b(remote nonce))(64)
//	← sign(blake2b(local nonce))(64)
//
// The remote announcement must verify under the peer id the remote
// declared, and the remote signature must verify over our nonce's digest.
// Either check failing rejects the connection.
type Handshaker struct {
	// Log is optional; handshake failures are reported through the
	// returned error either way.
	Log *slog.Logger

	// Gossip, when set, records the verified announcement of every peer
	// that completes a handshake.
	Gossip *Handler
}

var (
	_ peerlink.InitConnectionHandler = (*Handshaker)(nil)
	_ peerlink.FallbackHandler       = (*Handshaker)(nil)
)

func (h *Handshaker) PerformHandshake(
	ctx peerlink.Context,
	ep *transport.Endpoint,
	localListeners map[netip.AddrPort]transport.Type,
	_ peerlink.MessagesHandler,
) (identity.PeerID, error) {
	announcement, err := NewAnnouncement(localListeners, ctx)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: sign announcement: %w", peerlink.ErrHandshake, err)
	}

	hello := append(ctx.PeerID().Bytes(), announcement.Bytes()...)
	if err := ep.Send(hello); err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}

	remoteHello, err := ep.Receive()
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}
	if len(remoteHello) < identity.PeerIDSize {
		return identity.PeerID{}, fmt.Errorf("%w: short hello", peerlink.ErrHandshake)
	}

	remoteID, err := identity.PeerIDFromBytes(remoteHello[:identity.PeerIDSize])
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}
	remoteAnnouncement, err := AnnouncementFromBytes(remoteHello[identity.PeerIDSize:], remoteID)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}
	if err := ep.Send(nonce[:]); err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}

	remoteNonce, err := ep.Receive()
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}
	if len(remoteNonce) != nonceSize {
		return identity.PeerID{}, fmt.Errorf("%w: bad nonce width %d", peerlink.ErrHandshake, len(remoteNonce))
	}

	sig, err := ctx.Sign(identity.HashData(remoteNonce))
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}
	if err := ep.Send(sig); err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}

	remoteSig, err := ep.Receive()
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", peerlink.ErrHandshake, err)
	}
	if err := remoteID.Verify(identity.HashData(nonce[:]), remoteSig); err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: challenge: %w", peerlink.ErrHandshake, err)
	}

	if h.Gossip != nil {
		h.Gossip.record(remoteID, remoteAnnouncement)
	}
	if h.Log != nil {
		h.Log.Debug("handshake complete", "peer", remoteID, "addr", ep.TargetAddr())
	}

	return remoteID, nil
}

// Fallback makes a best-effort graceful close after a failed handshake: an
// empty frame tells the remote the rejection was deliberate.
func (h *Handshaker) Fallback(_ peerlink.Context, ep *transport.Endpoint) {
	_ = ep.SendTimeout(nil, time.Second)
}
