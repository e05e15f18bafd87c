package peerlink

import (
	"bytes"
	"net/netip"

	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/transport"
)

// Context is the local identity capability the core consumes from the
// application: who we are and how we sign. identity.KeyPair satisfies it.
type Context interface {
	PeerID() identity.PeerID
	Sign(digest identity.Digest) ([]byte, error)
}

// InitConnectionHandler drives the application handshake on a fresh
// endpoint. The core applies read/write timeouts and handshake rate
// limiting to the endpoint before calling PerformHandshake; every byte the
// handler moves through the endpoint is metered.
//
// Returning a peer id promotes the connection through admission; returning
// an error shuts the endpoint down and releases the admission reservation.
type InitConnectionHandler interface {
	PerformHandshake(
		ctx Context,
		ep *transport.Endpoint,
		localListeners map[netip.AddrPort]transport.Type,
		handler MessagesHandler,
	) (identity.PeerID, error)
}

// FallbackHandler is optionally implemented by an InitConnectionHandler to
// attempt a graceful close after a failed handshake, before the endpoint is
// shut down.
type FallbackHandler interface {
	Fallback(ctx Context, ep *transport.Endpoint)
}

// MessagesSerializer encodes an outgoing message. SerializeID writes the
// message id prefix, Serialize the body; the concatenation is sent as one
// frame.
type MessagesSerializer interface {
	SerializeID(msg []byte, buf *bytes.Buffer) error
	Serialize(msg []byte, buf *bytes.Buffer) error
}

// MessagesHandler dispatches incoming frames. DeserializeID splits the
// message id off the payload; Handle consumes the rest. Handle errors are
// logged and the connection keeps running, unless the error wraps
// ErrFatalHandler, which tears the connection down.
type MessagesHandler interface {
	DeserializeID(data []byte, from identity.PeerID) (rest []byte, id uint64, err error)
	Handle(id uint64, data []byte, from identity.PeerID) error
}
