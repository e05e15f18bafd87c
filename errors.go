package peerlink

import "errors"

// Errors surfaced by the connection core. Transport-level failures
// (ErrListener, ErrPeerConnection, ErrSend, ErrReceive, timeouts) live in
// the transport package; framing violations in wire; crypto failures in
// identity. The connection workers classify with errors.Is across all of
// them.
var (
	// ErrConnectionRefused means admission rejected the connection
	// before or after the handshake: a category cap, a per-IP cap, or
	// the same-IP policy would be violated.
	ErrConnectionRefused = errors.New("peerlink: connection refused by admission policy")

	// ErrDuplicatePeer means the handshake produced a peer id that is
	// already active.
	ErrDuplicatePeer = errors.New("peerlink: peer already connected")

	// ErrHandshake wraps a failed or timed-out handshake.
	ErrHandshake = errors.New("peerlink: handshake failed")

	// ErrFatalHandler is wrapped by a MessagesHandler to signal that the
	// failure must tear the connection down instead of being logged.
	ErrFatalHandler = errors.New("peerlink: fatal handler error")

	// ErrConnectionClosed is returned by Send on a connection whose
	// workers have shut down.
	ErrConnectionClosed = errors.New("peerlink: connection closed")

	// ErrPeerNotFound is returned when a message targets a peer id with
	// no active connection.
	ErrPeerNotFound = errors.New("peerlink: peer not found")

	// ErrManagerClosed is returned by operations on a closed manager.
	ErrManagerClosed = errors.New("peerlink: manager closed")

	// ErrMissingCapability means the configuration lacks one of the
	// required application capabilities (context, handshake handler,
	// message handler).
	ErrMissingCapability = errors.New("peerlink: missing required capability")
)
