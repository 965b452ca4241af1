// Package relay is the message router: per-socket sessions, the local hub,
// verb dispatch, and the KV-backed queue that carries frames to peers owned
// by other instances.
package relay

import "errors"

// ErrSendBufferFull is returned by Peer.Send when the outbound buffer has no
// room. The caller falls back to the KV queue.
var ErrSendBufferFull = errors.New("relay: send buffer full")

// ErrPeerClosed is returned by Peer.Send after the peer has shut down.
var ErrPeerClosed = errors.New("relay: peer closed")

// Peer is one attached WebSocket client as the router sees it. Session
// implements it over gorilla/websocket; tests substitute in-memory fakes.
type Peer interface {
	// ID returns the bound client id, empty before the register verb.
	ID() string

	// BindID attaches the client id after a successful register.
	BindID(id string)

	// Send enqueues a frame for the write pump without blocking.
	Send(payload []byte) error

	// IsOpen reports whether the peer can still accept sends.
	IsOpen() bool

	// CloseReplaced closes the socket with code 1000/"Replaced". Used when
	// the same id registers again on a new socket.
	CloseReplaced()
}
