package peertable

import "github.com/prxssh/netman/internal/wire"

// PeerStateMachine is the external collaborator spec.md treats as opaque:
// the per-peer reliability/ping/shutdown protocol. NetManager drives it with
// Update ticks and ProcessPacket calls and never inspects its internals.
// internal/peerfsm provides a minimal conformant implementation; production
// users are expected to supply their own (ack/sequencing/fragmentation,
// retransmit, MTU discovery all live here, per spec §1's Out-of-scope list).
type PeerStateMachine interface {
	// Update advances the state machine by elapsedMs milliseconds of wall
	// time, driving ping/timeout/retransmit bookkeeping.
	Update(elapsedMs int64)

	// ProcessPacket handles any packet property not claimed by the core's
	// demultiplexer (spec §4.4 Table 1, "forward to peer's ProcessPacket").
	ProcessPacket(pkt *wire.Packet) error

	// ProcessConnectRequest classifies an incoming ConnectRequest relative
	// to the state machine's current session (spec §4.5).
	ProcessConnectRequest(hs *wire.Handshake) ClassifyResult

	// ProcessConnectAccept validates an incoming ConnectAccept. A false
	// return means the packet was rejected (stale, malformed, or mismatched)
	// and no Connect event should be raised.
	ProcessConnectAccept(hs *wire.Handshake) bool

	// ProcessDisconnect handles an incoming Disconnect datagram.
	ProcessDisconnect(pkt *wire.Packet) DisconnectResult

	// Accept finalizes an inbound handshake the listener approved.
	Accept(connID uint64, connNum uint8)

	// Reject finalizes an inbound handshake the listener rejected, carrying
	// optional reject data back to the initiator.
	Reject(connID uint64, connNum uint8, data []byte)

	// Shutdown tears the session down, optionally sending data bytes along
	// with the Disconnect datagram unless force is true. It returns false
	// if the session was already shut down.
	Shutdown(data []byte, force bool) bool

	// Send queues user data for outbound delivery under the given method.
	Send(data []byte, method wire.DeliveryMethod) error

	// Flush forces any buffered outbound data onto the wire immediately.
	Flush() error
}
