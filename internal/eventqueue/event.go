// Package eventqueue implements the producer/consumer event pipeline between
// NetManager's socket-receive/logic-tick threads and the listener: a pooled
// Event type, a free-list backed EventQueue (it has no capacity limit), and
// the Listener interface user code implements to receive callbacks (spec
// §4.3, §5).
package eventqueue

import (
	"net/netip"
	"time"

	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/wire"
)

// Type tags which fields of an Event are meaningful.
type Type int

const (
	TypeConnect Type = iota
	TypeDisconnect
	TypeReceive
	TypeReceiveUnconnected
	TypeError
	TypeLatencyUpdate
	TypeConnectionRequest
)

// UnconnectedMessageType distinguishes the three kinds of datagram that can
// arrive on the unconnected path (spec §6 OnNetworkReceiveUnconnected).
type UnconnectedMessageType int

const (
	BasicMessage UnconnectedMessageType = iota
	DiscoveryRequestMessage
	DiscoveryResponseMessage
)

// Event is a tagged variant popped from an object pool, populated, enqueued,
// dequeued, processed, then recycled (spec §3). A packet attached via
// Packet is owned by the event until the consumer releases it (or
// AutoRecycle releases it automatically).
type Event struct {
	Type Type

	Peer           *peertable.Peer
	RemoteEndpoint netip.AddrPort

	Latency           time.Duration
	ErrorCode         int
	DisconnectReason  peertable.DisconnectReason
	AdditionalData    []byte
	ConnectionRequest *peertable.ConnectionRequest
	DeliveryMethod    wire.DeliveryMethod
	UnconnectedType   UnconnectedMessageType

	// Packet is attached for events the Demultiplexer produces directly from
	// a parsed datagram (ReceiveUnconnected, Discovery*) and owned by the
	// event until the consumer releases it or AutoRecycle does. TypeReceive
	// carries its payload in AdditionalData instead, copied by the core's
	// OnData callback before the source packet is recycled (see
	// Dispatcher.Receive).
	Packet *wire.Packet

	next *Event // free-list link only; never observed by consumers
}

// reset clears every reference field before the event returns to the
// free-list (spec invariant: "all reference fields are cleared before
// push").
func (e *Event) reset() {
	*e = Event{}
}
