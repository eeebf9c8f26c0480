// Package peertable holds the per-remote-endpoint session record (Peer), the
// endpoint-keyed collection with intrusive-list iteration (PeerTable), and
// the small enums/value types the core and an external PeerStateMachine
// implementation exchange: connection state, reconnection classification,
// disconnect results/reasons, and connection requests.
package peertable

import "fmt"

// ConnectionState is the lifecycle state of a Peer record (spec §3).
type ConnectionState int32

const (
	StateOutgoing ConnectionState = iota
	StateIncoming
	StateConnected
	StateShutdownRequested
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateOutgoing:
		return "OutgoingInProgress"
	case StateIncoming:
		return "IncomingInProgress"
	case StateConnected:
		return "Connected"
	case StateShutdownRequested:
		return "ShutdownRequested"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// StateMask lets callers of GetPeers/GetPeersNonAlloc select peers by one or
// more states at once.
type StateMask uint8

const (
	MaskOutgoing StateMask = 1 << iota
	MaskIncoming
	MaskConnected
	MaskShutdownRequested
	MaskDisconnected
	MaskAny = MaskOutgoing | MaskIncoming | MaskConnected | MaskShutdownRequested | MaskDisconnected
)

func maskFor(s ConnectionState) StateMask {
	switch s {
	case StateOutgoing:
		return MaskOutgoing
	case StateIncoming:
		return MaskIncoming
	case StateConnected:
		return MaskConnected
	case StateShutdownRequested:
		return MaskShutdownRequested
	case StateDisconnected:
		return MaskDisconnected
	default:
		return 0
	}
}

// MaxConnectionNumber is the wraparound modulus for ConnectionNumber (spec
// §3 invariant I3, §9). No original_source survived filtering to confirm the
// exact constant (see DESIGN.md), so this mirrors the LiteNetLib paraphrase
// in spec.md §9 ("mod 64 or similar").
const MaxConnectionNumber = 64

// NextConnectionNumber computes (previous + 1) mod MaxConnectionNumber.
func NextConnectionNumber(previous uint8) uint8 {
	return uint8((int(previous) + 1) % MaxConnectionNumber)
}

// ClassifyResult is the outcome of a PeerStateMachine classifying an
// incoming ConnectRequest against its current session (spec §4.5).
type ClassifyResult int

const (
	ClassifyNone ClassifyResult = iota
	ClassifyReconnection
	ClassifyNewConnection
	ClassifyP2P
)

func (c ClassifyResult) String() string {
	switch c {
	case ClassifyNone:
		return "None"
	case ClassifyReconnection:
		return "Reconnection"
	case ClassifyNewConnection:
		return "NewConnection"
	case ClassifyP2P:
		return "P2PConnection"
	default:
		return fmt.Sprintf("ClassifyResult(%d)", int(c))
	}
}

// DisconnectResult is the outcome of a PeerStateMachine processing a
// Disconnect datagram (spec §4.4 Table 1).
type DisconnectResult int

const (
	DisconnectResultNone DisconnectResult = iota
	DisconnectResultDisconnect
	DisconnectResultReject
)

// DisconnectReason explains why a Disconnect event was raised (spec §6, §7).
type DisconnectReason int

const (
	ReasonRemoteConnectionClose DisconnectReason = iota
	ReasonConnectionRejected
	ReasonTimeout
	ReasonSocketSendError
	ReasonDisconnectPeerCalled
	ReasonReconnect
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRemoteConnectionClose:
		return "RemoteConnectionClose"
	case ReasonConnectionRejected:
		return "ConnectionRejected"
	case ReasonTimeout:
		return "Timeout"
	case ReasonSocketSendError:
		return "SocketSendError"
	case ReasonDisconnectPeerCalled:
		return "DisconnectPeerCalled"
	case ReasonReconnect:
		return "Reconnect"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

// ConnectionRequestType distinguishes an ordinary inbound handshake from a
// simultaneous peer-to-peer one (spec §4.5 classify result P2PConnection).
type ConnectionRequestType int

const (
	RequestIncoming ConnectionRequestType = iota
	RequestPeerToPeer
)
