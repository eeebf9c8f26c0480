// Package wire defines the on-the-wire datagram format shared by every
// NetManager: the one-byte PacketProperty discriminator, the packet buffer
// that wraps it, and the handshake payload carried by ConnectRequest /
// ConnectAccept datagrams.
package wire

import "fmt"

// PacketProperty is the first byte of every datagram NetManager sends or
// receives. It tells the Demultiplexer which handler owns the rest of the
// datagram.
type PacketProperty byte

const (
	Unreliable PacketProperty = iota
	ReliableUnordered
	Sequenced
	ReliableOrdered
	ReliableSequenced
	AckReliable
	Ping
	Pong
	ConnectRequest
	ConnectAccept
	Disconnect
	ShutdownOk
	UnconnectedMessage
	DiscoveryRequest
	DiscoveryResponse
	NatIntroductionRequest
	NatIntroduction
	NatPunchMessage
	MtuCheck
	MtuOk
	Merged
)

func (p PacketProperty) String() string {
	switch p {
	case Unreliable:
		return "Unreliable"
	case ReliableUnordered:
		return "ReliableUnordered"
	case Sequenced:
		return "Sequenced"
	case ReliableOrdered:
		return "ReliableOrdered"
	case ReliableSequenced:
		return "ReliableSequenced"
	case AckReliable:
		return "AckReliable"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case ConnectRequest:
		return "ConnectRequest"
	case ConnectAccept:
		return "ConnectAccept"
	case Disconnect:
		return "Disconnect"
	case ShutdownOk:
		return "ShutdownOk"
	case UnconnectedMessage:
		return "UnconnectedMessage"
	case DiscoveryRequest:
		return "DiscoveryRequest"
	case DiscoveryResponse:
		return "DiscoveryResponse"
	case NatIntroductionRequest:
		return "NatIntroductionRequest"
	case NatIntroduction:
		return "NatIntroduction"
	case NatPunchMessage:
		return "NatPunchMessage"
	case MtuCheck:
		return "MtuCheck"
	case MtuOk:
		return "MtuOk"
	case Merged:
		return "Merged"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(p))
	}
}

// DeliveryMethod tags outbound user data with the reliability/ordering
// contract the peer state machine should apply.
type DeliveryMethod byte

const (
	DeliveryUnreliable DeliveryMethod = iota
	DeliveryReliableUnordered
	DeliveryReliableOrdered
	DeliverySequenced
	DeliveryReliableSequenced
)

func (d DeliveryMethod) String() string {
	switch d {
	case DeliveryUnreliable:
		return "Unreliable"
	case DeliveryReliableUnordered:
		return "ReliableUnordered"
	case DeliveryReliableOrdered:
		return "ReliableOrdered"
	case DeliverySequenced:
		return "Sequenced"
	case DeliveryReliableSequenced:
		return "ReliableSequenced"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(d))
	}
}

// ToProperty maps a user-facing DeliveryMethod to the wire property used for
// a first-fragment/unfragmented send. Peer state machines that fragment or
// ack reliable sends are free to rewrite the property on the wire; this is
// only the property a freshly constructed send-packet starts life with.
func (d DeliveryMethod) ToProperty() PacketProperty {
	switch d {
	case DeliveryReliableUnordered:
		return ReliableUnordered
	case DeliveryReliableOrdered:
		return ReliableOrdered
	case DeliverySequenced:
		return Sequenced
	case DeliveryReliableSequenced:
		return ReliableSequenced
	default:
		return Unreliable
	}
}

// DeliveryMethodFromProperty is the inverse of ToProperty, used by a
// PeerStateMachine when it hands a received data packet back up as a
// tagged OnNetworkReceive event. ok is false for properties that never
// carry user data (handshake/control properties).
func DeliveryMethodFromProperty(p PacketProperty) (method DeliveryMethod, ok bool) {
	switch p {
	case Unreliable:
		return DeliveryUnreliable, true
	case ReliableUnordered:
		return DeliveryReliableUnordered, true
	case ReliableOrdered:
		return DeliveryReliableOrdered, true
	case Sequenced:
		return DeliverySequenced, true
	case ReliableSequenced:
		return DeliveryReliableSequenced, true
	default:
		return DeliveryUnreliable, false
	}
}
