// Package peerfsm is a minimal PeerStateMachine (spec's external collaborator
// for per-peer reliability, ping and shutdown bookkeeping). It implements
// peertable.PeerStateMachine structurally, without importing peertable, the
// way internal/peer.Peer tracks its own atomic counters independent of
// whatever owns the connection.
//
// What it does NOT do, by spec §1's explicit out-of-scope list: no
// acknowledgment, sequencing, fragmentation, retransmit or MTU discovery.
// Data sends go straight to the wire; "reliable" delivery methods are
// accepted and tagged on the wire but carry no retransmit guarantee here.
package peerfsm

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/pool"
	"github.com/prxssh/netman/internal/sock"
	"github.com/prxssh/netman/internal/wire"
)

// Callbacks the core wires in so peerfsm can surface user-facing events
// without importing the eventqueue/netman packages (which would cycle back
// to peertable). OnData's data slice aliases the Demultiplexer's pooled
// receive buffer and is only valid for the duration of the call: a caller
// that needs to retain it (to enqueue an Event, say) must copy before
// returning.
type Callbacks struct {
	OnData    func(data []byte, method wire.DeliveryMethod)
	OnLatency func(latency time.Duration)
	// OnHandshakeTimeout fires once, from Update, when an outgoing session
	// has sent ConnectRequest MaxConnectAttempts times (the initial send
	// included) with no
	// ConnectAccept. The core is expected to reap the peer and emit
	// Disconnect(reason=Timeout).
	OnHandshakeTimeout func()
	// OnSendError fires whenever a socket send on this session's behalf
	// fails, for the core to classify and act on (spec §7's socket-send
	// error taxonomy: log-and-drop, targeted teardown, or an Error event).
	OnSendError func(err error)
}

type localState int32

const (
	stateHandshaking localState = iota
	stateConnected
	stateShuttingDown
	stateDisconnected
)

// Config carries the handshake-retry knobs that apply only to outgoing
// sessions (spec §3/§5: "Handshake retry counts (MaxConnectAttempts,
// ReconnectDelay) are enforced by peer state machines").
type Config struct {
	PingInterval       time.Duration
	ReconnectDelay     time.Duration
	MaxConnectAttempts int
}

// PeerFSM is the default PeerStateMachine NetManager wires up when no other
// implementation is supplied.
type PeerFSM struct {
	sock     sock.Socket
	pool     *pool.PacketPool
	endpoint netip.AddrPort
	cb       Callbacks
	cfg      Config

	isOutgoing     bool
	pendingPayload []byte

	mu                sync.Mutex
	state             localState
	connectionID      uint64
	connectionNumber  uint8
	sinceLastPing     time.Duration
	lastPingSentNano  int64
	sinceLastAttempt  time.Duration
	handshakeAttempts int
}

// NewOutgoing builds the state machine for a locally initiated connection
// attempt: it resends ConnectRequest every ReconnectDelay until
// ProcessConnectAccept succeeds or MaxConnectAttempts is exhausted.
func NewOutgoing(s sock.Socket, p *pool.PacketPool, endpoint netip.AddrPort, connID uint64, connNum uint8, payload []byte, cfg Config, cb Callbacks) *PeerFSM {
	f := &PeerFSM{
		sock:             s,
		pool:             p,
		endpoint:         endpoint,
		cb:               cb,
		cfg:              cfg,
		isOutgoing:       true,
		pendingPayload:   payload,
		state:            stateHandshaking,
		connectionID:     connID,
		connectionNumber: connNum,
	}
	f.mu.Lock()
	f.sendConnectRequestLocked()
	f.mu.Unlock()
	return f
}

// NewIncoming builds the state machine for a remotely initiated handshake
// already admitted into Incoming-in-progress state; it never resends a
// handshake (the remote side owns retry for its own ConnectRequest).
func NewIncoming(s sock.Socket, p *pool.PacketPool, endpoint netip.AddrPort, connID uint64, connNum uint8, cfg Config, cb Callbacks) *PeerFSM {
	return &PeerFSM{
		sock:             s,
		pool:             p,
		endpoint:         endpoint,
		cb:               cb,
		cfg:              cfg,
		state:            stateHandshaking,
		connectionID:     connID,
		connectionNumber: connNum,
	}
}

var _ peertable.PeerStateMachine = (*PeerFSM)(nil)

// Update sends a Ping once per PingInterval on a connected session, or
// resends ConnectRequest once per ReconnectDelay while an outgoing
// handshake is still pending.
func (f *PeerFSM) Update(elapsedMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateConnected:
		f.sinceLastPing += time.Duration(elapsedMs) * time.Millisecond
		if f.sinceLastPing < f.cfg.PingInterval {
			return
		}
		f.sinceLastPing = 0

		now := time.Now()
		f.lastPingSentNano = now.UnixNano()

		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, uint64(f.lastPingSentNano))
		f.sendLocked(wire.Ping, payload)

	case stateHandshaking:
		if !f.isOutgoing {
			return
		}
		f.sinceLastAttempt += time.Duration(elapsedMs) * time.Millisecond
		if f.sinceLastAttempt < f.cfg.ReconnectDelay {
			return
		}
		f.sinceLastAttempt = 0

		if f.handshakeAttempts >= f.cfg.MaxConnectAttempts {
			f.state = stateDisconnected
			if f.cb.OnHandshakeTimeout != nil {
				f.cb.OnHandshakeTimeout()
			}
			return
		}
		f.sendConnectRequestLocked()
	}
}

func (f *PeerFSM) sendConnectRequestLocked() {
	f.handshakeAttempts++
	hs := wire.Handshake{ConnectionID: f.connectionID, ConnectionNumber: f.connectionNumber, Data: f.pendingPayload}
	data, _ := hs.MarshalBinary()
	f.sendLocked(wire.ConnectRequest, data)
}

// ProcessPacket handles control properties (Ping/Pong/ShutdownOk) locally
// and forwards everything else to cb.OnData tagged with its delivery
// method.
func (f *PeerFSM) ProcessPacket(pkt *wire.Packet) error {
	switch pkt.Property() {
	case wire.Ping:
		f.mu.Lock()
		f.sendLocked(wire.Pong, pkt.Payload())
		f.mu.Unlock()
		return nil
	case wire.Pong:
		if len(pkt.Payload()) < 8 {
			return nil
		}
		sent := binary.BigEndian.Uint64(pkt.Payload())
		if sent == 0 {
			return nil
		}
		latency := time.Since(time.Unix(0, int64(sent)))
		if f.cb.OnLatency != nil {
			f.cb.OnLatency(latency)
		}
		return nil
	case wire.ShutdownOk:
		return nil
	default:
		method, ok := wire.DeliveryMethodFromProperty(pkt.Property())
		if !ok {
			return fmt.Errorf("peerfsm: property %s carries no user data", pkt.Property())
		}
		if f.cb.OnData != nil {
			f.cb.OnData(pkt.Payload(), method)
		}
		return nil
	}
}

// ProcessConnectRequest classifies an incoming ConnectRequest against this
// session's identity (spec §4.5 step 1, §9's "pure classifier" guidance).
func (f *PeerFSM) ProcessConnectRequest(hs *wire.Handshake) peertable.ClassifyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	if hs.ConnectionID == f.connectionID && hs.ConnectionNumber == f.connectionNumber {
		return peertable.ClassifyNone
	}

	if f.state == stateHandshaking {
		// We are mid-handshake ourselves and a ConnectRequest arrives from
		// the same endpoint: both sides dialed simultaneously.
		return peertable.ClassifyP2P
	}

	if hs.ConnectionNumber == peertable.NextConnectionNumber(f.connectionNumber) {
		return peertable.ClassifyReconnection
	}

	return peertable.ClassifyNewConnection
}

// ProcessConnectAccept validates a ConnectAccept against the connection id
// this session dialed with.
func (f *PeerFSM) ProcessConnectAccept(hs *wire.Handshake) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != stateHandshaking {
		return false
	}
	if hs.ConnectionID != f.connectionID {
		return false
	}

	f.connectionNumber = hs.ConnectionNumber
	f.state = stateConnected
	return true
}

// ProcessDisconnect classifies an incoming Disconnect datagram (spec §4.4
// Table 1).
func (f *PeerFSM) ProcessDisconnect(pkt *wire.Packet) peertable.DisconnectResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateDisconnected:
		return peertable.DisconnectResultNone
	case stateHandshaking:
		f.state = stateDisconnected
		return peertable.DisconnectResultReject
	default:
		f.state = stateDisconnected
		return peertable.DisconnectResultDisconnect
	}
}

// Accept finalizes an inbound handshake and replies with ConnectAccept so
// the dialing side's ProcessConnectAccept can complete (spec §4.5
// OnConnectionSolved "Accept" branch).
func (f *PeerFSM) Accept(connID uint64, connNum uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectionID = connID
	f.connectionNumber = connNum
	f.state = stateConnected

	hs := wire.Handshake{ConnectionID: connID, ConnectionNumber: connNum}
	data, _ := hs.MarshalBinary()
	f.sendLocked(wire.ConnectAccept, data)
}

func (f *PeerFSM) Reject(connID uint64, connNum uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = stateDisconnected
	f.sendLocked(wire.Disconnect, data)
}

// Shutdown tears the session down, sending a Disconnect datagram unless
// force is set. Returns false if the session was already shut down (spec §6
// Peer interface).
func (f *PeerFSM) Shutdown(data []byte, force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == stateDisconnected {
		return false
	}

	if !force {
		f.sendLocked(wire.Disconnect, data)
		f.state = stateShuttingDown
	} else {
		f.state = stateDisconnected
	}
	return true
}

// Send writes data straight to the wire tagged with method's property.
// There is no retransmit buffer to hold it in: reliability is out of scope
// (spec §1).
func (f *PeerFSM) Send(data []byte, method wire.DeliveryMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendLocked(method.ToProperty(), data)
}

// Flush is a no-op: PeerFSM never buffers outbound data.
func (f *PeerFSM) Flush() error { return nil }

func (f *PeerFSM) sendLocked(prop wire.PacketProperty, data []byte) error {
	pkt := f.pool.GetWithData(prop, data)
	defer f.pool.Recycle(pkt)
	err := f.sock.SendTo(pkt.Raw[:pkt.Size], f.endpoint)
	if err != nil && f.cb.OnSendError != nil {
		f.cb.OnSendError(err)
	}
	return err
}
