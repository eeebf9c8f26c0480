package peertable

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/netman/internal/wire"
)

// Peer is the per-remote-endpoint session record (spec §3). It owns no
// network resources itself; it delegates protocol work to a
// PeerStateMachine and tracks the bookkeeping the core needs: lifecycle
// state, connection identity, receive timestamps, and the intrusive
// doubly-linked list pointers PeerTable threads through for lock-light
// iteration (spec §9 calls for an index-arena in languages without a GC; in
// Go, a *Peer is already a GC-safe stable identity, so the "arena" collapses
// to plain pointers stored behind atomics for race-free unsynchronized
// reads).
type Peer struct {
	endpoint netip.AddrPort

	state            atomic.Int32
	connectionID     atomic.Uint64
	connectionNumber atomic.Uint32
	lastPacketNano   atomic.Int64

	fsm PeerStateMachine

	// next/prev are mutated only by PeerTable under its own mutex, but read
	// by the logic tick and broadcast paths without holding any lock (spec
	// §4.2, §5): atomic.Pointer gives those reads a well-defined value
	// without a data race.
	next atomic.Pointer[Peer]
	prev atomic.Pointer[Peer]

	mu             sync.Mutex
	pendingPayload []byte
}

// NewOutgoingPeer creates a peer record for a locally initiated connection
// attempt (spec §4.7 Connect).
func NewOutgoingPeer(endpoint netip.AddrPort, connNum uint8, fsm PeerStateMachine, payload []byte) *Peer {
	p := &Peer{endpoint: endpoint, fsm: fsm, pendingPayload: payload}
	p.state.Store(int32(StateOutgoing))
	p.connectionNumber.Store(uint32(connNum))
	p.touch(time.Now())
	return p
}

// NewIncomingPeer creates a peer record for a remotely initiated handshake
// (spec §4.5 ConnectionNegotiator step 3).
func NewIncomingPeer(endpoint netip.AddrPort, connID uint64, connNum uint8, fsm PeerStateMachine) *Peer {
	p := &Peer{endpoint: endpoint, fsm: fsm}
	p.state.Store(int32(StateIncoming))
	p.connectionID.Store(connID)
	p.connectionNumber.Store(uint32(connNum))
	p.touch(time.Now())
	return p
}

func (p *Peer) EndPoint() netip.AddrPort { return p.endpoint }

func (p *Peer) State() ConnectionState { return ConnectionState(p.state.Load()) }

func (p *Peer) setState(s ConnectionState) { p.state.Store(int32(s)) }

func (p *Peer) ConnectID() uint64 { return p.connectionID.Load() }

func (p *Peer) ConnectionNum() uint8 { return uint8(p.connectionNumber.Load()) }

// NextPeer returns the next peer in PeerTable's intrusive list, or nil at
// the end. Safe to call without holding any lock; the returned value is a
// point-in-time snapshot (spec §4.2).
func (p *Peer) NextPeer() *Peer { return p.next.Load() }

func (p *Peer) touch(now time.Time) { p.lastPacketNano.Store(now.UnixNano()) }

// TimeSinceLastPacket reports how long it has been since the last packet
// was received from this peer.
func (p *Peer) TimeSinceLastPacket(now time.Time) time.Duration {
	last := p.lastPacketNano.Load()
	return now.Sub(time.Unix(0, last))
}

// PendingPayload returns (and does not clear) the payload attached at
// Connect time, so the negotiator or retry logic can resend a ConnectRequest.
func (p *Peer) PendingPayload() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingPayload
}

// Update advances the underlying state machine by elapsedMs of wall time.
func (p *Peer) Update(elapsedMs int64) { p.fsm.Update(elapsedMs) }

// ProcessPacket updates the receive timestamp and forwards to the state
// machine (spec §4.4 Table 1 default case).
func (p *Peer) ProcessPacket(pkt *wire.Packet, now time.Time) error {
	p.touch(now)
	return p.fsm.ProcessPacket(pkt)
}

// ClassifyConnectRequest updates the receive timestamp and asks the state
// machine to classify an incoming ConnectRequest (spec §4.5 step 1).
func (p *Peer) ClassifyConnectRequest(hs *wire.Handshake, now time.Time) ClassifyResult {
	p.touch(now)
	return p.fsm.ProcessConnectRequest(hs)
}

// ProcessConnectAccept updates the receive timestamp, asks the state
// machine to validate the ConnectAccept, and transitions to Connected on
// success.
func (p *Peer) ProcessConnectAccept(hs *wire.Handshake, now time.Time) bool {
	p.touch(now)
	if !p.fsm.ProcessConnectAccept(hs) {
		return false
	}
	p.connectionID.Store(hs.ConnectionID)
	p.connectionNumber.Store(uint32(hs.ConnectionNumber))
	p.setState(StateConnected)
	return true
}

// ProcessDisconnect forwards an incoming Disconnect datagram to the state
// machine (spec §4.4 Table 1).
func (p *Peer) ProcessDisconnect(pkt *wire.Packet) DisconnectResult {
	return p.fsm.ProcessDisconnect(pkt)
}

// Accept finalizes an inbound handshake, moving the peer to Connected.
func (p *Peer) Accept(connID uint64, connNum uint8) {
	p.connectionID.Store(connID)
	p.connectionNumber.Store(uint32(connNum))
	p.fsm.Accept(connID, connNum)
	p.setState(StateConnected)
}

// MarkDisconnected transitions the peer straight to Disconnected without
// touching the underlying state machine, for callers (Demultiplexer,
// ConnectionNegotiator) that have already resolved the disconnection through
// some other path (ProcessDisconnect's result, a reconnection fall-through)
// and only need the externally visible state to catch up.
func (p *Peer) MarkDisconnected() { p.setState(StateDisconnected) }

// Reject finalizes an inbound handshake the listener declined.
func (p *Peer) Reject(connID uint64, connNum uint8, data []byte) {
	p.fsm.Reject(connID, connNum, data)
	p.setState(StateDisconnected)
}

// Shutdown tears the session down. Returns false if it was already shut
// down (spec §6 Peer interface).
func (p *Peer) Shutdown(data []byte, force bool) bool {
	if !p.fsm.Shutdown(data, force) {
		return false
	}
	if force {
		p.setState(StateDisconnected)
	} else {
		p.setState(StateShutdownRequested)
	}
	return true
}

// Send queues data for delivery under method.
func (p *Peer) Send(data []byte, method wire.DeliveryMethod) error {
	return p.fsm.Send(data, method)
}

// Flush forces buffered outbound data onto the wire.
func (p *Peer) Flush() error { return p.fsm.Flush() }
