// Package demux implements the Demultiplexer: the single entry point every
// inbound datagram passes through before it reaches a peer, an unconnected
// listener callback, or the external NAT collaborator (spec §4.4). It also
// hosts the debug packet-loss/latency simulation path and the
// ConnectionNegotiator that resolves identity for an incoming ConnectRequest
// (spec §4.5).
package demux

import (
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/netman/internal/eventqueue"
	"github.com/prxssh/netman/internal/heap"
	"github.com/prxssh/netman/internal/natpunch"
	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/pool"
	"github.com/prxssh/netman/internal/sock"
	"github.com/prxssh/netman/internal/wire"
)

// minSimulatedLatencyFloor is the draw below which debug latency simulation
// delivers a datagram immediately instead of parking it (spec §4.4).
const minSimulatedLatencyFloor = 5 * time.Millisecond

// PeerFactory builds the PeerStateMachine for a newly admitted peer. onData
// and onLatency are closures the Demultiplexer supplies so the state
// machine can surface OnNetworkReceive/OnNetworkLatencyUpdate events without
// either side importing the other's package (peerfsm.NewIncoming is the
// default implementation netman wires up).
type PeerFactory func(
	endpoint netip.AddrPort,
	connID uint64,
	connNum uint8,
	onData func(data []byte, method wire.DeliveryMethod),
	onLatency func(latency time.Duration),
	onSendError func(err error),
) peertable.PeerStateMachine

// Options gates the optional surfaces of the Demultiplexer (spec §1's
// Non-goals list discovery/NAT/unconnected messaging as features behind
// opt-in flags, not as always-on core behavior).
type Options struct {
	DiscoveryEnabled           bool
	UnconnectedMessagesEnabled bool
	NatPunchEnabled            bool

	SimulatePacketLoss         bool
	SimulationPacketLossChance float64 // percent, [0,100)

	SimulateLatency      bool
	SimulationMinLatency time.Duration
	SimulationMaxLatency time.Duration
}

type delayedPacket struct {
	data      []byte
	from      netip.AddrPort
	releaseAt time.Time
}

// Demultiplexer routes every datagram OnMessageReceived is handed to the
// correct handler per spec §4.4 Table 1.
type Demultiplexer struct {
	table      *peertable.PeerTable
	pool       *pool.PacketPool
	dispatch   *eventqueue.Dispatcher
	sock       sock.Socket
	natPuncher *natpunch.NatPuncher
	connected  *peertable.ConnectedCounter
	negotiator *ConnectionNegotiator
	opts       Options
	logger     *slog.Logger

	delayMu sync.Mutex
	delayed *heap.PriorityQueue[delayedPacket]

	statsMu         sync.Mutex
	packetsReceived uint64
	bytesReceived   uint64
	parseErrors     uint64
}

// New builds a Demultiplexer wired to the given collaborators. natPuncher
// may be nil if opts.NatPunchEnabled is false. logger may be nil, in which
// case slog.Default() is used.
func New(
	table *peertable.PeerTable,
	pktPool *pool.PacketPool,
	dispatch *eventqueue.Dispatcher,
	s sock.Socket,
	natPuncher *natpunch.NatPuncher,
	connected *peertable.ConnectedCounter,
	logger *slog.Logger,
	newFSM PeerFactory,
	opts Options,
) *Demultiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Demultiplexer{
		table:      table,
		pool:       pktPool,
		dispatch:   dispatch,
		sock:       s,
		natPuncher: natPuncher,
		connected:  connected,
		opts:       opts,
		logger:     logger,
		delayed: heap.NewPriorityQueue(func(a, b delayedPacket) bool {
			return a.releaseAt.Before(b.releaseAt)
		}),
	}
	d.negotiator = newConnectionNegotiator(table, dispatch, connected, logger, newFSM)
	return d
}

// OnMessageReceived is the socket-receive goroutine's entry point (spec
// §4.4). socketErr nonzero means the underlying read itself failed, not
// that the datagram was malformed.
func (d *Demultiplexer) OnMessageReceived(data []byte, from netip.AddrPort, socketErr error) {
	if socketErr != nil {
		d.table.Clear()
		d.dispatch.Error(from, socketErrorCode(socketErr))
		return
	}

	if d.opts.SimulatePacketLoss && d.opts.SimulationPacketLossChance > 0 {
		if rand.Float64()*100 < d.opts.SimulationPacketLossChance {
			return
		}
	}

	if d.opts.SimulateLatency {
		if draw, ok := d.drawLatency(); ok && draw > minSimulatedLatencyFloor {
			cp := append([]byte(nil), data...)
			d.enqueueDelayed(cp, from, time.Now().Add(draw))
			return
		}
	}

	d.process(data, from)
}

func (d *Demultiplexer) drawLatency() (time.Duration, bool) {
	lo, hi := d.opts.SimulationMinLatency, d.opts.SimulationMaxLatency
	if hi <= lo {
		return 0, false
	}
	span := int64(hi - lo)
	return lo + time.Duration(rand.Int64N(span)), true
}

// DrainDelayed reprocesses every delayed-delivery entry whose release time
// has matured, in release order (spec §4.4, §4.6 step 1).
func (d *Demultiplexer) DrainDelayed(now time.Time) {
	for {
		d.delayMu.Lock()
		next, ok := d.delayed.Peek()
		if !ok || next.releaseAt.After(now) {
			d.delayMu.Unlock()
			return
		}
		entry, _ := d.delayed.Dequeue()
		d.delayMu.Unlock()
		d.process(entry.data, entry.from)
	}
}

func (d *Demultiplexer) enqueueDelayed(data []byte, from netip.AddrPort, releaseAt time.Time) {
	d.delayMu.Lock()
	d.delayed.Enqueue(delayedPacket{data: data, from: from, releaseAt: releaseAt})
	d.delayMu.Unlock()
}

// process parses data into a pooled Packet and dispatches it by property
// (spec §4.4 Table 1). Called either directly from OnMessageReceived or
// from DrainDelayed for a matured delayed entry.
func (d *Demultiplexer) process(data []byte, from netip.AddrPort) {
	pkt := d.pool.GetPacket(len(data), false)
	n := copy(pkt.Raw, data)
	if err := wire.Parse(pkt, pkt.Raw, n); err != nil {
		d.pool.Recycle(pkt)
		d.statsMu.Lock()
		d.parseErrors++
		d.statsMu.Unlock()
		d.logger.Debug("malformed packet discarded", "from", from, "bytes", n, "err", err)
		return
	}

	d.statsMu.Lock()
	d.packetsReceived++
	d.bytesReceived += uint64(n)
	d.statsMu.Unlock()

	peer, _ := d.table.TryGetValue(from)

	switch pkt.Property() {
	case wire.DiscoveryRequest:
		if !d.opts.DiscoveryEnabled {
			d.pool.Recycle(pkt)
			return
		}
		d.dispatch.ReceiveUnconnected(from, pkt, eventqueue.DiscoveryRequestMessage)
	case wire.DiscoveryResponse:
		d.dispatch.ReceiveUnconnected(from, pkt, eventqueue.DiscoveryResponseMessage)
	case wire.UnconnectedMessage:
		if !d.opts.UnconnectedMessagesEnabled {
			d.pool.Recycle(pkt)
			return
		}
		d.dispatch.ReceiveUnconnected(from, pkt, eventqueue.BasicMessage)
	case wire.NatIntroductionRequest, wire.NatIntroduction, wire.NatPunchMessage:
		d.handleNat(pkt, from)
		d.pool.Recycle(pkt)
	case wire.Disconnect:
		d.handleDisconnect(pkt, from, peer)
	case wire.ConnectAccept:
		d.handleConnectAccept(pkt, peer)
	case wire.ConnectRequest:
		d.negotiator.HandleConnectRequest(pkt, from, peer)
		d.pool.Recycle(pkt)
	default:
		if peer != nil {
			_ = peer.ProcessPacket(pkt, time.Now())
		}
		d.pool.Recycle(pkt)
	}
}

func (d *Demultiplexer) handleNat(pkt *wire.Packet, from netip.AddrPort) {
	if !d.opts.NatPunchEnabled || d.natPuncher == nil {
		return
	}
	switch pkt.Property() {
	case wire.NatIntroductionRequest:
		_ = d.natPuncher.HandleIntroductionRequest(from, string(pkt.Payload()))
	case wire.NatIntroduction:
		_, _ = d.natPuncher.HandleIntroduction(pkt.Payload())
	case wire.NatPunchMessage:
		d.natPuncher.HandlePunch(from)
	}
}

// handleDisconnect implements spec §4.4 Table 1's Disconnect row: the
// ShutdownOk reply goes out regardless of whether a peer existed or what it
// classified the datagram as. Security-relevant: answering a Disconnect from
// an unknown endpoint tells any sender that this socket is listening.
func (d *Demultiplexer) handleDisconnect(pkt *wire.Packet, from netip.AddrPort, peer *peertable.Peer) {
	defer d.sendShutdownOk(from)
	defer d.pool.Recycle(pkt)

	if peer == nil {
		return
	}

	switch peer.ProcessDisconnect(pkt) {
	case peertable.DisconnectResultNone:
		return
	case peertable.DisconnectResultDisconnect:
		peer.MarkDisconnected()
		d.connected.Dec()
		d.dispatch.Disconnect(peer, peertable.ReasonRemoteConnectionClose, append([]byte(nil), pkt.Payload()...), 0)
	case peertable.DisconnectResultReject:
		peer.MarkDisconnected()
		d.dispatch.Disconnect(peer, peertable.ReasonConnectionRejected, append([]byte(nil), pkt.Payload()...), 0)
	}
}

func (d *Demultiplexer) handleConnectAccept(pkt *wire.Packet, peer *peertable.Peer) {
	defer d.pool.Recycle(pkt)
	if peer == nil {
		return
	}

	var hs wire.Handshake
	if err := hs.UnmarshalBinary(pkt.Payload()); err != nil {
		return
	}
	if peer.ProcessConnectAccept(&hs, time.Now()) {
		d.connected.Inc()
		d.dispatch.Connect(peer)
	}
}

func (d *Demultiplexer) sendShutdownOk(to netip.AddrPort) {
	pkt := d.pool.GetWithData(wire.ShutdownOk, nil)
	defer d.pool.Recycle(pkt)
	_ = d.sock.SendTo(pkt.Raw[:pkt.Size], to)
}

// Stats reports running totals for the logic tick to aggregate (spec §4.6
// step 5).
func (d *Demultiplexer) Stats() (packetsReceived, bytesReceived, parseErrors uint64) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.packetsReceived, d.bytesReceived, d.parseErrors
}

// socketErrorCode maps a socket-layer error to the integer code carried on
// an Error event. NetManager has no registry of platform socket error
// numbers to translate against (spec §7 leaves the convention
// implementation-defined), so this is a stable non-zero sentinel distinct
// per nil-ness, not an attempt at errno parity.
func socketErrorCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
