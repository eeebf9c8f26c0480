package eventqueue

import (
	"net/netip"
	"time"

	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/pool"
	"github.com/prxssh/netman/internal/wire"
)

// Dispatcher is the single place that turns a logical occurrence (a peer
// connected, a datagram arrived, ...) into either a pooled Event pushed onto
// the queue, or an immediate synchronous callback on the producing
// goroutine when UnsyncedEvents is set (spec §4.3, §5). Demultiplexer,
// ConnectionNegotiator and LogicTick all go through this instead of poking
// the queue directly, so the UnsyncedEvents branch lives in one place.
type Dispatcher struct {
	queue    *EventQueue
	listener Listener
	pool     *pool.PacketPool
	unsynced bool
}

func NewDispatcher(queue *EventQueue, listener Listener, pktPool *pool.PacketPool, unsynced bool) *Dispatcher {
	return &Dispatcher{queue: queue, listener: listener, pool: pktPool, unsynced: unsynced}
}

// emit either enqueues e for a later PollEvents drain, or — under
// UnsyncedEvents — dispatches it inline on the calling goroutine and
// recycles it (and any attached packet) immediately, since there is no
// consumer left to do so later.
func (d *Dispatcher) emit(e *Event) {
	if d.unsynced {
		d.dispatchInline(e)
		if e.Packet != nil {
			d.pool.Recycle(e.Packet)
		}
		d.queue.Release(e)
		return
	}
	d.queue.Enqueue(e)
}

// dispatchInline calls the matching Listener callback directly; used both
// by emit under UnsyncedEvents and by the consumer side of PollEvents for
// the synced path.
func (d *Dispatcher) dispatchInline(e *Event) {
	if d.listener == nil {
		return
	}
	switch e.Type {
	case TypeConnect:
		d.listener.OnPeerConnected(e.Peer)
	case TypeDisconnect:
		d.listener.OnPeerDisconnected(e.Peer, e.DisconnectReason, e.AdditionalData, e.ErrorCode)
	case TypeReceive:
		d.listener.OnNetworkReceive(e.Peer, e.AdditionalData, e.DeliveryMethod)
	case TypeReceiveUnconnected:
		var payload []byte
		if e.Packet != nil {
			payload = e.Packet.Payload()
		}
		d.listener.OnNetworkReceiveUnconnected(e.RemoteEndpoint, payload, e.UnconnectedType)
	case TypeError:
		d.listener.OnNetworkError(e.RemoteEndpoint, e.ErrorCode)
	case TypeLatencyUpdate:
		d.listener.OnNetworkLatencyUpdate(e.Peer, e.Latency)
	case TypeConnectionRequest:
		d.listener.OnConnectionRequest(e.ConnectionRequest)
	}
}

// DispatchToListener replays a drained, queued event to the listener; the
// caller (PollEvents) owns releasing pkt/AutoRecycle afterward.
func (d *Dispatcher) DispatchToListener(e *Event) {
	d.dispatchInline(e)
}

func (d *Dispatcher) Connect(peer *peertable.Peer) {
	e := d.queue.Acquire()
	e.Type = TypeConnect
	e.Peer = peer
	d.emit(e)
}

func (d *Dispatcher) Disconnect(peer *peertable.Peer, reason peertable.DisconnectReason, additionalData []byte, socketErrorCode int) {
	e := d.queue.Acquire()
	e.Type = TypeDisconnect
	e.Peer = peer
	e.DisconnectReason = reason
	e.AdditionalData = additionalData
	e.ErrorCode = socketErrorCode
	d.emit(e)
}

// Receive reports user data a PeerStateMachine has surfaced from a
// connected peer. data must already be detached from any pooled buffer: the
// opaque PeerStateMachine interface gives the core no hook to defer
// recycling a packet until an arbitrary-later PollEvents drain, so the
// OnData callbacks the core gives each state machine copy data before
// calling Receive, and the packet is recycled right after (spec §4.4's "(any
// other)" row forwards to ProcessPacket with no separate emit step; the
// Receive event itself originates from the state machine, not the
// Demultiplexer).
func (d *Dispatcher) Receive(peer *peertable.Peer, data []byte, method wire.DeliveryMethod) {
	e := d.queue.Acquire()
	e.Type = TypeReceive
	e.Peer = peer
	e.AdditionalData = data
	e.DeliveryMethod = method
	d.emit(e)
}

func (d *Dispatcher) ReceiveUnconnected(endpoint netip.AddrPort, pkt *wire.Packet, msgType UnconnectedMessageType) {
	e := d.queue.Acquire()
	e.Type = TypeReceiveUnconnected
	e.RemoteEndpoint = endpoint
	e.Packet = pkt
	e.UnconnectedType = msgType
	d.emit(e)
}

func (d *Dispatcher) Error(endpoint netip.AddrPort, errorCode int) {
	e := d.queue.Acquire()
	e.Type = TypeError
	e.RemoteEndpoint = endpoint
	e.ErrorCode = errorCode
	d.emit(e)
}

func (d *Dispatcher) LatencyUpdate(peer *peertable.Peer, latency time.Duration) {
	e := d.queue.Acquire()
	e.Type = TypeLatencyUpdate
	e.Peer = peer
	e.Latency = latency
	d.emit(e)
}

func (d *Dispatcher) ConnectionRequest(req *peertable.ConnectionRequest) {
	e := d.queue.Acquire()
	e.Type = TypeConnectionRequest
	e.ConnectionRequest = req
	d.emit(e)
}
