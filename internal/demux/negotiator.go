package demux

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/prxssh/netman/internal/eventqueue"
	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/sock"
	"github.com/prxssh/netman/internal/wire"
)

// ConnectionNegotiator resolves the identity tangle when a ConnectRequest
// arrives (spec §4.5). It is purely reactive: every branch either returns
// having done nothing, removes a stale peer and falls through to admitting a
// new one, or hands the decision to the listener via a ConnectionRequest and
// waits for OnConnectionSolved.
type ConnectionNegotiator struct {
	table     *peertable.PeerTable
	dispatch  *eventqueue.Dispatcher
	connected *peertable.ConnectedCounter
	logger    *slog.Logger
	newFSM    PeerFactory
}

func newConnectionNegotiator(
	table *peertable.PeerTable,
	dispatch *eventqueue.Dispatcher,
	connected *peertable.ConnectedCounter,
	logger *slog.Logger,
	newFSM PeerFactory,
) *ConnectionNegotiator {
	return &ConnectionNegotiator{table: table, dispatch: dispatch, connected: connected, logger: logger, newFSM: newFSM}
}

// HandleConnectRequest implements spec §4.5's algorithm. pkt is owned by the
// caller (Demultiplexer recycles it after this returns); payload bytes that
// must outlive the call are copied here.
func (n *ConnectionNegotiator) HandleConnectRequest(pkt *wire.Packet, from netip.AddrPort, existing *peertable.Peer) {
	var hs wire.Handshake
	if err := hs.UnmarshalBinary(pkt.Payload()); err != nil {
		return
	}

	connID := hs.ConnectionID
	connNum := hs.ConnectionNumber
	payload := append([]byte(nil), hs.Data...)

	if existing != nil {
		switch existing.ClassifyConnectRequest(&hs, time.Now()) {
		case peertable.ClassifyNone:
			return
		case peertable.ClassifyP2P:
			req := peertable.NewConnectionRequest(existing, connID, connNum, peertable.RequestPeerToPeer, payload,
				n.resolveFor(existing, connID, connNum))
			n.dispatch.ConnectionRequest(req)
			return
		case peertable.ClassifyReconnection:
			connNum = peertable.NextConnectionNumber(existing.ConnectionNum())
			n.table.RemovePeer(existing)
			existing.MarkDisconnected()
			n.connected.Dec()
			n.dispatch.Disconnect(existing, peertable.ReasonRemoteConnectionClose, nil, 0)
		case peertable.ClassifyNewConnection:
			connNum = peertable.NextConnectionNumber(existing.ConnectionNum())
			n.table.RemovePeer(existing)
			existing.MarkDisconnected()
		}
	}

	n.admitNewConnection(from, connID, connNum, payload)
}

// admitNewConnection is step 3 of spec §4.5: allocate an Incoming-in-progress
// peer and, only if this goroutine's record is the one that actually landed
// in PeerTable, surface ConnectionRequest(Incoming) to the listener.
func (n *ConnectionNegotiator) admitNewConnection(from netip.AddrPort, connID uint64, connNum uint8, payload []byte) {
	var peer *peertable.Peer
	onData := func(data []byte, method wire.DeliveryMethod) {
		n.dispatch.Receive(peer, append([]byte(nil), data...), method)
	}
	onLatency := func(latency time.Duration) { n.dispatch.LatencyUpdate(peer, latency) }
	onSendError := func(err error) { n.handleSendError(peer, err) }

	fsm := n.newFSM(from, connID, connNum, onData, onLatency, onSendError)
	peer = peertable.NewIncomingPeer(from, connID, connNum, fsm)

	if resident := n.table.TryAdd(peer); resident != peer {
		return
	}

	req := peertable.NewConnectionRequest(peer, connID, connNum, peertable.RequestIncoming, payload,
		n.resolveFor(peer, connID, connNum))
	n.dispatch.ConnectionRequest(req)
}

// handleSendError classifies a socket-send failure on peer's behalf (spec
// §7's taxonomy) and acts on it: MessageSize is logged and dropped,
// HostUnreachable/ConnectionReset tear the peer down with the matching
// reason, and anything else surfaces as a generic Error event.
func (n *ConnectionNegotiator) handleSendError(peer *peertable.Peer, err error) {
	switch sock.ClassifySendError(err) {
	case sock.SendErrorMessageSize:
		n.logger.Debug("send dropped: message too large", "endpoint", peer.EndPoint(), "err", err)
	case sock.SendErrorHostUnreachable:
		n.teardown(peer, peertable.ReasonSocketSendError)
	case sock.SendErrorConnectionReset:
		n.teardown(peer, peertable.ReasonRemoteConnectionClose)
	default:
		n.dispatch.Error(peer.EndPoint(), 1)
	}
}

// teardown marks peer Disconnected and emits the matching event, without
// removing it from the table — LogicTick's existing reap path handles that
// after DisconnectTimeout, same as the idle-timeout path in netman.go.
func (n *ConnectionNegotiator) teardown(peer *peertable.Peer, reason peertable.DisconnectReason) {
	wasConnected := peer.State() == peertable.StateConnected
	peer.MarkDisconnected()
	if wasConnected {
		n.connected.Dec()
	}
	n.dispatch.Disconnect(peer, reason, nil, 0)
}

// resolveFor builds the OnConnectionSolved callback bound into a
// ConnectionRequest (spec §4.5's closing paragraph).
func (n *ConnectionNegotiator) resolveFor(peer *peertable.Peer, connID uint64, connNum uint8) func(accept bool, rejectData []byte) {
	return func(accept bool, rejectData []byte) {
		if !accept {
			peer.Reject(connID, connNum, rejectData)
			return
		}
		peer.Accept(connID, connNum)
		n.connected.Inc()
		n.dispatch.Connect(peer)
	}
}
