package netman

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/prxssh/netman/internal/peerfsm"
	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/wire"
)

// PollEvents drains the event queue and dispatches every event to the
// listener on the calling thread (spec §4.7, §5 "User thread(s)"). A no-op
// under UnsyncedEvents, since events never reach the queue in that mode.
func (n *NetManager) PollEvents() {
	if n.cfg.UnsyncedEvents {
		return
	}
	for _, e := range n.queue.Drain() {
		n.dispatch.DispatchToListener(e)
		if n.cfg.AutoRecycle && e.Packet != nil {
			n.pool.Recycle(e.Packet)
		}
		n.queue.Release(e)
	}
}

// Flush forces every peer's buffered outbound data onto the wire.
func (n *NetManager) Flush() {
	for cur := n.table.Head(); cur != nil; cur = cur.NextPeer() {
		_ = cur.Flush()
	}
}

// Connect implements spec §4.7's exact dedup/replace algorithm for an
// outgoing connection attempt.
func (n *NetManager) Connect(endpoint netip.AddrPort, payload []byte) (*peertable.Peer, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}

	connNum := uint8(0)
	if existing, ok := n.table.TryGetValue(endpoint); ok {
		switch existing.State() {
		case peertable.StateConnected, peertable.StateOutgoing, peertable.StateIncoming:
			return existing, nil
		default:
			connNum = peertable.NextConnectionNumber(existing.ConnectionNum())
			n.table.RemovePeer(existing)
		}
	}

	return n.admitOutgoing(endpoint, connNum, payload), nil
}

func (n *NetManager) admitOutgoing(endpoint netip.AddrPort, connNum uint8, payload []byte) *peertable.Peer {
	connID := rand.Uint64()

	var peer *peertable.Peer
	onData := func(data []byte, method wire.DeliveryMethod) {
		n.dispatch.Receive(peer, append([]byte(nil), data...), method)
	}
	onLatency := func(latency time.Duration) { n.dispatch.LatencyUpdate(peer, latency) }
	onTimeout := func() { n.onHandshakeTimeout(peer) }
	onSendError := func(err error) { n.handleSendError(peer, err) }

	cb := peerfsm.Callbacks{OnData: onData, OnLatency: onLatency, OnHandshakeTimeout: onTimeout, OnSendError: onSendError}
	fsm := peerfsm.NewOutgoing(n.sock, n.pool, endpoint, connID, connNum, payload, n.fsmConfig(), cb)
	peer = peertable.NewOutgoingPeer(endpoint, connNum, fsm, payload)

	return n.table.TryAdd(peer)
}

// onHandshakeTimeout reaps an outgoing peer whose handshake never completed
// (spec §7 "Timeouts": "Disconnect(reason=Timeout) emitted by the peer state
// machine; the core reaps the peer record").
func (n *NetManager) onHandshakeTimeout(peer *peertable.Peer) {
	n.table.RemovePeer(peer)
	n.dispatch.Disconnect(peer, peertable.ReasonTimeout, nil, 0)
}

// SendToAll walks the peer table, skipping the optional excluded peer and
// any peer not yet Connected, invoking Send on each (spec §4.7).
func (n *NetManager) SendToAll(data []byte, method wire.DeliveryMethod, exclude *peertable.Peer) {
	for cur := n.table.Head(); cur != nil; cur = cur.NextPeer() {
		if cur == exclude || cur.State() != peertable.StateConnected {
			continue
		}
		_ = cur.Send(data, method)
	}
}

// SendUnconnectedMessage sends a one-off datagram to an endpoint with no
// associated Peer (spec §1 Non-goals list unconnected messaging as opt-in;
// gating at the receiver happens in internal/demux, not here).
func (n *NetManager) SendUnconnectedMessage(data []byte, endpoint netip.AddrPort) error {
	pkt := n.pool.GetWithData(wire.UnconnectedMessage, data)
	defer n.pool.Recycle(pkt)
	return n.sock.SendTo(pkt.Raw[:pkt.Size], endpoint)
}

// SendDiscoveryRequest broadcasts a DiscoveryRequest datagram on port (spec
// §4.7, S6).
func (n *NetManager) SendDiscoveryRequest(port uint16, data []byte) error {
	pkt := n.pool.GetWithData(wire.DiscoveryRequest, data)
	defer n.pool.Recycle(pkt)
	return n.sock.SendBroadcast(pkt.Raw[:pkt.Size], port)
}

// SendDiscoveryResponse replies to a discovered endpoint directly (S6).
func (n *NetManager) SendDiscoveryResponse(endpoint netip.AddrPort, data []byte) error {
	pkt := n.pool.GetWithData(wire.DiscoveryResponse, data)
	defer n.pool.Recycle(pkt)
	return n.sock.SendTo(pkt.Raw[:pkt.Size], endpoint)
}

// DisconnectPeer shuts a peer down gracefully, sending a final Disconnect
// datagram carrying data. The locally initiated side of a graceful shutdown
// has no ShutdownOk-driven completion to decrement on (peerfsm treats
// ShutdownOk as a no-op, spec §4.5 only round-trips it for the remote side's
// bookkeeping), so the connected counter is decremented here instead, at the
// moment the caller tears down a peer that was still Connected.
func (n *NetManager) DisconnectPeer(peer *peertable.Peer, data []byte) {
	wasConnected := peer.State() == peertable.StateConnected
	if peer.Shutdown(data, false) && wasConnected {
		n.connected.Dec()
	}
}

// DisconnectPeerForce tears a peer down immediately without sending a final
// Disconnect datagram, and removes it from the table without waiting for
// LogicTick's DisconnectTimeout reap.
func (n *NetManager) DisconnectPeerForce(peer *peertable.Peer) {
	wasConnected := peer.State() == peertable.StateConnected
	if peer.Shutdown(nil, true) && wasConnected {
		n.connected.Dec()
	}
	n.table.RemovePeer(peer)
}

// DisconnectAll shuts every peer down gracefully.
func (n *NetManager) DisconnectAll(data []byte) {
	for cur := n.table.Head(); cur != nil; cur = cur.NextPeer() {
		wasConnected := cur.State() == peertable.StateConnected
		if cur.Shutdown(data, false) && wasConnected {
			n.connected.Dec()
		}
	}
}

// GetPeers returns every resident peer whose state matches mask.
func (n *NetManager) GetPeers(mask peertable.StateMask) []*peertable.Peer {
	return n.table.Snapshot(mask)
}

// GetPeersNonAlloc is GetPeers' non-allocating counterpart: it appends to
// dst and returns the grown slice.
func (n *NetManager) GetPeersNonAlloc(dst []*peertable.Peer, mask peertable.StateMask) []*peertable.Peer {
	return n.table.AppendSnapshot(dst, mask)
}

// GetFirstPeer returns the head of the peer table, or (nil, false) if empty.
func (n *NetManager) GetFirstPeer() (*peertable.Peer, bool) {
	p := n.table.Head()
	return p, p != nil
}

// ConnectedCount reports the eventually-consistent connected-peer count
// (spec §3 invariant I2, §9).
func (n *NetManager) ConnectedCount() int64 { return n.connected.Load() }

// LocalPort reports the bound socket's local port, or 0 if not started.
func (n *NetManager) LocalPort() uint16 { return n.sock.LocalPort() }
