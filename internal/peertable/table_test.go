package peertable

import (
	"net/netip"
	"testing"

	"github.com/prxssh/netman/internal/wire"
)

type nopFSM struct{}

var _ PeerStateMachine = nopFSM{}

func (nopFSM) Update(int64)                                        {}
func (nopFSM) ProcessPacket(*wire.Packet) error                     { return nil }
func (nopFSM) ProcessConnectRequest(*wire.Handshake) ClassifyResult { return ClassifyNone }
func (nopFSM) ProcessConnectAccept(*wire.Handshake) bool            { return true }
func (nopFSM) ProcessDisconnect(*wire.Packet) DisconnectResult      { return DisconnectResultNone }
func (nopFSM) Accept(uint64, uint8)                                 {}
func (nopFSM) Reject(uint64, uint8, []byte)                         {}
func (nopFSM) Shutdown(data []byte, force bool) bool                { return true }
func (nopFSM) Send(data []byte, method wire.DeliveryMethod) error   { return nil }
func (nopFSM) Flush() error                                         { return nil }

func mustAddr(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

func TestPeerTable_TryAdd_DuplicateEndpointReturnsFirst(t *testing.T) {
	table := NewPeerTable()
	ep := mustAddr("127.0.0.1:9050")

	a := NewOutgoingPeer(ep, 0, nopFSM{}, nil)
	b := NewOutgoingPeer(ep, 0, nopFSM{}, nil)

	resA := table.TryAdd(a)
	if resA != a {
		t.Fatalf("first TryAdd returned %p, want %p", resA, a)
	}

	resB := table.TryAdd(b)
	if resB != a {
		t.Fatalf("second TryAdd returned %p, want original %p", resB, a)
	}

	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
}

func TestPeerTable_RemovePeer_IsIdempotentAndNeverReinserts(t *testing.T) {
	table := NewPeerTable()
	ep := mustAddr("127.0.0.1:9051")

	p := NewOutgoingPeer(ep, 0, nopFSM{}, nil)
	table.TryAdd(p)
	table.RemovePeer(p)
	table.RemovePeer(p) // idempotent

	if table.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", table.Len())
	}
	if _, ok := table.TryGetValue(ep); ok {
		t.Fatalf("peer still resolvable after removal")
	}

	// Invariant I4: re-adding the same record is a no-op unless the
	// endpoint is free; a *new* record may occupy the endpoint instead.
	q := NewOutgoingPeer(ep, 1, nopFSM{}, nil)
	res := table.TryAdd(q)
	if res != q {
		t.Fatalf("TryAdd after removal returned %p, want new peer %p", res, q)
	}
}

func TestPeerTable_HeadIteration_SkipsRemovedPeers(t *testing.T) {
	table := NewPeerTable()
	var peers []*Peer
	for i := 0; i < 4; i++ {
		ep := mustAddr("127.0.0.1:900" + string(rune('0'+i)))
		p := NewOutgoingPeer(ep, 0, nopFSM{}, nil)
		table.TryAdd(p)
		peers = append(peers, p)
	}

	table.RemovePeer(peers[1])
	table.RemovePeer(peers[3])

	var seen []*Peer
	for cur := table.Head(); cur != nil; cur = cur.NextPeer() {
		seen = append(seen, cur)
	}

	if len(seen) != 2 || seen[0] != peers[0] || seen[1] != peers[2] {
		t.Fatalf("unexpected iteration order after removal: %v", seen)
	}
}

func TestPeerTable_Clear(t *testing.T) {
	table := NewPeerTable()
	for i := 0; i < 3; i++ {
		ep := mustAddr("127.0.0.1:901" + string(rune('0'+i)))
		table.TryAdd(NewOutgoingPeer(ep, 0, nopFSM{}, nil))
	}

	table.Clear()

	if table.Len() != 0 || table.Head() != nil {
		t.Fatalf("table not empty after Clear()")
	}
}

func TestNextConnectionNumber_WrapsModMax(t *testing.T) {
	if got := NextConnectionNumber(MaxConnectionNumber - 1); got != 0 {
		t.Fatalf("NextConnectionNumber(max-1) = %d, want 0", got)
	}
	if got := NextConnectionNumber(5); got != 6 {
		t.Fatalf("NextConnectionNumber(5) = %d, want 6", got)
	}
}
