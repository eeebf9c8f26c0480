package peertable

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// PeerTable holds peer records in both an endpoint->peer map for O(1) lookup
// and an intrusive doubly-linked list rooted at Head for iteration during
// the logic tick and broadcast (spec §4.2). All mutation happens under mu;
// the list pointers themselves live in atomics on Peer so Head/NextPeer can
// be read without taking mu (spec: "callers may iterate HeadPeer without
// holding a lock but must treat the snapshot as possibly stale").
type PeerTable struct {
	mu         sync.RWMutex
	byEndpoint map[netip.AddrPort]*Peer
	head       atomic.Pointer[Peer]
	tail       atomic.Pointer[Peer]
}

func NewPeerTable() *PeerTable {
	return &PeerTable{byEndpoint: make(map[netip.AddrPort]*Peer)}
}

// TryGetValue looks up the peer currently resident at endpoint.
func (t *PeerTable) TryGetValue(endpoint netip.AddrPort) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byEndpoint[endpoint]
	return p, ok
}

// TryAdd inserts p if no peer is resident at p.EndPoint(), returning p. If a
// peer is already resident there, TryAdd is a no-op and returns the
// resident peer instead (spec invariant I1/I5): the caller must check
// whether the returned peer is the one it passed in before treating the
// insertion as having happened.
func (t *PeerTable) TryAdd(p *Peer) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byEndpoint[p.endpoint]; ok {
		return existing
	}

	t.byEndpoint[p.endpoint] = p
	if tail := t.tail.Load(); tail == nil {
		t.head.Store(p)
	} else {
		tail.next.Store(p)
		p.prev.Store(tail)
	}
	t.tail.Store(p)
	return p
}

// RemovePeer removes p from the table if it is still the resident record
// for its endpoint (spec invariant I4: a removed peer is never re-inserted,
// so a stale removal request for an endpoint some other peer now occupies
// is silently ignored).
func (t *PeerTable) RemovePeer(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(p)
}

// RemovePeers removes every peer in list under a single critical section.
func (t *PeerTable) RemovePeers(list []*Peer) {
	if len(list) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range list {
		t.removeLocked(p)
	}
}

func (t *PeerTable) removeLocked(p *Peer) {
	existing, ok := t.byEndpoint[p.endpoint]
	if !ok || existing != p {
		return
	}
	delete(t.byEndpoint, p.endpoint)

	prev := p.prev.Load()
	next := p.next.Load()

	if prev != nil {
		prev.next.Store(next)
	} else {
		t.head.Store(next)
	}
	if next != nil {
		next.prev.Store(prev)
	} else {
		t.tail.Store(prev)
	}

	p.next.Store(nil)
	p.prev.Store(nil)
}

// Clear empties the table, e.g. on a fatal socket-receive error (spec §4.4)
// or on Stop (spec §4.7).
func (t *PeerTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byEndpoint = make(map[netip.AddrPort]*Peer)
	t.head.Store(nil)
	t.tail.Store(nil)
}

// Head returns the first peer in iteration order, or nil if the table is
// empty. Safe to call without holding mu.
func (t *PeerTable) Head() *Peer { return t.head.Load() }

// Len reports the number of resident peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byEndpoint)
}

// Snapshot returns every resident peer whose state matches mask.
func (t *PeerTable) Snapshot(mask StateMask) []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Peer, 0, len(t.byEndpoint))
	for _, p := range t.byEndpoint {
		if maskFor(p.State())&mask != 0 {
			out = append(out, p)
		}
	}
	return out
}

// AppendSnapshot is the non-allocating counterpart of Snapshot: it appends
// matching peers to dst and returns the grown slice (spec §4.7
// GetPeersNonAlloc).
func (t *PeerTable) AppendSnapshot(dst []*Peer, mask StateMask) []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, p := range t.byEndpoint {
		if maskFor(p.State())&mask != 0 {
			dst = append(dst, p)
		}
	}
	return dst
}
