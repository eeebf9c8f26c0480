// Package natpunch is the external NAT punch-through collaborator the
// Demultiplexer hands NatIntroductionRequest/NatIntroduction/NatPunchMessage
// datagrams to when NatPunchEnabled is set (spec §1, §4.4 Table 1). It is
// intentionally minimal: pairing bookkeeping only, no STUN-style external
// address discovery and no event surfaced to the listener, mirroring the
// spec's framing of NAT punch-through as "an external module invoked by
// property" rather than a core concern.
//
// Grounded on the token-keyed pairing session in internal/dht/token.go:
// a server-side introducer matches two clients by an opaque token the way
// TokenManager matches an announce by a secret-derived value, except here
// the token identifies a rendezvous rather than authenticating one.
package natpunch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"github.com/prxssh/netman/internal/pool"
	"github.com/prxssh/netman/internal/sock"
	"github.com/prxssh/netman/internal/syncmap"
	"github.com/prxssh/netman/internal/wire"
)

const sessionTTL = 30 * time.Second

// session is a pending introduction: one of the two peers to be paired has
// registered, waiting for the other.
type session struct {
	token      string
	first      netip.AddrPort
	registered time.Time
}

// NatPuncher is the server-side introducer and client-side punch driver.
// A single instance can play both roles; which path runs depends on which
// property arrives.
type NatPuncher struct {
	sock     sock.Socket
	pool     *pool.PacketPool
	sessions *syncmap.Map[string, *session]
}

func New(s sock.Socket, p *pool.PacketPool) *NatPuncher {
	return &NatPuncher{
		sock:     s,
		pool:     p,
		sessions: syncmap.New[string, *session](),
	}
}

// HandleIntroductionRequest is invoked by the Demultiplexer for a
// NatIntroductionRequest datagram. The payload is an opaque rendezvous
// token chosen by whichever client dials first; the first caller to present
// a token is parked, the second is paired with it, and both receive a
// NatIntroduction datagram naming the other's endpoint.
func (n *NatPuncher) HandleIntroductionRequest(from netip.AddrPort, token string) error {
	n.reap()

	existing, ok := n.sessions.Get(token)
	if !ok {
		n.sessions.Put(token, &session{token: token, first: from, registered: time.Now()})
		return nil
	}

	n.sessions.Delete(token)

	if err := n.sendIntroduction(existing.first, from, token); err != nil {
		return fmt.Errorf("natpunch: introduce %s to %s: %w", existing.first, from, err)
	}
	if err := n.sendIntroduction(from, existing.first, token); err != nil {
		return fmt.Errorf("natpunch: introduce %s to %s: %w", from, existing.first, err)
	}
	return nil
}

func (n *NatPuncher) sendIntroduction(to, peer netip.AddrPort, token string) error {
	payload := encodeIntroduction(peer, token)
	pkt := n.pool.GetWithData(wire.NatIntroduction, payload)
	defer n.pool.Recycle(pkt)
	return n.sock.SendTo(pkt.Raw[:pkt.Size], to)
}

// HandleIntroduction is invoked on a client receiving a NatIntroduction
// datagram from the introducer. It sends a single NatPunchMessage datagram
// to the named peer to open this client's NAT mapping for it.
func (n *NatPuncher) HandleIntroduction(payload []byte) (peer netip.AddrPort, err error) {
	peer, _, err = decodeIntroduction(payload)
	if err != nil {
		return netip.AddrPort{}, err
	}

	pkt := n.pool.GetWithData(wire.NatPunchMessage, nil)
	defer n.pool.Recycle(pkt)
	if err := n.sock.SendTo(pkt.Raw[:pkt.Size], peer); err != nil {
		return netip.AddrPort{}, fmt.Errorf("natpunch: punch %s: %w", peer, err)
	}
	return peer, nil
}

// HandlePunch is invoked for an incoming NatPunchMessage. There is nothing
// to do beyond having received it: the datagram's only purpose is to leave
// a NAT mapping open on the sender's router, and the Demultiplexer recycles
// the packet after this returns.
func (n *NatPuncher) HandlePunch(from netip.AddrPort) {}

func (n *NatPuncher) reap() {
	cutoff := time.Now().Add(-sessionTTL)
	var stale []string
	n.sessions.Range(func(token string, s *session) bool {
		if s.registered.Before(cutoff) {
			stale = append(stale, token)
		}
		return true
	})
	if len(stale) > 0 {
		n.sessions.Delete(stale...)
	}
}

// NewToken returns a random rendezvous token for a client to present in a
// NatIntroductionRequest.
func NewToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func encodeIntroduction(peer netip.AddrPort, token string) []byte {
	peerBytes := []byte(peer.String())
	out := make([]byte, 0, 2+len(peerBytes)+len(token))
	out = append(out, byte(len(peerBytes)))
	out = append(out, peerBytes...)
	out = append(out, byte(len(token)))
	out = append(out, token...)
	return out
}

func decodeIntroduction(b []byte) (netip.AddrPort, string, error) {
	if len(b) < 1 {
		return netip.AddrPort{}, "", fmt.Errorf("natpunch: empty introduction payload")
	}
	n := int(b[0])
	if len(b) < 1+n+1 {
		return netip.AddrPort{}, "", fmt.Errorf("natpunch: truncated introduction payload")
	}
	peer, err := netip.ParseAddrPort(string(b[1 : 1+n]))
	if err != nil {
		return netip.AddrPort{}, "", fmt.Errorf("natpunch: bad peer endpoint: %w", err)
	}
	rest := b[1+n:]
	tokenLen := int(rest[0])
	if len(rest) < 1+tokenLen {
		return netip.AddrPort{}, "", fmt.Errorf("natpunch: truncated token")
	}
	token := string(rest[1 : 1+tokenLen])
	return peer, token, nil
}
