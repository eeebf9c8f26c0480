package eventqueue

import (
	"net/netip"
	"time"

	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/wire"
)

// Listener is the set of callbacks the core invokes to deliver events (spec
// §6). Implementations must not block for long: under UnsyncedEvents these
// run directly on the socket-receive or logic-tick goroutine.
type Listener interface {
	OnPeerConnected(peer *peertable.Peer)
	OnPeerDisconnected(peer *peertable.Peer, reason peertable.DisconnectReason, additionalData []byte, socketErrorCode int)
	OnNetworkReceive(peer *peertable.Peer, data []byte, method wire.DeliveryMethod)
	OnNetworkReceiveUnconnected(endpoint netip.AddrPort, data []byte, msgType UnconnectedMessageType)
	OnNetworkError(endpoint netip.AddrPort, errorCode int)
	OnNetworkLatencyUpdate(peer *peertable.Peer, latency time.Duration)
	OnConnectionRequest(request *peertable.ConnectionRequest)
}
