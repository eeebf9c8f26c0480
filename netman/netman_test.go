package netman

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/netman/internal/eventqueue"
	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/wire"
)

// recordingListener is the eventqueue.Listener every end-to-end test drives
// PollEvents against; it just records, under a mutex, every callback so the
// test goroutine can assert on them once pollUntil's condition is satisfied.
type recordingListener struct {
	mu sync.Mutex

	connected    []*peertable.Peer
	disconnected []disconnectRecord
	received     []receiveRecord
	requests     []*peertable.ConnectionRequest

	onRequest func(*peertable.ConnectionRequest)
}

type disconnectRecord struct {
	reason peertable.DisconnectReason
	data   []byte
}

type receiveRecord struct {
	data   []byte
	method wire.DeliveryMethod
}

func (l *recordingListener) OnPeerConnected(peer *peertable.Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, peer)
}

func (l *recordingListener) OnPeerDisconnected(_ *peertable.Peer, reason peertable.DisconnectReason, data []byte, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, disconnectRecord{reason: reason, data: append([]byte(nil), data...)})
}

func (l *recordingListener) OnNetworkReceive(_ *peertable.Peer, data []byte, method wire.DeliveryMethod) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, receiveRecord{data: append([]byte(nil), data...), method: method})
}

func (l *recordingListener) OnNetworkReceiveUnconnected(netip.AddrPort, []byte, eventqueue.UnconnectedMessageType) {}
func (l *recordingListener) OnNetworkError(netip.AddrPort, int)                                                   {}
func (l *recordingListener) OnNetworkLatencyUpdate(*peertable.Peer, time.Duration)                                {}

func (l *recordingListener) OnConnectionRequest(req *peertable.ConnectionRequest) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	onRequest := l.onRequest
	l.mu.Unlock()

	if onRequest != nil {
		onRequest(req)
	} else {
		req.Accept()
	}
}

func (l *recordingListener) snapshot() (connected int, disconnected []disconnectRecord, received []receiveRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connected), append([]disconnectRecord(nil), l.disconnected...), append([]receiveRecord(nil), l.received...)
}

var _ eventqueue.Listener = (*recordingListener)(nil)

// freeUDPPort asks the kernel for an unused port by binding and immediately
// closing; racy in general, acceptable for loopback-only tests.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("freeUDPPort: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// pollUntil drives PollEvents on every manager in ms at a short interval
// until cond reports true or the deadline elapses.
func pollUntil(t *testing.T, deadline time.Duration, cond func() bool, managers ...*NetManager) {
	t.Helper()
	stop := time.After(deadline)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, m := range managers {
			m.PollEvents()
		}
		if cond() {
			return
		}
		select {
		case <-stop:
			t.Fatalf("condition not met within %s", deadline)
		case <-ticker.C:
		}
	}
}

func newTestManager(t *testing.T, cfg Config, listener eventqueue.Listener) *NetManager {
	t.Helper()
	nm := New(cfg, listener)
	t.Cleanup(func() { _ = nm.Stop() })
	return nm
}

// TestConnectReceiveDisconnect exercises S1: connect, receive, disconnect,
// with connectedPeersCount returning to 0 on both sides.
func TestConnectReceiveDisconnect(t *testing.T) {
	serverListener := &recordingListener{}
	server := newTestManager(t, DefaultConfig(), serverListener)
	if err := server.Start(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("server.Start: %v", err)
	}

	clientListener := &recordingListener{}
	client := newTestManager(t, DefaultConfig(), clientListener)
	if err := client.Start(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	serverEndpoint := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), server.LocalPort())
	clientPeer, err := client.Connect(serverEndpoint, []byte("key"))
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		n, _, _ := serverListener.snapshot()
		return n == 1
	}, server, client)

	if server.ConnectedCount() != 1 || client.ConnectedCount() != 1 {
		t.Fatalf("ConnectedCount = (server %d, client %d), want (1, 1)", server.ConnectedCount(), client.ConnectedCount())
	}

	if err := clientPeer.Send([]byte{0x01, 0x02, 0x03}, wire.DeliveryUnreliable); err != nil {
		t.Fatalf("Send: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		_, _, recv := serverListener.snapshot()
		return len(recv) == 1
	}, server, client)

	_, _, recv := serverListener.snapshot()
	if string(recv[0].data) != string([]byte{0x01, 0x02, 0x03}) || recv[0].method != wire.DeliveryUnreliable {
		t.Fatalf("got receive %+v, want [1 2 3] Unreliable", recv[0])
	}

	client.DisconnectPeer(clientPeer, nil)

	pollUntil(t, 2*time.Second, func() bool {
		_, disc, _ := serverListener.snapshot()
		return len(disc) == 1
	}, server, client)

	_, disc, _ := serverListener.snapshot()
	if disc[0].reason != peertable.ReasonRemoteConnectionClose {
		t.Fatalf("got disconnect reason %v, want RemoteConnectionClose", disc[0].reason)
	}

	if server.ConnectedCount() != 0 {
		t.Fatalf("server ConnectedCount = %d, want 0", server.ConnectedCount())
	}
	if client.ConnectedCount() != 0 {
		t.Fatalf("client ConnectedCount = %d, want 0", client.ConnectedCount())
	}
}

// TestConnectionRejected exercises S2: the server rejects the handshake and
// the client sees Disconnect(reason=ConnectionRejected) carrying the reject
// payload; the server never emits Connect.
func TestConnectionRejected(t *testing.T) {
	serverListener := &recordingListener{}
	serverListener.onRequest = func(req *peertable.ConnectionRequest) { req.Reject([]byte{0xFF}) }
	server := newTestManager(t, DefaultConfig(), serverListener)
	if err := server.Start(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("server.Start: %v", err)
	}

	clientListener := &recordingListener{}
	client := newTestManager(t, DefaultConfig(), clientListener)
	if err := client.Start(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	serverEndpoint := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), server.LocalPort())
	if _, err := client.Connect(serverEndpoint, nil); err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		_, disc, _ := clientListener.snapshot()
		return len(disc) == 1
	}, server, client)

	_, disc, _ := clientListener.snapshot()
	if disc[0].reason != peertable.ReasonConnectionRejected {
		t.Fatalf("got reason %v, want ConnectionRejected", disc[0].reason)
	}
	if string(disc[0].data) != string([]byte{0xFF}) {
		t.Fatalf("got reject data %v, want [0xFF]", disc[0].data)
	}

	serverConnected, _, _ := serverListener.snapshot()
	if serverConnected != 0 {
		t.Fatalf("server emitted Connect despite rejecting")
	}
}

// TestReconnectReplacesIdentity exercises S3's identity rule: a second client
// process connecting from the same endpoint as a still-resident peer record
// gets the next ConnectionNumber. The first process is stopped with Stop,
// which sends its peer a graceful Disconnect, so the server's one Disconnect
// event (RemoteConnectionClose) comes from that datagram before the new
// session's ConnectionRequest.
func TestReconnectReplacesIdentity(t *testing.T) {
	serverListener := &recordingListener{}
	server := newTestManager(t, DefaultConfig(), serverListener)
	if err := server.Start(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	serverEndpoint := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), server.LocalPort())

	clientPort := freeUDPPort(t)
	clientAddr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(clientPort))

	firstListener := &recordingListener{}
	first := New(DefaultConfig(), firstListener)
	if err := first.Start(clientAddr); err != nil {
		t.Fatalf("first.Start: %v", err)
	}
	if _, err := first.Connect(serverEndpoint, nil); err != nil {
		t.Fatalf("first.Connect: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		n, _, _ := serverListener.snapshot()
		return n == 1
	}, server, first)

	peer, ok := server.GetFirstPeer()
	if !ok {
		t.Fatalf("server has no resident peer after first connect")
	}
	firstConnNum := peer.ConnectionNum()

	// End the first process (Stop sends a Disconnect for its peer before
	// closing the socket), then rebind the exact same local endpoint.
	if err := first.Stop(); err != nil {
		t.Fatalf("first.Stop: %v", err)
	}

	secondListener := &recordingListener{}
	second := New(DefaultConfig(), secondListener)
	t.Cleanup(func() { _ = second.Stop() })
	if err := second.Start(clientAddr); err != nil {
		t.Fatalf("second.Start: %v", err)
	}
	if _, err := second.Connect(serverEndpoint, nil); err != nil {
		t.Fatalf("second.Connect: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		n, disc, _ := serverListener.snapshot()
		return n == 2 && len(disc) == 1
	}, server, second)

	_, disc, _ := serverListener.snapshot()
	if disc[0].reason != peertable.ReasonRemoteConnectionClose {
		t.Fatalf("got reason %v, want RemoteConnectionClose for the first session's disconnect", disc[0].reason)
	}

	newPeer, ok := server.GetFirstPeer()
	if !ok {
		t.Fatalf("server has no resident peer after reconnection")
	}
	wantNum := peertable.NextConnectionNumber(firstConnNum)
	if newPeer.ConnectionNum() != wantNum {
		t.Fatalf("new ConnectionNumber = %d, want %d", newPeer.ConnectionNum(), wantNum)
	}
}

// TestIdleTimeoutReapsPeer exercises S4: a connected peer that stops sending
// any datagram is disconnected with reason=Timeout within DisconnectTimeout,
// and reaped from the table shortly after.
func TestIdleTimeoutReapsPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateTime = 5 * time.Millisecond
	cfg.DisconnectTimeout = 100 * time.Millisecond

	serverListener := &recordingListener{}
	server := newTestManager(t, cfg, serverListener)
	if err := server.Start(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	serverEndpoint := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), server.LocalPort())

	clientListener := &recordingListener{}
	client := newTestManager(t, cfg, clientListener)
	if err := client.Start(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	clientPeer, err := client.Connect(serverEndpoint, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		n, _, _ := serverListener.snapshot()
		return n == 1
	}, server, client)

	// Simulate the client vanishing: force-drop its peer (no Disconnect
	// datagram) so Stop has nothing left to send a graceful Disconnect to,
	// then stop it and stop polling its side from here on.
	client.DisconnectPeerForce(clientPeer)
	_ = client.Stop()

	pollUntil(t, 2*time.Second, func() bool {
		_, disc, _ := serverListener.snapshot()
		return len(disc) == 1
	}, server)

	_, disc, _ := serverListener.snapshot()
	if disc[0].reason != peertable.ReasonTimeout {
		t.Fatalf("got reason %v, want Timeout", disc[0].reason)
	}

	pollUntil(t, 2*time.Second, func() bool {
		_, ok := server.GetFirstPeer()
		return !ok
	}, server)
}
