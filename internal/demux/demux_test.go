package demux

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/netman/internal/eventqueue"
	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/pool"
	"github.com/prxssh/netman/internal/wire"
)

type fakeSocket struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSocket) Bind(netip.AddrPort, bool) error { return nil }
func (f *fakeSocket) SendTo(data []byte, _ netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}
func (f *fakeSocket) SendBroadcast([]byte, uint16) error { return nil }
func (f *fakeSocket) Close() error                       { return nil }
func (f *fakeSocket) LocalPort() uint16                  { return 0 }
func (f *fakeSocket) Serve(func([]byte, netip.AddrPort)) error {
	return nil
}
func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
func (f *fakeSocket) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeFSM struct {
	mu          sync.Mutex
	accepted    bool
	acceptedID  uint64
	acceptedNum uint8
	rejected    bool
	classify    peertable.ClassifyResult
	disconnect  peertable.DisconnectResult
	processed   int
}

func (f *fakeFSM) Update(int64) {}
func (f *fakeFSM) ProcessPacket(*wire.Packet) error {
	f.mu.Lock()
	f.processed++
	f.mu.Unlock()
	return nil
}
func (f *fakeFSM) ProcessConnectRequest(*wire.Handshake) peertable.ClassifyResult { return f.classify }
func (f *fakeFSM) ProcessConnectAccept(*wire.Handshake) bool                      { return true }
func (f *fakeFSM) ProcessDisconnect(*wire.Packet) peertable.DisconnectResult      { return f.disconnect }
func (f *fakeFSM) Accept(connID uint64, connNum uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = true
	f.acceptedID = connID
	f.acceptedNum = connNum
}
func (f *fakeFSM) Reject(uint64, uint8, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = true
}
func (f *fakeFSM) Shutdown([]byte, bool) bool              { return true }
func (f *fakeFSM) Send([]byte, wire.DeliveryMethod) error  { return nil }
func (f *fakeFSM) Flush() error                            { return nil }

type recordingListener struct {
	mu        sync.Mutex
	connected []*peertable.Peer
	disc      []peertable.DisconnectReason
	errors    []int
	unconn    []eventqueue.UnconnectedMessageType
	requests  []*peertable.ConnectionRequest
}

func (l *recordingListener) OnPeerConnected(peer *peertable.Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, peer)
}
func (l *recordingListener) OnPeerDisconnected(_ *peertable.Peer, reason peertable.DisconnectReason, _ []byte, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disc = append(l.disc, reason)
}
func (l *recordingListener) OnNetworkReceive(*peertable.Peer, []byte, wire.DeliveryMethod) {}
func (l *recordingListener) OnNetworkReceiveUnconnected(_ netip.AddrPort, _ []byte, msgType eventqueue.UnconnectedMessageType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unconn = append(l.unconn, msgType)
}
func (l *recordingListener) OnNetworkError(_ netip.AddrPort, code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, code)
}
func (l *recordingListener) OnNetworkLatencyUpdate(*peertable.Peer, time.Duration) {}
func (l *recordingListener) OnConnectionRequest(req *peertable.ConnectionRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
}

var _ eventqueue.Listener = (*recordingListener)(nil)

func newTestDemux(t *testing.T, opts Options, classify peertable.ClassifyResult, disc peertable.DisconnectResult) (*Demultiplexer, *fakeSocket, *recordingListener, *peertable.PeerTable) {
	t.Helper()
	table := peertable.NewPeerTable()
	p := pool.NewPacketPool(8)
	l := &recordingListener{}
	q := eventqueue.NewEventQueue()
	dispatch := eventqueue.NewDispatcher(q, l, p, true) // unsynced: inline dispatch for easy assertions
	s := &fakeSocket{}
	connected := &peertable.ConnectedCounter{}

	factory := func(netip.AddrPort, uint64, uint8, func([]byte, wire.DeliveryMethod), func(time.Duration), func(error)) peertable.PeerStateMachine {
		return &fakeFSM{classify: classify, disconnect: disc}
	}

	d := New(table, p, dispatch, s, nil, connected, nil, factory, opts)
	return d, s, l, table
}

func connectRequestDatagram(t *testing.T, connID uint64, connNum uint8, payload []byte) []byte {
	t.Helper()
	hs := wire.Handshake{ConnectionID: connID, ConnectionNumber: connNum, Data: payload}
	data, err := hs.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return append([]byte{byte(wire.ConnectRequest)}, data...)
}

func TestDemultiplexer_SocketErrorClearsTableAndEmitsError(t *testing.T) {
	d, _, l, table := newTestDemux(t, Options{}, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9000")
	table.TryAdd(peertable.NewIncomingPeer(from, 1, 0, &fakeFSM{}))
	if table.Len() != 1 {
		t.Fatalf("setup: table has %d peers, want 1", table.Len())
	}

	d.OnMessageReceived(nil, from, errClosedStub{})

	if table.Len() != 0 {
		t.Fatalf("table not cleared after socket error")
	}
	if len(l.errors) != 1 {
		t.Fatalf("got %d error events, want 1", len(l.errors))
	}
}

type errClosedStub struct{}

func (errClosedStub) Error() string { return "stub socket error" }

func TestDemultiplexer_PacketLossSimulationDropsEverything(t *testing.T) {
	d, _, _, _ := newTestDemux(t, Options{SimulatePacketLoss: true, SimulationPacketLossChance: 100}, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9001")
	d.OnMessageReceived([]byte{byte(wire.Unreliable), 1, 2}, from, nil)

	received, _, _ := d.Stats()
	if received != 0 {
		t.Fatalf("packetsReceived = %d, want 0 (100%% simulated loss)", received)
	}
}

func TestDemultiplexer_LatencySimulationDelaysThenDrainDelivers(t *testing.T) {
	opts := Options{SimulateLatency: true, SimulationMinLatency: 10 * time.Millisecond, SimulationMaxLatency: 11 * time.Millisecond}
	d, _, _, _ := newTestDemux(t, opts, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9002")
	d.OnMessageReceived([]byte{byte(wire.Unreliable), 9}, from, nil)

	received, _, _ := d.Stats()
	if received != 0 {
		t.Fatalf("packet delivered immediately despite latency simulation")
	}

	d.DrainDelayed(time.Now().Add(20 * time.Millisecond))
	received, _, _ = d.Stats()
	if received != 1 {
		t.Fatalf("got %d packets after drain, want 1", received)
	}
}

func TestDemultiplexer_DisconnectAlwaysSendsShutdownOkEvenWithoutPeer(t *testing.T) {
	d, s, _, _ := newTestDemux(t, Options{}, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9003")
	d.OnMessageReceived([]byte{byte(wire.Disconnect)}, from, nil)

	if s.count() != 1 {
		t.Fatalf("got %d sends, want 1 ShutdownOk", s.count())
	}
	if wire.PacketProperty(s.last()[0]) != wire.ShutdownOk {
		t.Fatalf("sent property %v, want ShutdownOk", wire.PacketProperty(s.last()[0]))
	}
}

func TestDemultiplexer_DisconnectWithPeerEmitsDisconnectAndDecrementsCounter(t *testing.T) {
	d, s, l, table := newTestDemux(t, Options{}, peertable.ClassifyNone, peertable.DisconnectResultDisconnect)

	from := netip.MustParseAddrPort("127.0.0.1:9004")
	peer := table.TryAdd(peertable.NewIncomingPeer(from, 1, 0, &fakeFSM{disconnect: peertable.DisconnectResultDisconnect}))
	d.connected.Inc()

	d.OnMessageReceived([]byte{byte(wire.Disconnect), 'b', 'y', 'e'}, from, nil)

	if s.count() != 1 {
		t.Fatalf("ShutdownOk not sent")
	}
	if len(l.disc) != 1 || l.disc[0] != peertable.ReasonRemoteConnectionClose {
		t.Fatalf("got disconnect reasons %v, want [RemoteConnectionClose]", l.disc)
	}
	if d.connected.Load() != 0 {
		t.Fatalf("connectedPeersCount = %d, want 0", d.connected.Load())
	}
	if peer.State() != peertable.StateDisconnected {
		t.Fatalf("peer state = %v, want Disconnected", peer.State())
	}
}

func TestDemultiplexer_ConnectRequestAdmitsPeerAndSurfacesConnectionRequest(t *testing.T) {
	d, _, l, table := newTestDemux(t, Options{}, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9005")
	d.OnMessageReceived(connectRequestDatagram(t, 77, 3, []byte("hello")), from, nil)

	if table.Len() != 1 {
		t.Fatalf("got %d resident peers, want 1", table.Len())
	}
	if len(l.requests) != 1 {
		t.Fatalf("got %d ConnectionRequest events, want 1", len(l.requests))
	}
	req := l.requests[0]
	if req.Type != peertable.RequestIncoming || req.ConnectionID != 77 || req.ConnectionNumber != 3 {
		t.Fatalf("got request %+v, want Incoming id=77 num=3", req)
	}
	if string(req.Data) != "hello" {
		t.Fatalf("got payload %q, want hello", req.Data)
	}

	req.Accept()
	if len(l.connected) != 1 {
		t.Fatalf("Accept did not emit Connect")
	}
	if d.connected.Load() != 1 {
		t.Fatalf("connectedPeersCount = %d, want 1 after Accept", d.connected.Load())
	}
}

func TestDemultiplexer_ConnectRequestReconnectionRemovesOldPeerFirst(t *testing.T) {
	d, _, l, table := newTestDemux(t, Options{}, peertable.ClassifyReconnection, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9006")
	old := table.TryAdd(peertable.NewIncomingPeer(from, 1, 5, &fakeFSM{classify: peertable.ClassifyReconnection}))
	d.connected.Inc()

	d.OnMessageReceived(connectRequestDatagram(t, 99, 0, nil), from, nil)

	if old.State() != peertable.StateDisconnected {
		t.Fatalf("old peer not marked disconnected after reconnection classify")
	}
	if d.connected.Load() != 0 {
		t.Fatalf("connectedPeersCount = %d, want 0 after reconnection decrement", d.connected.Load())
	}
	if len(l.disc) != 1 || l.disc[0] != peertable.ReasonRemoteConnectionClose {
		t.Fatalf("got %v, want one RemoteConnectionClose disconnect", l.disc)
	}
	if len(l.requests) != 1 {
		t.Fatalf("got %d ConnectionRequest events after fall-through, want 1", len(l.requests))
	}
	if table.Len() != 1 {
		t.Fatalf("got %d resident peers, want 1 (new peer replacing old)", table.Len())
	}
}

func TestDemultiplexer_DiscoveryDisabledDropsSilently(t *testing.T) {
	d, _, l, _ := newTestDemux(t, Options{DiscoveryEnabled: false}, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9008")
	d.OnMessageReceived([]byte{byte(wire.DiscoveryRequest), 0xAA}, from, nil)

	if len(l.unconn) != 0 {
		t.Fatalf("got %d unconnected events with DiscoveryEnabled=false, want 0", len(l.unconn))
	}

	d.opts.DiscoveryEnabled = true
	d.OnMessageReceived([]byte{byte(wire.DiscoveryRequest), 0xAA}, from, nil)
	if len(l.unconn) != 1 || l.unconn[0] != eventqueue.DiscoveryRequestMessage {
		t.Fatalf("got %v after enabling, want one DiscoveryRequestMessage", l.unconn)
	}
}

func TestDemultiplexer_UnconnectedMessageDisabledDropsSilently(t *testing.T) {
	d, _, l, _ := newTestDemux(t, Options{UnconnectedMessagesEnabled: false}, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9009")
	d.OnMessageReceived([]byte{byte(wire.UnconnectedMessage), 1}, from, nil)

	if len(l.unconn) != 0 {
		t.Fatalf("got %d unconnected events with UnconnectedMessagesEnabled=false, want 0", len(l.unconn))
	}
}

func TestDemultiplexer_DefaultPropertyForwardsToPeerProcessPacket(t *testing.T) {
	d, _, _, table := newTestDemux(t, Options{}, peertable.ClassifyNone, peertable.DisconnectResultNone)

	from := netip.MustParseAddrPort("127.0.0.1:9007")
	fsm := &fakeFSM{}
	table.TryAdd(peertable.NewIncomingPeer(from, 1, 0, fsm))

	d.OnMessageReceived([]byte{byte(wire.ReliableOrdered), 1, 2, 3}, from, nil)

	if fsm.processed != 1 {
		t.Fatalf("got %d ProcessPacket calls, want 1", fsm.processed)
	}
}
