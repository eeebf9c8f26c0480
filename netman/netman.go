package netman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/netman/internal/demux"
	"github.com/prxssh/netman/internal/eventqueue"
	"github.com/prxssh/netman/internal/logging"
	"github.com/prxssh/netman/internal/natpunch"
	"github.com/prxssh/netman/internal/peerfsm"
	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/pool"
	"github.com/prxssh/netman/internal/sock"
	"github.com/prxssh/netman/internal/wire"
)

var (
	ErrAlreadyRunning = errors.New("netman: already running")
	ErrNotRunning     = errors.New("netman: client is not running")
)

// NetManager is the facade spec §4.7 describes. The zero value is not
// usable; construct with New.
type NetManager struct {
	cfg Config

	sock       sock.Socket
	pool       *pool.PacketPool
	table      *peertable.PeerTable
	queue      *eventqueue.EventQueue
	dispatch   *eventqueue.Dispatcher
	demux      *demux.Demultiplexer
	natPuncher *natpunch.NatPuncher
	connected  *peertable.ConnectedCounter
	logger     *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	// startStop serializes Start/Stop against each other; the running flag
	// alone is not enough to make a racing Start/Stop pair observe a
	// consistent cancel/group pair.
	startStop sync.Mutex
}

// New builds a NetManager wired to listener but does not bind a socket or
// start any goroutine; call Start for that (spec §4.7).
func New(cfg Config, listener eventqueue.Listener) *NetManager {
	cfg = cfg.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		opts := logging.DefaultOptions()
		logger = slog.New(logging.NewPrettyHandler(os.Stderr, &opts))
	}

	p := pool.NewPacketPool(cfg.MaxFreePacketsPerClass)
	table := peertable.NewPeerTable()
	queue := eventqueue.NewEventQueue()
	dispatch := eventqueue.NewDispatcher(queue, listener, p, cfg.UnsyncedEvents)
	connected := &peertable.ConnectedCounter{}
	udpSock := sock.NewUDPSocket()

	var puncher *natpunch.NatPuncher
	if cfg.NatPunchEnabled {
		puncher = natpunch.New(udpSock, p)
	}

	nm := &NetManager{
		cfg:        cfg,
		sock:       udpSock,
		pool:       p,
		table:      table,
		queue:      queue,
		dispatch:   dispatch,
		natPuncher: puncher,
		connected:  connected,
		logger:     logger,
	}

	opts := demux.Options{
		DiscoveryEnabled:           cfg.DiscoveryEnabled,
		UnconnectedMessagesEnabled: cfg.UnconnectedMessagesEnabled,
		NatPunchEnabled:            cfg.NatPunchEnabled,
		SimulatePacketLoss:         cfg.SimulatePacketLoss,
		SimulationPacketLossChance: cfg.SimulationPacketLossChance,
		SimulateLatency:            cfg.SimulateLatency,
		SimulationMinLatency:       cfg.SimulationMinLatency,
		SimulationMaxLatency:       cfg.SimulationMaxLatency,
	}
	nm.demux = demux.New(table, p, dispatch, udpSock, puncher, connected, logger, nm.newIncomingFSM, opts)
	return nm
}

func (n *NetManager) fsmConfig() peerfsm.Config {
	return peerfsm.Config{
		PingInterval:       n.cfg.PingInterval,
		ReconnectDelay:     n.cfg.ReconnectDelay,
		MaxConnectAttempts: n.cfg.MaxConnectAttempts,
	}
}

// newIncomingFSM satisfies demux.PeerFactory; it is the default
// PeerStateMachine wiring for a remotely initiated handshake. onSendError is
// already bound to the peer being constructed by the negotiator, so it is
// forwarded as-is rather than wrapped again here.
func (n *NetManager) newIncomingFSM(
	endpoint netip.AddrPort,
	connID uint64,
	connNum uint8,
	onData func(data []byte, method wire.DeliveryMethod),
	onLatency func(latency time.Duration),
	onSendError func(err error),
) peertable.PeerStateMachine {
	cb := peerfsm.Callbacks{OnData: onData, OnLatency: onLatency, OnSendError: onSendError}
	return peerfsm.NewIncoming(n.sock, n.pool, endpoint, connID, connNum, n.fsmConfig(), cb)
}

// handleSendError classifies a socket-send failure on peer's behalf (spec
// §7's taxonomy) and acts on it: MessageSize is logged and dropped,
// HostUnreachable/ConnectionReset tear the peer down with the matching
// reason, and anything else surfaces as a generic Error event. This mirrors
// internal/demux's ConnectionNegotiator.handleSendError for the outgoing
// (Connect-initiated) path, which has its own dispatch/connected/logger and
// cannot share the method across packages without an import cycle.
func (n *NetManager) handleSendError(peer *peertable.Peer, err error) {
	switch sock.ClassifySendError(err) {
	case sock.SendErrorMessageSize:
		n.logger.Debug("send dropped: message too large", "endpoint", peer.EndPoint(), "err", err)
	case sock.SendErrorHostUnreachable:
		n.teardownPeer(peer, peertable.ReasonSocketSendError)
	case sock.SendErrorConnectionReset:
		n.teardownPeer(peer, peertable.ReasonRemoteConnectionClose)
	default:
		n.dispatch.Error(peer.EndPoint(), 1)
	}
}

// teardownPeer marks peer Disconnected and emits the matching event, without
// removing it from the table — LogicTick's reap path handles that after
// DisconnectTimeout, same as the idle-timeout branch in logicTick.
func (n *NetManager) teardownPeer(peer *peertable.Peer, reason peertable.DisconnectReason) {
	wasConnected := peer.State() == peertable.StateConnected
	peer.MarkDisconnected()
	if wasConnected {
		n.connected.Dec()
	}
	n.dispatch.Disconnect(peer, reason, nil, 0)
}

// IsRunning reports whether Start has succeeded and Stop has not yet run.
func (n *NetManager) IsRunning() bool { return n.running.Load() }

// Start binds the socket and spawns the socket-receive and LogicTick threads
// (spec §4.7, §5). It refuses with ErrAlreadyRunning if already started.
func (n *NetManager) Start(bind netip.AddrPort) error {
	n.startStop.Lock()
	defer n.startStop.Unlock()

	if n.running.Load() {
		return ErrAlreadyRunning
	}

	if err := n.sock.Bind(bind, n.cfg.ReuseAddress); err != nil {
		return fmt.Errorf("netman: start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	n.cancel = cancel
	n.group = g
	n.running.Store(true)

	g.Go(func() error { return n.serveLoop() })
	g.Go(func() error { return n.logicTickLoop(gctx) })

	return nil
}

// serveLoop is the socket-receive thread (spec §5): it blocks inside
// sock.Serve and hands every datagram to the Demultiplexer. A read failure
// other than a clean Close is fatal (spec §7): the Demultiplexer clears the
// peer table and emits a single Error event, and serveLoop triggers the
// "forced teardown" spec §9 describes by stopping the manager from a
// separate goroutine (calling Stop synchronously here would deadlock on
// Stop's own errgroup.Wait, since this goroutine is a member of that group).
func (n *NetManager) serveLoop() error {
	err := n.sock.Serve(func(data []byte, from netip.AddrPort) {
		n.demux.OnMessageReceived(data, from, nil)
	})
	if errors.Is(err, sock.ErrClosed) {
		return nil
	}
	if err != nil {
		n.demux.OnMessageReceived(nil, netip.AddrPort{}, err)
		go n.Stop()
	}
	return nil
}

// logicTickLoop drives LogicTick at cfg.UpdateTime cadence until ctx is
// canceled (spec §4.6, §5: "exits when IsRunning becomes false").
func (n *NetManager) logicTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.UpdateTime)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last = n.logicTick(last)
		}
	}
}

// logicTick runs one iteration of spec §4.6's six steps and returns the
// timestamp the next iteration should measure elapsed time from.
func (n *NetManager) logicTick(previous time.Time) time.Time {
	now := time.Now()

	n.demux.DrainDelayed(now)

	elapsed := now.Sub(previous)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}

	// DisconnectTimeout does double duty (spec §5 "only two timeouts", S4):
	// it bounds how long a Connected peer may go without a received packet
	// before the core declares it idle, and separately bounds how long an
	// already-Disconnected peer record lingers before LogicTick reaps it.
	var toRemove []*peertable.Peer
	for cur := n.table.Head(); cur != nil; cur = cur.NextPeer() {
		switch cur.State() {
		case peertable.StateDisconnected:
			if cur.TimeSinceLastPacket(now) > n.cfg.DisconnectTimeout {
				toRemove = append(toRemove, cur)
			}
		case peertable.StateConnected:
			if cur.TimeSinceLastPacket(now) > n.cfg.DisconnectTimeout {
				cur.MarkDisconnected()
				n.connected.Dec()
				n.dispatch.Disconnect(cur, peertable.ReasonTimeout, nil, 0)
				continue
			}
			cur.Update(elapsed.Milliseconds())
		default:
			cur.Update(elapsed.Milliseconds())
		}
	}
	n.table.RemovePeers(toRemove)

	// Step 5 ("aggregate per-peer packet-loss into total statistics") is a
	// no-op here: internal/peerfsm carries no loss/retransmit bookkeeping by
	// design (spec §1's out-of-scope list excludes reliability entirely), so
	// there is nothing for a default PeerStateMachine to aggregate. A
	// PeerStateMachine implementation that does track loss would expose an
	// accessor NetManager could sum here.

	return now
}

// Stop shuts down every peer with force=false, joins both threads, closes
// the socket, and clears all state (spec §4.7). Idempotent: a second call
// observes ErrNotRunning having already returned from the first.
func (n *NetManager) Stop() error {
	n.startStop.Lock()
	defer n.startStop.Unlock()

	if !n.running.Load() {
		return ErrNotRunning
	}
	n.running.Store(false)

	for cur := n.table.Head(); cur != nil; cur = cur.NextPeer() {
		cur.Shutdown(nil, false)
	}

	n.cancel()
	_ = n.sock.Close()
	_ = n.group.Wait()

	n.table.Clear()
	n.queue.Drain()
	n.connected.Reset()

	return nil
}
