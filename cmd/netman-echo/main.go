// Command netman-echo is a small end-to-end demo of the netman package: a
// server mode that echoes every datagram it receives back to its sender, and
// a client mode that connects, sends a line of input per Enter press, and
// reconnects with backoff if the connection drops.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/prxssh/netman/internal/eventqueue"
	"github.com/prxssh/netman/internal/logging"
	"github.com/prxssh/netman/internal/peertable"
	"github.com/prxssh/netman/internal/retrybackoff"
	"github.com/prxssh/netman/internal/wire"
	"github.com/prxssh/netman/netman"
)

func setupLogger() *slog.Logger {
	opts := logging.DefaultOptions()
	handler := logging.NewPrettyHandler(os.Stdout, &opts)
	return slog.New(handler)
}

func main() {
	var (
		mode    = flag.String("mode", "server", "server or client")
		addr    = flag.String("addr", "127.0.0.1:9050", "local address to bind")
		connect = flag.String("connect", "127.0.0.1:9050", "client: remote address to connect to")
	)
	flag.Parse()

	logger := setupLogger()

	bind, err := netip.ParseAddrPort(*addr)
	if err != nil {
		logger.Error("parse addr", "err", err)
		os.Exit(1)
	}

	switch *mode {
	case "server":
		runServer(logger, bind)
	case "client":
		remote, err := netip.ParseAddrPort(*connect)
		if err != nil {
			logger.Error("parse connect addr", "err", err)
			os.Exit(1)
		}
		runClient(logger, bind, remote)
	default:
		logger.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}
}

// echoListener replies to every received datagram with the same payload and
// logs connection lifecycle events.
type echoListener struct {
	logger *slog.Logger
	nm     *netman.NetManager
}

func (l *echoListener) OnPeerConnected(peer *peertable.Peer) {
	l.logger.Info("peer connected", "endpoint", peer.EndPoint())
}

func (l *echoListener) OnPeerDisconnected(peer *peertable.Peer, reason peertable.DisconnectReason, data []byte, errCode int) {
	l.logger.Info("peer disconnected", "endpoint", peer.EndPoint(), "reason", reason, "data", data)
}

func (l *echoListener) OnNetworkReceive(peer *peertable.Peer, data []byte, method wire.DeliveryMethod) {
	l.logger.Info("received", "endpoint", peer.EndPoint(), "method", method, "bytes", len(data))
	if err := peer.Send(data, method); err != nil {
		l.logger.Warn("echo send failed", "endpoint", peer.EndPoint(), "err", err)
	}
}

func (l *echoListener) OnNetworkReceiveUnconnected(endpoint netip.AddrPort, data []byte, msgType eventqueue.UnconnectedMessageType) {
	l.logger.Info("unconnected message", "endpoint", endpoint, "type", msgType, "bytes", len(data))
}

func (l *echoListener) OnNetworkError(endpoint netip.AddrPort, errCode int) {
	l.logger.Warn("network error", "endpoint", endpoint, "code", errCode)
}

func (l *echoListener) OnNetworkLatencyUpdate(peer *peertable.Peer, latency time.Duration) {
	l.logger.Debug("latency", "endpoint", peer.EndPoint(), "latency", latency)
}

func (l *echoListener) OnConnectionRequest(req *peertable.ConnectionRequest) {
	l.logger.Info("connection request", "peer", req.Peer.EndPoint())
	req.Accept()
}

func runServer(logger *slog.Logger, bind netip.AddrPort) {
	listener := &echoListener{logger: logger}
	nm := netman.New(netman.DefaultConfig(), listener)
	listener.nm = nm

	if err := nm.Start(bind); err != nil {
		logger.Error("start", "err", err)
		os.Exit(1)
	}
	defer nm.Stop()

	logger.Info("echo server listening", "addr", bind)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		nm.PollEvents()
	}
}

func runClient(logger *slog.Logger, bind, remote netip.AddrPort) {
	listener := &echoListener{logger: logger}
	nm := netman.New(netman.DefaultConfig(), listener)
	listener.nm = nm

	if err := nm.Start(bind); err != nil {
		logger.Error("start", "err", err)
		os.Exit(1)
	}
	defer nm.Stop()

	peer, err := connectWithBackoff(context.Background(), logger, nm, remote)
	if err != nil {
		logger.Error("connect", "err", err)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			nm.PollEvents()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type a line and press enter to send it; it will be echoed back")
	for scanner.Scan() {
		line := scanner.Text()
		if err := peer.Send([]byte(line), wire.DeliveryReliableUnordered); err != nil {
			logger.Warn("send failed, reconnecting", "err", err)
			peer, err = connectWithBackoff(context.Background(), logger, nm, remote)
			if err != nil {
				logger.Error("reconnect", "err", err)
				return
			}
		}
	}
}

// connectWithBackoff retries Connect with exponential backoff, the use case
// retrybackoff.Do is built for: NetManager itself never retries a handshake
// beyond MaxConnectAttempts, so a caller that wants to survive the server
// being briefly unreachable drives its own retry loop around Connect.
func connectWithBackoff(ctx context.Context, logger *slog.Logger, nm *netman.NetManager, remote netip.AddrPort) (*peertable.Peer, error) {
	var peer *peertable.Peer
	err := retrybackoff.Do(ctx, func(ctx context.Context) error {
		p, err := nm.Connect(remote, nil)
		if err != nil {
			return err
		}
		peer = p
		return nil
	}, retrybackoff.WithExponentialBackoff(5, 200*time.Millisecond, 5*time.Second)...)

	if err == nil {
		logger.Info("connected", "remote", remote)
	}
	return peer, err
}
