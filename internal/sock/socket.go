// Package sock wraps the raw UDP socket NetManager reads and writes on. It
// mirrors the connect/read/write shape of a UDP tracker client: a single
// *net.UDPConn, a reusable receive buffer, and a ReadFrom loop that hands
// each datagram to a caller-supplied callback.
package sock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

const maxDatagramSize = 65507

var ErrClosed = errors.New("sock: socket closed")

// Socket is the transport NetManager sends and receives datagrams over. The
// production implementation is *UDPSocket; tests can substitute a fake.
type Socket interface {
	Bind(addr netip.AddrPort, reuseAddress bool) error
	SendTo(data []byte, endpoint netip.AddrPort) error
	SendBroadcast(data []byte, port uint16) error
	Close() error
	LocalPort() uint16
	// Serve blocks reading datagrams until the socket is closed, invoking
	// onPacket for each one. It returns ErrClosed on a clean shutdown.
	Serve(onPacket func(data []byte, from netip.AddrPort)) error
}

// UDPSocket is the net.UDPConn-backed Socket used outside of tests.
type UDPSocket struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	localPort uint16
	closed    bool
	readBuf   []byte
}

func NewUDPSocket() *UDPSocket {
	return &UDPSocket{readBuf: make([]byte, maxDatagramSize)}
}

func (s *UDPSocket) Bind(addr netip.AddrPort, reuseAddress bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	udpAddr := net.UDPAddrFromAddrPort(addr)
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("sock: bind %s: %w", addr, err)
	}

	s.conn = conn
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.localPort = uint16(local.Port)
	}

	// reuseAddress is accepted but not applied: SO_REUSEADDR is never set on
	// this socket. Plain ListenUDP already permits rebinding to an ephemeral
	// port chosen by the kernel.
	_ = reuseAddress

	// SendBroadcast needs SO_BROADCAST set, or the kernel refuses a send to
	// 255.255.255.255 with EACCES; net.ListenUDP never sets it.
	if rawConn, err := conn.SyscallConn(); err == nil {
		_ = rawConn.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		})
	}

	return nil
}

func (s *UDPSocket) SendTo(data []byte, endpoint netip.AddrPort) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()

	if closed || conn == nil {
		return ErrClosed
	}

	_, err := conn.WriteToUDPAddrPort(data, endpoint)
	return err
}

func (s *UDPSocket) SendBroadcast(data []byte, port uint16) error {
	broadcast := netip.AddrPortFrom(netip.MustParseAddr("255.255.255.255"), port)
	return s.SendTo(data, broadcast)
}

func (s *UDPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *UDPSocket) LocalPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

func (s *UDPSocket) Serve(onPacket func(data []byte, from netip.AddrPort)) error {
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()

		if closed || conn == nil {
			return ErrClosed
		}

		n, from, err := conn.ReadFromUDPAddrPort(s.readBuf)
		if err != nil {
			s.mu.Lock()
			closedNow := s.closed
			s.mu.Unlock()
			if closedNow {
				return ErrClosed
			}
			return fmt.Errorf("sock: read: %w", err)
		}

		onPacket(s.readBuf[:n], from)
	}
}
