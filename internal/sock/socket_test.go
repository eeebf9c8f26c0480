package sock

import (
	"net/netip"
	"strconv"
	"testing"
	"time"
)

func TestUDPSocket_SendToRoundTrip(t *testing.T) {
	a := NewUDPSocket()
	if err := a.Bind(netip.MustParseAddrPort("127.0.0.1:0"), false); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()

	b := NewUDPSocket()
	if err := b.Bind(netip.MustParseAddrPort("127.0.0.1:0"), false); err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	received := make(chan []byte, 1)
	go func() {
		_ = b.Serve(func(data []byte, from netip.AddrPort) {
			cp := append([]byte(nil), data...)
			received <- cp
		})
	}()

	bAddr := netip.MustParseAddrPort("127.0.0.1:" + strconv.Itoa(int(b.LocalPort())))
	if err := a.SendTo([]byte("hello"), bAddr); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("got %q, want %q", data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestUDPSocket_CloseUnblocksServe(t *testing.T) {
	s := NewUDPSocket()
	if err := s.Bind(netip.MustParseAddrPort("127.0.0.1:0"), false); err != nil {
		t.Fatalf("bind: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(func(data []byte, from netip.AddrPort) {})
	}()

	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("Serve returned %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
