package pool

import (
	"bytes"
	"testing"

	"github.com/prxssh/netman/internal/wire"
)

func TestPacketPool_GetWithData_RoundTrip(t *testing.T) {
	p := NewPacketPool(0)
	data := []byte("some payload bytes")

	pkt := p.GetWithData(wire.ReliableOrdered, data)
	if pkt.Property() != wire.ReliableOrdered {
		t.Fatalf("Property() = %v, want ReliableOrdered", pkt.Property())
	}
	if !bytes.Equal(pkt.Raw[wire.HeaderSize:pkt.Size], data) {
		t.Fatalf("RawData[headerSize:size] = %v, want %v", pkt.Raw[wire.HeaderSize:pkt.Size], data)
	}
}

func TestPacketPool_GetPacket_SizeClassing(t *testing.T) {
	p := NewPacketPool(0)

	small := p.GetPacket(10, false)
	if cap(small.Raw) != sizeClasses[0] {
		t.Fatalf("cap(Raw) = %d, want smallest class %d", cap(small.Raw), sizeClasses[0])
	}

	big := p.GetPacket(2000, false)
	if cap(big.Raw) < 2000 {
		t.Fatalf("cap(Raw) = %d, want at least 2000", cap(big.Raw))
	}
}

func TestPacketPool_RecycleReusesBuffer(t *testing.T) {
	p := NewPacketPool(4)

	first := p.GetPacket(100, false)
	backing := first.Raw
	p.Recycle(first)

	second := p.GetPacket(100, false)
	if &second.Raw[0] != &backing[0] {
		t.Fatalf("GetPacket after Recycle did not reuse the freed buffer")
	}
}

func TestPacketPool_RecycleRespectsMaxFree(t *testing.T) {
	p := NewPacketPool(1)

	a := p.GetPacket(10, false)
	b := p.GetPacket(10, false)
	p.Recycle(a)
	p.Recycle(b)

	class := classFor(10)
	if got := len(p.free[class]); got != 1 {
		t.Fatalf("free list length = %d, want 1 (maxFree bound)", got)
	}
}

func TestPacketPool_RecycleNilIsNoop(t *testing.T) {
	p := NewPacketPool(0)
	p.Recycle(nil)
}

func TestPacketPool_GetPacket_ClearZeroesBuffer(t *testing.T) {
	p := NewPacketPool(0)

	pkt := p.GetPacket(32, false)
	for i := range pkt.Raw {
		pkt.Raw[i] = 0xff
	}
	p.Recycle(pkt)

	reused := p.GetPacket(32, true)
	for i, b := range reused.Raw {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 after clear", i, b)
		}
	}
}
