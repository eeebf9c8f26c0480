// Package pool implements the size-classed buffer pool for wire packets that
// NetManager's hot paths depend on (the event free-list lives in
// internal/eventqueue). It is safe for concurrent use by the socket-receive
// goroutine, the logic-tick goroutine, and user goroutines at once.
package pool

import (
	"sync"

	"github.com/prxssh/netman/internal/wire"
)

// sizeClasses are the bucket capacities packets are rounded up to. The
// smallest class comfortably holds a handshake or ack; 1472 matches a
// conservative UDP MTU ceiling, and the largest is the maximum UDP payload.
var sizeClasses = []int{64, 128, 256, 512, 1024, 1472, 65507}

func classFor(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return len(sizeClasses) - 1
}

// PacketPool recycles packet buffers bucketed by size class.
type PacketPool struct {
	mus     []sync.Mutex
	free    [][]*wire.Packet
	maxFree int
}

// NewPacketPool returns a pool that never holds more than maxFreePerClass
// idle buffers per size class (0 means unbounded).
func NewPacketPool(maxFreePerClass int) *PacketPool {
	n := len(sizeClasses)
	return &PacketPool{
		mus:     make([]sync.Mutex, n),
		free:    make([][]*wire.Packet, n),
		maxFree: maxFreePerClass,
	}
}

// GetPacket returns a packet with a buffer of at least size bytes of
// capacity. If clear is true the buffer is zero-filled before being handed
// out; otherwise stale bytes from a prior use may remain beyond Size and
// must not be read by the caller.
func (p *PacketPool) GetPacket(size int, clear bool) *wire.Packet {
	class := classFor(size)
	capacity := sizeClasses[class]

	p.mus[class].Lock()
	n := len(p.free[class])
	var pkt *wire.Packet
	if n > 0 {
		pkt = p.free[class][n-1]
		p.free[class][n-1] = nil
		p.free[class] = p.free[class][:n-1]
	}
	p.mus[class].Unlock()

	if pkt == nil {
		pkt = &wire.Packet{Raw: make([]byte, capacity)}
		pkt.SetClass(class)
	}

	pkt.Size = size
	if clear {
		for i := range pkt.Raw {
			pkt.Raw[i] = 0
		}
	}
	return pkt
}

// GetWithData constructs a send-ready packet: the property byte is written
// first, followed by a copy of data.
func (p *PacketPool) GetWithData(prop wire.PacketProperty, data []byte) *wire.Packet {
	pkt := p.GetPacket(wire.HeaderSize+len(data), false)
	pkt.SetProperty(prop)
	copy(pkt.Raw[wire.HeaderSize:pkt.Size], data)
	return pkt
}

// Recycle returns pkt to its size class's free-list. A packet must be
// recycled exactly once; recycling it twice would let two owners alias the
// same buffer.
func (p *PacketPool) Recycle(pkt *wire.Packet) {
	if pkt == nil {
		return
	}
	class := pkt.Class()

	p.mus[class].Lock()
	defer p.mus[class].Unlock()

	if p.maxFree > 0 && len(p.free[class]) >= p.maxFree {
		return
	}
	pkt.Size = 0
	p.free[class] = append(p.free[class], pkt)
}
