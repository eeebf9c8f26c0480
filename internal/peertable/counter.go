package peertable

import "sync/atomic"

// ConnectedCounter is NetManager's connectedPeersCount (spec §3 invariant
// I2, §5, §9): updated by whichever thread performs a state transition into
// or out of Connected, eventually consistent with the table rather than
// synchronized with it by design.
type ConnectedCounter struct {
	n atomic.Int64
}

func (c *ConnectedCounter) Inc() { c.n.Add(1) }

func (c *ConnectedCounter) Dec() { c.n.Add(-1) }

func (c *ConnectedCounter) Load() int64 { return c.n.Load() }

func (c *ConnectedCounter) Reset() { c.n.Store(0) }
