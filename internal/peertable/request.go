package peertable

import "sync"

// ConnectionRequest is the external-visible capability granting a listener
// the right to accept or reject an incoming or peer-to-peer handshake (spec
// §3). resolve is supplied by the ConnectionNegotiator that created the
// request; Accept/Reject call it exactly once.
type ConnectionRequest struct {
	Peer             *Peer
	ConnectionID     uint64
	ConnectionNumber uint8
	Type             ConnectionRequestType
	Data             []byte

	once    sync.Once
	resolve func(accept bool, rejectData []byte)
}

// NewConnectionRequest constructs a request bound to resolve, the callback
// the negotiator uses to finish handling the handshake.
func NewConnectionRequest(
	peer *Peer,
	connID uint64,
	connNum uint8,
	typ ConnectionRequestType,
	data []byte,
	resolve func(accept bool, rejectData []byte),
) *ConnectionRequest {
	return &ConnectionRequest{
		Peer:             peer,
		ConnectionID:     connID,
		ConnectionNumber: connNum,
		Type:             typ,
		Data:             data,
		resolve:          resolve,
	}
}

// Accept approves the handshake.
func (r *ConnectionRequest) Accept() {
	r.once.Do(func() {
		if r.resolve != nil {
			r.resolve(true, nil)
		}
	})
}

// Reject declines the handshake, optionally carrying data back to the
// initiator.
func (r *ConnectionRequest) Reject(data []byte) {
	r.once.Do(func() {
		if r.resolve != nil {
			r.resolve(false, data)
		}
	})
}
