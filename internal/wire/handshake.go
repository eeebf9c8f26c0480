package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
)

// handshakeHeaderSize is the byte length of the fixed-size portion of a
// ConnectRequest/ConnectAccept payload: an 8-byte connection id and a 1-byte
// connection number. Everything after that is the opaque user payload.
const handshakeHeaderSize = 9

var ErrShortHandshake = errors.New("wire: short handshake payload")

// Handshake is the payload carried by ConnectRequest and ConnectAccept
// datagrams (spec §6): a 64-bit connection identifier, an 8-bit connection
// number, and a variable-length opaque user payload.
type Handshake struct {
	ConnectionID     uint64
	ConnectionNumber uint8
	Data             []byte
}

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
)

// MarshalBinary encodes the handshake into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, handshakeHeaderSize+len(h.Data))
	binary.BigEndian.PutUint64(buf[0:8], h.ConnectionID)
	buf[8] = h.ConnectionNumber
	copy(buf[handshakeHeaderSize:], h.Data)
	return buf, nil
}

// UnmarshalBinary decodes a handshake payload produced by MarshalBinary.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < handshakeHeaderSize {
		return ErrShortHandshake
	}
	h.ConnectionID = binary.BigEndian.Uint64(b[0:8])
	h.ConnectionNumber = b[8]
	h.Data = append(h.Data[:0], b[handshakeHeaderSize:]...)
	return nil
}
