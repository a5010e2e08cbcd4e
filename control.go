// Package highway is the UDP ingress gateway for a KCP-style reliable transport.
//
// A Gateway receives raw datagrams, interprets fixed-size handshake packets,
// creates sessions on top of a pluggable reliable-transport engine and hands
// every packet to the worker that owns the session. All work for one session
// runs on one worker, so engines never need their own locking.
package highway

import (
	"encoding/binary"
	"fmt"
)

// ControlPacketSize is the exact size of a handshake/teardown packet.
// Datagrams of any other length are treated as data.
const ControlPacketSize = 20

// Event codes carried in the fourth field of a control packet.
const (
	// EventAckEstablished acknowledges the handshake; the receiver creates a session.
	EventAckEstablished int32 = 325
	// EventDisconnect asks the receiver to close the session bound to the sender.
	EventDisconnect int32 = 404
)

// ControlPacket is the decoded form of a 20-byte control datagram.
//
// Wire format:
//   - Opcode:    4 bytes, big-endian
//   - ConnHigh:  4 bytes, little-endian
//   - ConnLow:   4 bytes, little-endian
//   - EventCode: 4 bytes, big-endian
//   - Reserved:  4 bytes, big-endian (ignored)
type ControlPacket struct {
	Opcode    int32
	ConnHigh  int32
	ConnLow   int32
	EventCode int32
	Reserved  uint32
}

// ParseControlPacket decodes the fixed fields of a control packet.
// Bytes beyond ControlPacketSize are ignored.
func ParseControlPacket(data []byte) (ControlPacket, error) {
	if len(data) < ControlPacketSize {
		return ControlPacket{}, fmt.Errorf("%w: got %d bytes, need %d", ErrShortControlPacket, len(data), ControlPacketSize)
	}

	return ControlPacket{
		Opcode:    int32(binary.BigEndian.Uint32(data[0:4])),
		ConnHigh:  int32(binary.LittleEndian.Uint32(data[4:8])),
		ConnLow:   int32(binary.LittleEndian.Uint32(data[8:12])),
		EventCode: int32(binary.BigEndian.Uint32(data[12:16])),
		Reserved:  binary.BigEndian.Uint32(data[16:20]),
	}, nil
}

// ConnectionID derives the connection id (conv) from the two halves.
//
// The halves overlap by one bit and the low half is sign-extended before the
// OR. Peers compute the id the same way, so this must not be "fixed" into a
// plain 32+32 concatenation.
func (p ControlPacket) ConnectionID() int64 {
	id := int64(p.ConnHigh) << 31
	id |= int64(p.ConnLow)
	return id
}

// MarshalBinary encodes the packet into its 20-byte wire form.
func (p ControlPacket) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, ControlPacketSize))
}

// AppendBinary appends the wire form of the packet to b.
func (p ControlPacket) AppendBinary(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint32(b, uint32(p.Opcode))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.ConnHigh))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.ConnLow))
	b = binary.BigEndian.AppendUint32(b, uint32(p.EventCode))
	b = binary.BigEndian.AppendUint32(b, p.Reserved)
	return b, nil
}

// String returns a compact description for logs.
func (p ControlPacket) String() string {
	return fmt.Sprintf("control{op=%d conv=%d event=%d}", p.Opcode, p.ConnectionID(), p.EventCode)
}
