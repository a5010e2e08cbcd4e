package highway

import "errors"

var (
	// ErrShortControlPacket is returned when a control packet has fewer than
	// ControlPacketSize bytes.
	ErrShortControlPacket = errors.New("control packet too short")

	// ErrPoolClosed is returned by Worker.Submit once the pool has been closed.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrAccessDenied is returned when a peer is rejected by the access list.
	ErrAccessDenied = errors.New("peer rejected by access list")

	// ErrSessionLimit is returned when MaxSessions concurrent sessions exist.
	ErrSessionLimit = errors.New("max sessions limit exceeded")

	// ErrHandshakeRate is returned when a handshake rate limit is exceeded.
	ErrHandshakeRate = errors.New("handshake rate limit exceeded")

	// ErrFrameTooLarge is reported when a segment exceeds the receive buffer.
	ErrFrameTooLarge = errors.New("segment larger than receive buffer")
)
