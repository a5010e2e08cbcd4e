package highway

import (
	"net"

	"github.com/rs/zerolog/log"
)

// handshakeAction is what a control packet asks the gateway to do.
type handshakeAction int

const (
	actionNone handshakeAction = iota
	actionEstablish
	actionDisconnect
	actionMalformed
)

// handshakeOutcome keeps "parse failed" apart from "id is zero" until the
// dispatcher boundary.
type handshakeOutcome struct {
	action handshakeAction
	connID int64
}

// Interpret decodes a control packet from addr and returns the connection id
// to establish, or 0 when there is nothing to establish. A disconnect closes
// the session bound to from as a side effect. Malformed packets never fail.
func (g *Gateway) Interpret(payload []byte, from net.Addr) int64 {
	out := g.interpret(payload, from)
	if out.action != actionEstablish {
		return 0
	}
	return out.connID
}

func (g *Gateway) interpret(payload []byte, from net.Addr) handshakeOutcome {
	pkt, err := ParseControlPacket(payload)
	if err != nil {
		g.metrics.handshake(eventMalformed)
		log.Debug().Err(err).Str("remote", addrKey(from)).Msg("malformed control packet ignored")
		return handshakeOutcome{action: actionMalformed}
	}

	// The opcode is part of the wire format but carries no decision.
	switch pkt.EventCode {
	case EventAckEstablished:
		g.metrics.handshake(eventAck)
		return handshakeOutcome{action: actionEstablish, connID: pkt.ConnectionID()}

	case EventDisconnect:
		g.metrics.handshake(eventDisconnect)
		g.disconnect(from)
		return handshakeOutcome{action: actionDisconnect}

	default:
		g.metrics.handshake(eventUnknown)
		log.Debug().
			Int32("event", pkt.EventCode).
			Int32("opcode", pkt.Opcode).
			Str("remote", addrKey(from)).
			Msg("control packet with unknown event ignored")
		return handshakeOutcome{action: actionNone}
	}
}

// disconnect requests the close of the session bound to from, if any.
// It does not wait for the close to happen.
func (g *Gateway) disconnect(from net.Addr) {
	s, ok := g.registry.Lookup(from)
	if !ok {
		log.Debug().Str("remote", addrKey(from)).Msg("disconnect for unknown peer ignored")
		return
	}
	log.Debug().
		Int64("conv", s.ConnectionID()).
		Str("remote", addrKey(from)).
		Msg("disconnect requested by peer")
	g.submitClose(s)
}
