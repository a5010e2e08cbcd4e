package highway

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"
)

// listenPacket binds a UDP socket with the socket options from cfg.
func listenPacket(ctx context.Context, cfg *Config) (net.PacketConn, error) {
	lc := net.ListenConfig{}
	if cfg.ReusePort {
		lc.Control = reusePortControl
	}

	pc, err := lc.ListenPacket(ctx, "udp", cfg.ListenAddress)
	if err != nil {
		return nil, err
	}

	udp, ok := pc.(*net.UDPConn)
	if !ok {
		return pc, nil
	}
	// Kernel buffer sizes are best effort; the OS may clamp them.
	if cfg.SocketReadBuffer > 0 {
		if err := udp.SetReadBuffer(cfg.SocketReadBuffer); err != nil {
			log.Warn().Err(err).Int("size", cfg.SocketReadBuffer).Msg("failed to set socket read buffer")
		}
	}
	if cfg.SocketWriteBuffer > 0 {
		if err := udp.SetWriteBuffer(cfg.SocketWriteBuffer); err != nil {
			log.Warn().Err(err).Int("size", cfg.SocketWriteBuffer).Msg("failed to set socket write buffer")
		}
	}
	return pc, nil
}
