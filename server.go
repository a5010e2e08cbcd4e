package highway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// Server owns a UDP socket and feeds every datagram it reads to a Gateway.
// The gateway writes through the same socket.
type Server struct {
	config   *Config
	listener Listener
	opts     []Option

	mu      sync.Mutex
	conn    net.PacketConn
	gateway *Gateway
}

// NewServer creates a server. A nil config means DefaultConfig().
// Options are passed to the Gateway created by Serve.
func NewServer(config *Config, listener Listener, opts ...Option) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, fmt.Errorf("listener cannot be nil")
	}
	return &Server{config: config, listener: listener, opts: opts}, nil
}

// ListenAndServe binds Config.ListenAddress and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	pc, err := listenPacket(ctx, s.config)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, pc)
}

// Serve reads datagrams from pc until ctx is cancelled or pc is closed.
// It takes ownership of pc and closes it, and the gateway, before returning.
// A cancelled context is a clean shutdown and returns nil.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	gw, err := NewGateway(s.config, s.listener, pc, s.opts...)
	if err != nil {
		pc.Close()
		return err
	}

	s.mu.Lock()
	s.conn = pc
	s.gateway = gw
	s.mu.Unlock()

	defer gw.Close()
	defer pc.Close()

	// Unblocks ReadFrom on cancellation.
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	local := pc.LocalAddr()
	log.Info().
		Str("addr", local.String()).
		Int("workers", s.config.Workers).
		Msg("gateway listening")

	buf := make([]byte, s.config.DatagramBufferSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Info().Str("addr", local.String()).Msg("gateway stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read datagram: %w", err)
		}

		// The read buffer is reused; the gateway owns what it is given.
		payload := make([]byte, n)
		copy(payload, buf[:n])
		gw.HandleDatagram(payload, from, local)
	}
}

// Addr returns the bound address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Gateway returns the gateway created by Serve, or nil before Serve has started.
func (s *Server) Gateway() *Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateway
}
