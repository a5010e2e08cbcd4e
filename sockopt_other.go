//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package highway

import (
	"syscall"

	"github.com/rs/zerolog/log"
)

func reusePortControl(network, address string, c syscall.RawConn) error {
	log.Warn().Str("address", address).Msg("SO_REUSEPORT not supported on this platform, ignoring")
	return nil
}
