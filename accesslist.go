package highway

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeAllowlist accepts handshakes only from listed peers
	AccessListModeAllowlist
	// AccessListModeDenylist rejects handshakes from listed peers
	AccessListModeDenylist
)

// String returns the mode name used in configuration.
func (m AccessListMode) String() string {
	switch m {
	case AccessListModeDisabled:
		return "disabled"
	case AccessListModeAllowlist:
		return "allowlist"
	case AccessListModeDenylist:
		return "denylist"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// UnmarshalText parses "disabled", "allowlist" or "denylist".
func (m *AccessListMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "disabled", "off":
		*m = AccessListModeDisabled
	case "allowlist", "whitelist":
		*m = AccessListModeAllowlist
	case "denylist", "blacklist":
		*m = AccessListModeDenylist
	default:
		return fmt.Errorf("unknown access list mode %q", text)
	}
	return nil
}

// accessFilter decides which peers may open sessions.
// Only handshakes are filtered; data for existing sessions is never checked.
type accessFilter struct {
	mu       sync.RWMutex
	mode     AccessListMode
	prefixes []netip.Prefix
}

// newAccessFilter builds a filter. Invalid entries are skipped; Config.Validate
// reports them before a gateway is created.
func newAccessFilter(mode AccessListMode, entries []string) *accessFilter {
	prefixes, err := parseAccessList(entries)
	if err != nil {
		log.Warn().Err(err).Msg("access list contains invalid entries")
	}
	return &accessFilter{mode: mode, prefixes: prefixes}
}

// parseAccessList accepts plain IPs and CIDR prefixes.
// It returns every valid prefix together with the first error seen.
func parseAccessList(entries []string) ([]netip.Prefix, error) {
	var (
		prefixes []netip.Prefix
		firstErr error
	)
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("access list entry %q: %w", entry, err)
				}
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(entry)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("access list entry %q: %w", entry, err)
			}
			continue
		}
		ip = ip.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return prefixes, firstErr
}

// Allowed reports whether addr may open a session.
func (af *accessFilter) Allowed(addr net.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.mode == AccessListModeDisabled {
		return true
	}

	ip, ok := addrIP(addr)
	if !ok {
		// Unknown address types only pass a denylist.
		return af.mode == AccessListModeDenylist
	}

	listed := af.containsLocked(ip)
	if af.mode == AccessListModeAllowlist {
		return listed
	}
	return !listed
}

func (af *accessFilter) containsLocked(ip netip.Addr) bool {
	for _, p := range af.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Add appends an IP or CIDR prefix at runtime.
func (af *accessFilter) Add(entry string) error {
	prefixes, err := parseAccessList([]string{entry})
	if err != nil {
		return err
	}
	af.mu.Lock()
	defer af.mu.Unlock()
	af.prefixes = append(af.prefixes, prefixes...)
	return nil
}

// SetMode switches the filtering mode.
func (af *accessFilter) SetMode(mode AccessListMode) {
	af.mu.Lock()
	defer af.mu.Unlock()
	af.mode = mode
}

// addrIP extracts the IP of a UDP (or any host:port) address.
func addrIP(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case nil:
		return netip.Addr{}, false
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
