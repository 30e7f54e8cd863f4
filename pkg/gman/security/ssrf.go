// Package security holds the guards applied to user-supplied input before
// the pipeline touches the network or the filesystem: an SSRF guard for
// media locators and a per-tool argument policy.
package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// alwaysBlockedHosts are rejected whatever the configuration says.
var alwaysBlockedHosts = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
}

// SSRFConfig configures which hosts a media locator may point at.
type SSRFConfig struct {
	// Enabled turns the guard on. Disabled guards allow everything.
	Enabled bool `yaml:"enabled"`

	// AllowPrivate allows RFC 1918 and unique-local destinations.
	AllowPrivate bool `yaml:"allow_private"`

	// AllowedHosts restricts fetches to these hosts when non-empty.
	AllowedHosts []string `yaml:"allowed_hosts"`

	// BlockedHosts are always rejected.
	BlockedHosts []string `yaml:"blocked_hosts"`
}

// SSRFGuard rejects locators that resolve to internal addresses.
type SSRFGuard struct {
	cfg    SSRFConfig
	logger *slog.Logger

	// lookup is swapped in tests.
	lookup func(host string) ([]string, error)
}

// NewSSRFGuard creates a guard from config.
func NewSSRFGuard(cfg SSRFConfig, logger *slog.Logger) *SSRFGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSRFGuard{
		cfg:    cfg,
		logger: logger.With("component", "ssrf_guard"),
		lookup: net.LookupHost,
	}
}

// IsAllowed returns an error when rawURL must not be fetched. Host names
// are resolved for an early answer; the dialed address is checked again by
// Control, which is what stops a name that rebinds between the two.
func (g *SSRFGuard) IsAllowed(rawURL string) error {
	if !g.cfg.Enabled {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		g.logger.Warn("SSRF blocked: scheme", "url", rawURL, "scheme", u.Scheme)
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if err := strictIPv4(host); err != nil {
		g.logger.Warn("SSRF blocked: ambiguous IPv4 literal", "url", rawURL)
		return err
	}

	for _, h := range alwaysBlockedHosts {
		if host == h {
			g.logger.Warn("SSRF blocked: reserved host", "url", rawURL)
			return fmt.Errorf("host %s is not allowed", host)
		}
	}
	for _, h := range g.cfg.BlockedHosts {
		if strings.EqualFold(host, h) {
			g.logger.Warn("SSRF blocked: host in blocklist", "url", rawURL)
			return fmt.Errorf("host %s is blocked", host)
		}
	}
	if len(g.cfg.AllowedHosts) > 0 && !containsFold(g.cfg.AllowedHosts, host) {
		g.logger.Warn("SSRF blocked: host not in allowlist", "url", rawURL)
		return fmt.Errorf("host %s is not in the allowed list", host)
	}

	addrs, err := g.lookup(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %s: %w", host, err)
	}
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("unrecognised address %q for host %s", a, host)
		}
		if err := g.checkAddr(ip); err != nil {
			g.logger.Warn("SSRF blocked: address", "url", rawURL, "ip", a, "reason", err)
			return err
		}
	}
	return nil
}

// Control is a net.Dialer Control hook. It rejects connections to blocked
// addresses after resolution, immediately before connect.
func (g *SSRFGuard) Control(network, address string, _ syscall.RawConn) error {
	if !g.cfg.Enabled {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid dial address %q: %w", address, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial address %q is not an IP", address)
	}
	if err := g.checkAddr(ip); err != nil {
		g.logger.Warn("SSRF blocked: dial", "network", network, "address", address, "reason", err)
		return err
	}
	return nil
}

func (g *SSRFGuard) checkAddr(ip netip.Addr) error {
	ip = ip.Unmap()
	if v4, ok := embeddedIPv4(ip); ok {
		if err := g.checkAddr(v4); err != nil {
			return fmt.Errorf("%s embeds a blocked address: %w", ip, err)
		}
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s is not allowed", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s is not allowed", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s is not allowed", ip)
	case ip.IsPrivate() && !g.cfg.AllowPrivate:
		return fmt.Errorf("private address %s is not allowed", ip)
	}
	return nil
}

// embeddedIPv4 extracts the IPv4 address carried by NAT64 and 6to4
// IPv6 addresses.
func embeddedIPv4(ip netip.Addr) (netip.Addr, bool) {
	if !ip.Is6() {
		return netip.Addr{}, false
	}
	b := ip.As16()
	switch {
	case netip.MustParsePrefix("64:ff9b::/96").Contains(ip):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case b[0] == 0x20 && b[1] == 0x02:
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	}
	return netip.Addr{}, false
}

// strictIPv4 rejects octal, hex, short and packed IPv4 spellings, which
// resolvers disagree on.
func strictIPv4(host string) error {
	if isHexIPv4(host) {
		return fmt.Errorf("hex IPv4 notation is not allowed")
	}
	for _, c := range host {
		if (c < '0' || c > '9') && c != '.' {
			return nil
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return fmt.Errorf("IPv4 address %q must use four dotted-decimal octets", host)
	}
	for _, p := range parts {
		if p == "" || (len(p) > 1 && p[0] == '0') {
			return fmt.Errorf("IPv4 address %q must use plain decimal octets", host)
		}
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("invalid IPv4 address %q", host)
	}
	return nil
}

// isHexIPv4 reports whether host is an IPv4 spelling with at least one
// hex label, such as 0x7f.0.0.1 or 0x7f000001. Every label must be numeric
// or 0x-prefixed hex.
func isHexIPv4(host string) bool {
	hex := false
	for _, label := range strings.Split(host, ".") {
		if rest, ok := strings.CutPrefix(label, "0x"); ok {
			if !isDigits(rest, true) {
				return false
			}
			hex = true
			continue
		}
		if !isDigits(label, false) {
			return false
		}
	}
	return hex
}

func isDigits(s string, hex bool) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case hex && (c >= 'a' && c <= 'f'):
		default:
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
