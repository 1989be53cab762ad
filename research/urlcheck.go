package research

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Pre-compiled CIDR networks for private/reserved IP ranges.
var (
	cgnat    *net.IPNet // 100.64.0.0/10 - Carrier-grade NAT
	v6unique *net.IPNet // fc00::/7 - IPv6 unique local
	v6link   *net.IPNet // fe80::/10 - IPv6 link-local
)

func init() {
	var err error

	_, cgnat, err = net.ParseCIDR("100.64.0.0/10")
	if err != nil {
		panic("invalid CGNAT CIDR: " + err.Error())
	}

	_, v6unique, err = net.ParseCIDR("fc00::/7")
	if err != nil {
		panic("invalid IPv6 unique local CIDR: " + err.Error())
	}

	_, v6link, err = net.ParseCIDR("fe80::/10")
	if err != nil {
		panic("invalid IPv6 link-local CIDR: " + err.Error())
	}
}

// ValidateURL validates a research source URL for security (SSRF
// prevention). It requires HTTPS and blocks localhost, private IPs, and
// local domains.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Require HTTPS
	if parsed.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}

	host := parsed.Hostname()

	// Block localhost variants
	lowHost := strings.ToLower(host)
	if lowHost == "localhost" || lowHost == "127.0.0.1" || lowHost == "::1" {
		return fmt.Errorf("localhost URLs are not allowed")
	}

	// Block local domains
	if strings.HasSuffix(lowHost, ".local") || strings.HasSuffix(lowHost, ".internal") {
		return fmt.Errorf("local domain URLs are not allowed")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("private IP addresses are not allowed")
		}
	}

	return nil
}

// isPrivateIP checks if an IP is in private/reserved ranges. It handles
// IPv4, IPv6, and IPv6-mapped IPv4 addresses.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		ip = v4
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}

	if cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip) {
		return true
	}

	return false
}
