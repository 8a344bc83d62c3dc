// Package httputil holds request helpers shared by the API and the status
// stream: client address resolution and request ids.
package httputil

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the address used for per-client stream limits and request
// logs. Proxy headers are honoured only with trustProxy; entries that do not
// parse as an IP are skipped so a client cannot pick an arbitrary limiter key.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip, ok := firstIP(r.Header.Get("X-Forwarded-For")); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	if ip, ok := parseIP(r.RemoteAddr); ok {
		return ip
	}
	return r.RemoteAddr
}

// firstIP returns the leftmost valid entry of a forwarded-for list.
func firstIP(list string) (string, bool) {
	for _, entry := range strings.Split(list, ",") {
		if ip, ok := parseIP(entry); ok {
			return ip, true
		}
	}
	return "", false
}

// parseIP accepts a bare address or host:port.
func parseIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
