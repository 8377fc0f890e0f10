package netutils

import (
	"net"
	"net/http"
	"strings"
)

/*
	ipmatch.go

	Client IP resolution. The policy here is deliberately narrow: try
	the Cloudflare header when configured, fall back to the leftmost
	parseable X-Forwarded-For hop, and finally the socket peer. Never
	fails.
*/

// ExtractClientIP resolves the "true" client IP for a request under
// the given use_cloudflare policy. First match wins; a value that
// fails to parse as an IP literal is skipped.
func ExtractClientIP(r *http.Request, useCloudflare bool) string {
	if useCloudflare {
		if cfip := r.Header.Get("CF-Connecting-IP"); cfip != "" && net.ParseIP(cfip) != nil {
			return cfip
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			candidate := strings.TrimSpace(hop)
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}

	return stripPort(r.RemoteAddr)
}

// stripPort trims the port number (and IPv6 brackets) off a socket
// peer address, falling back to the raw string if it doesn't parse.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}
