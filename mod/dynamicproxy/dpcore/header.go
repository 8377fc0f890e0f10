package dpcore

import (
	"net"
	"net/http"
	"strings"
)

/*
	header.go

	Header rewrite and removal rules applied to both the outbound
	request and the inbound response.
*/

// hopHeaders lists headers that must not be forwarded to the backend.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
}

// removeHeaders strips hop-by-hop headers named in Connection plus the
// fixed hopHeaders list, and applies the no-store override.
func removeHeaders(header http.Header, noCache bool) {
	if c := header.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				header.Del(f)
			}
		}
	}

	for _, h := range hopHeaders {
		if header.Get(h) != "" {
			header.Del(h)
		}
	}

	if noCache {
		header.Del("Cache-Control")
		header.Set("Cache-Control", "no-store")
	}
}

// addXForwardedForHeader appends the client's socket address to
// X-Forwarded-For and sets X-Forwarded-Proto / X-Real-Ip.
func addXForwardedForHeader(req *http.Request) {
	clientIP, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return
	}

	if prior, ok := req.Header["X-Forwarded-For"]; ok {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	req.Header.Set("X-Forwarded-For", clientIP)
	if req.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}

	if req.Header.Get("X-Real-Ip") == "" {
		if cf := req.Header.Get("CF-Connecting-IP"); cf != "" {
			req.Header.Set("X-Real-Ip", cf)
		} else {
			ips := strings.Split(clientIP, ",")
			if len(ips) > 0 {
				req.Header.Set("X-Real-Ip", strings.TrimSpace(ips[0]))
			}
		}
	}
}
