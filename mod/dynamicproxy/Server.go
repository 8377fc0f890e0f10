package dynamicproxy

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sidcorp-team/pingwall/mod/dynamicproxy/dpcore"
	"github.com/sidcorp-team/pingwall/mod/netutils"
)

var hostCaser = cases.Lower(language.Und)

/*
	Server.go

	ProxyHandler.ServeHTTP orchestrates one request end to end:

	1. Extract DomainKey from the Host header and the listener's port.
	2. Resolve a RouteEntry (404 if none, including the placeholder
	   global default with no upstream).
	3. Extract the client IP.
	4. Evaluate the limiter. Reject verdicts short-circuit with 429;
	   a Blocked verdict also enqueues a BlockNotice.
	5. On accept, rewrite the request for the matched upstream and
	   forward it. Upstream failures produce a bare 502.
*/

// ProxyHandler is the http.Handler bound to one listener.
type ProxyHandler struct {
	Parent       *Router
	ListenerAddr string
	ListenerTLS  bool
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	domainKey := h.extractDomainKey(r)

	route := h.Parent.routes.Resolve(domainKey, r.URL.Path)
	if !route.HasUpstream() {
		http.NotFound(w, r)
		if h.Parent.Option.Metrics != nil {
			h.Parent.Option.Metrics.ObserveRequest("none", "not_found")
		}
		return
	}

	clientIP := netutils.ExtractClientIP(r, h.Parent.Option.UseCloudflare)

	verdict := h.Parent.limiter.Evaluate(r, route, clientIP)
	if verdict.Kind != Accepted {
		h.writeRejection(w, r, route, clientIP, verdict)
		return
	}

	h.forward(w, r, route)
}

// extractDomainKey lowercases the request Host header (stripping any
// port the client happened to send) and appends the port this
// listener is actually bound on, matching the DomainKey the
// configuration loader produced for each route.
func (h *ProxyHandler) extractDomainKey(r *http.Request) string {
	host := r.Host
	if stripped, _, err := net.SplitHostPort(host); err == nil {
		host = stripped
	}
	host = hostCaser.String(host)

	_, port, err := net.SplitHostPort(h.ListenerAddr)
	if err != nil || port == "" {
		if h.ListenerTLS {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host + ":" + port
}

func (h *ProxyHandler) writeRejection(w http.ResponseWriter, r *http.Request, route *RouteEntry, clientIP string, verdict Verdict) {
	w.Header().Set("X-Rate-Limit-Limit", strconv.Itoa(verdict.Limit))
	w.Header().Set("X-Rate-Limit-Remaining", "0")
	verdictLabel := "soft_rejected"
	if verdict.Kind == Blocked {
		w.Header().Set("X-Rate-Limit-Reset", strconv.Itoa(verdict.ResetSecs))
		verdictLabel = "blocked"
	}
	w.Header().Set("X-Rate-Limit-Path", verdict.MatchedPath)
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(verdict.WindowSecs))
	w.Header().Set("Retry-After", strconv.Itoa(verdict.RetryAfter))
	w.WriteHeader(http.StatusTooManyRequests)

	if h.Parent.Option.Metrics != nil {
		h.Parent.Option.Metrics.ObserveRequest(route.ID, verdictLabel)
	}

	if verdict.Kind != Blocked {
		return
	}

	domain := ""
	if route.Domain != nil {
		domain = *route.Domain
	}
	h.Parent.notifier.Enqueue(BlockNotice{
		IP:                clientIP,
		Domain:            domain,
		Path:              verdict.MatchedPath,
		RequestURL:        r.Host + r.URL.RequestURI(),
		UserAgent:         r.UserAgent(),
		CurrentCount:      verdict.Count,
		MaxRequests:       verdict.Limit,
		BlockDurationSecs: verdict.ResetSecs,
		TimestampUTC:      time.Now(),
	})
}

func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, route *RouteEntry) {
	core := h.Parent.proxyCores[route.ID]
	if core == nil {
		http.NotFound(w, r)
		return
	}

	// Work on a copy so the caller's request is left unmodified.
	r = r.Clone(r.Context())
	originalHost := r.Host
	r.URL.Path = rewriteUpstreamPath(route, r.URL.Path)
	r.Header.Set("X-Forwarded-Host", originalHost)

	if route.Policy.FollowDomain && route.Domain != nil {
		r.Host = *route.Domain
	}

	if route.Policy.TimeoutSecs > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(route.Policy.TimeoutSecs)*time.Second)
		defer cancel()
		r = r.WithContext(ctx)
	}

	err := core.ServeHTTP(w, r, &dpcore.ResponseRewriteRuleSet{
		ProxyDomain:  route.Upstream.Host,
		OriginalHost: originalHost,
		UseTLS:       route.Upstream.Scheme == "https",
	})
	if err != nil {
		http.Error(w, "", http.StatusBadGateway)
		if h.Parent.Option.Metrics != nil {
			h.Parent.Option.Metrics.ObserveRequest(route.ID, "bad_gateway")
		}
		return
	}

	if h.Parent.Option.Metrics != nil {
		h.Parent.Option.Metrics.ObserveRequest(route.ID, "accepted")
	}
}

// rewriteUpstreamPath implements the forwarded-path invariant: the
// matched route prefix is stripped, then either replaced by
// upstream.base_path or, if base_path is empty, re-prefixed with "/"
// so the forwarded path is never left without a leading slash. The
// segment-aligned match invariant guarantees trimmed is either empty
// or already starts with "/", so an exact-prefix request against a
// route with a base_path forwards as base_path with no trailing
// slash rather than base_path + "/".
func rewriteUpstreamPath(route *RouteEntry, requestPath string) string {
	trimmed := strings.TrimPrefix(requestPath, route.Path)
	if route.Upstream.BasePath == "" {
		if trimmed == "" || trimmed[0] != '/' {
			trimmed = "/" + trimmed
		}
		return trimmed
	}
	return route.Upstream.BasePath + trimmed
}
