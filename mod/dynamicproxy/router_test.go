package dynamicproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustDomain(s string) *string { return &s }

func routeFor(domain *string, path, upstreamHost string) RouteEntry {
	return RouteEntry{
		ID:     routeKeyFor(domain, path),
		Domain: domain,
		Path:   path,
		Upstream: UpstreamTarget{
			Host:   upstreamHost,
			Port:   80,
			Scheme: "http",
		},
	}
}

func routeKeyFor(domain *string, path string) string {
	if domain == nil {
		return "pathonly:" + path
	}
	return *domain + ":" + path
}

func TestResolveDomainSpecificPathWinsOverPathOnly(t *testing.T) {
	domain := mustDomain("app.example.com:443")
	routes := []RouteEntry{
		routeFor(domain, "/api", "domain-api"),
		routeFor(nil, "/api", "global-api"),
	}
	idx := NewRouteIndex(routes, nil)

	got := idx.Resolve("app.example.com:443", "/api/v1/users")
	assert.Equal(t, "domain-api", got.Upstream.Host)
}

func TestResolvePathOnlyBeatsDomainRoot(t *testing.T) {
	domain := mustDomain("app.example.com:443")
	routes := []RouteEntry{
		routeFor(domain, "/", "domain-root"),
		routeFor(nil, "/health", "global-health"),
	}
	idx := NewRouteIndex(routes, nil)

	got := idx.Resolve("app.example.com:443", "/health")
	assert.Equal(t, "global-health", got.Upstream.Host)
}

func TestResolveFallsBackToDomainRoot(t *testing.T) {
	domain := mustDomain("app.example.com:443")
	routes := []RouteEntry{
		routeFor(domain, "/", "domain-root"),
		routeFor(nil, "/health", "global-health"),
	}
	idx := NewRouteIndex(routes, nil)

	got := idx.Resolve("app.example.com:443", "/dashboard")
	assert.Equal(t, "domain-root", got.Upstream.Host)
}

func TestResolveFallsBackToGlobalDefault(t *testing.T) {
	def := &RouteEntry{ID: "global-default", Path: "/"}
	idx := NewRouteIndex(nil, def)

	got := idx.Resolve("nowhere.example.com:80", "/anything")
	assert.Same(t, def, got)
	assert.False(t, got.HasUpstream())
}

func TestResolveLongestSegmentPrefixWins(t *testing.T) {
	domain := mustDomain("app.example.com:443")
	routes := []RouteEntry{
		routeFor(domain, "/api", "shallow"),
		routeFor(domain, "/api/v2", "deep"),
	}
	idx := NewRouteIndex(routes, nil)

	got := idx.Resolve("app.example.com:443", "/api/v2/users")
	assert.Equal(t, "deep", got.Upstream.Host)

	got = idx.Resolve("app.example.com:443", "/api/v1/users")
	assert.Equal(t, "shallow", got.Upstream.Host)
}

func TestResolveIsSegmentBoundaryAware(t *testing.T) {
	domain := mustDomain("app.example.com:443")
	routes := []RouteEntry{
		routeFor(domain, "/api", "api-upstream"),
	}
	idx := NewRouteIndex(routes, nil)

	// "/apiextra" must not match the "/api" route: '/apiextra' does
	// not have '/' immediately after the "/api" prefix.
	got := idx.Resolve("app.example.com:443", "/apiextra")
	assert.False(t, got.HasUpstream())
}

func TestResolveExactPathMatch(t *testing.T) {
	domain := mustDomain("app.example.com:443")
	routes := []RouteEntry{
		routeFor(domain, "/api", "api-upstream"),
	}
	idx := NewRouteIndex(routes, nil)

	got := idx.Resolve("app.example.com:443", "/api")
	assert.Equal(t, "api-upstream", got.Upstream.Host)
}

func TestResolveDomainKeyLookupIsCaseInsensitive(t *testing.T) {
	domain := mustDomain("app.example.com:443")
	routes := []RouteEntry{
		routeFor(domain, "/api", "api-upstream"),
	}
	idx := NewRouteIndex(routes, nil)

	got := idx.Resolve("APP.EXAMPLE.COM:443", "/api")
	assert.Equal(t, "api-upstream", got.Upstream.Host)
}

func TestResolvePathOnlyRootIsUniversalCatchAll(t *testing.T) {
	routes := []RouteEntry{
		routeFor(nil, "/", "catch-all"),
	}
	idx := NewRouteIndex(routes, nil)

	got := idx.Resolve("anything.example.com:80", "/some/deep/path")
	assert.Equal(t, "catch-all", got.Upstream.Host)
}

func TestHasUpstreamNilSafe(t *testing.T) {
	var r *RouteEntry
	assert.False(t, r.HasUpstream())
}
