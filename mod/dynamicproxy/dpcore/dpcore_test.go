package dpcore_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidcorp-team/pingwall/mod/dynamicproxy/dpcore"
)

func TestServeHTTPForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/backend/thing", r.URL.Path)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	assert.NoError(t, err)

	proxy := dpcore.NewDynamicProxyCore(target, &dpcore.DpcoreOptions{})

	req := httptest.NewRequest(http.MethodGet, "http://frontend.example.com/backend/thing", nil)
	rec := httptest.NewRecorder()

	err = proxy.ServeHTTP(rec, req, &dpcore.ResponseRewriteRuleSet{
		ProxyDomain:  target.Host,
		OriginalHost: "frontend.example.com",
		UseTLS:       false,
	})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServeHTTPStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	assert.NoError(t, err)

	proxy := dpcore.NewDynamicProxyCore(target, &dpcore.DpcoreOptions{})

	req := httptest.NewRequest(http.MethodGet, "http://frontend.example.com/x", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	rec := httptest.NewRecorder()

	err = proxy.ServeHTTP(rec, req, &dpcore.ResponseRewriteRuleSet{
		ProxyDomain:  target.Host,
		OriginalHost: "frontend.example.com",
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServeHTTPReturnsErrorOnUpstreamRefused(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1")
	assert.NoError(t, err)

	proxy := dpcore.NewDynamicProxyCore(target, &dpcore.DpcoreOptions{})

	req := httptest.NewRequest(http.MethodGet, "http://frontend.example.com/x", nil)
	rec := httptest.NewRecorder()

	err = proxy.ServeHTTP(rec, req, &dpcore.ResponseRewriteRuleSet{
		ProxyDomain:  target.Host,
		OriginalHost: "frontend.example.com",
	})
	assert.Error(t, err)
}
