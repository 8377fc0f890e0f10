package dynamicproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	notifier := NewNotifier("", "", 16, nil, nil)
	l := NewLimiter(time.Hour, notifier, nil, nil)
	t.Cleanup(func() {
		l.Close()
		notifier.Close()
	})
	return l
}

func baseRoute(maxReq, windowSecs, blockDurationSecs int) *RouteEntry {
	return &RouteEntry{
		ID:   "route-1",
		Path: "/api",
		Upstream: UpstreamTarget{
			Host: "backend", Port: 80, Scheme: "http",
		},
		Policy: Policy{
			MaxReq:            maxReq,
			WindowSecs:        windowSecs,
			BlockDurationSecs: blockDurationSecs,
		},
	}
}

func TestEvaluateAcceptsUnderLimit(t *testing.T) {
	l := newTestLimiter(t)
	route := baseRoute(3, 60, 300)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	for i := 0; i < 3; i++ {
		v := l.Evaluate(req, route, "1.2.3.4")
		assert.Equal(t, Accepted, v.Kind, "request %d should be accepted", i)
	}
}

func TestEvaluateSoftRejectsOverLimitWithoutBlockDuration(t *testing.T) {
	l := newTestLimiter(t)
	route := baseRoute(1, 60, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	first := l.Evaluate(req, route, "1.2.3.4")
	require.Equal(t, Accepted, first.Kind)

	second := l.Evaluate(req, route, "1.2.3.4")
	assert.Equal(t, SoftRejected, second.Kind)
	assert.Equal(t, 1, second.Limit)
}

func TestEvaluateBlocksOverLimitWithBlockDuration(t *testing.T) {
	l := newTestLimiter(t)
	route := baseRoute(1, 60, 300)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	first := l.Evaluate(req, route, "5.6.7.8")
	require.Equal(t, Accepted, first.Kind)

	second := l.Evaluate(req, route, "5.6.7.8")
	require.Equal(t, Blocked, second.Kind)
	assert.Equal(t, 300, second.ResetSecs)

	// Still blocked on a subsequent request within the block window:
	// the block is checked before the sliding window is consulted.
	third := l.Evaluate(req, route, "5.6.7.8")
	assert.Equal(t, Blocked, third.Kind)
}

func TestEvaluateIsolatesLimiterKeysByClientIP(t *testing.T) {
	l := newTestLimiter(t)
	route := baseRoute(1, 60, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	a := l.Evaluate(req, route, "1.1.1.1")
	b := l.Evaluate(req, route, "2.2.2.2")
	assert.Equal(t, Accepted, a.Kind)
	assert.Equal(t, Accepted, b.Kind)
}

func TestEvaluateIsolatesLimiterKeysByRoute(t *testing.T) {
	l := newTestLimiter(t)
	routeA := baseRoute(1, 60, 0)
	routeB := baseRoute(1, 60, 0)
	routeB.ID = "route-2"
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	a := l.Evaluate(req, routeA, "9.9.9.9")
	b := l.Evaluate(req, routeB, "9.9.9.9")
	assert.Equal(t, Accepted, a.Kind)
	assert.Equal(t, Accepted, b.Kind)
}

func TestCheckAndRecordPrunesOldTimestamps(t *testing.T) {
	l := newTestLimiter(t)
	key := LimiterKey{RouteID: "r", Dimension: DimBase, ClientIP: "3.3.3.3"}
	rule := DimRule{MaxReq: 1, WindowSecs: 1}

	now := time.Now()
	first := l.checkAndRecord(key, rule, now)
	require.Equal(t, Accepted, first.Kind)

	// Still within the window: rejected.
	second := l.checkAndRecord(key, rule, now.Add(500*time.Millisecond))
	assert.NotEqual(t, Accepted, second.Kind)

	// Past the window: the old timestamp is pruned and this request
	// is admitted again.
	third := l.checkAndRecord(key, rule, now.Add(2*time.Second))
	assert.Equal(t, Accepted, third.Kind)
}

func TestSweepOnceEvictsEmptyUnblockedEntries(t *testing.T) {
	l := newTestLimiter(t)
	key := LimiterKey{RouteID: "r", Dimension: DimBase, ClientIP: "4.4.4.4"}
	rule := DimRule{MaxReq: 1, WindowSecs: 1}
	now := time.Now()
	l.checkAndRecord(key, rule, now)

	l.sweepOnce(now.Add(2 * time.Second))

	sh := l.shardFor(key)
	sh.mu.Lock()
	_, exists := sh.entries[key]
	sh.mu.Unlock()
	assert.False(t, exists, "entry with expired timestamps should be swept")
}

func TestSweepOnceKeepsActiveBlocks(t *testing.T) {
	l := newTestLimiter(t)
	key := LimiterKey{RouteID: "r", Dimension: DimBase, ClientIP: "8.8.8.8"}
	rule := DimRule{MaxReq: 1, WindowSecs: 60, BlockDurationSecs: 300}
	now := time.Now()
	l.checkAndRecord(key, rule, now)
	l.checkAndRecord(key, rule, now) // second request triggers block

	l.sweepOnce(now.Add(1 * time.Second))

	sh := l.shardFor(key)
	sh.mu.Lock()
	_, exists := sh.entries[key]
	sh.mu.Unlock()
	assert.True(t, exists, "an actively blocked entry must survive a sweep")
}

func BenchmarkEvaluateSingleKeyConcurrent(b *testing.B) {
	notifier := NewNotifier("", "", 16, nil, nil)
	l := NewLimiter(time.Hour, notifier, nil, nil)
	defer l.Close()
	defer notifier.Close()

	route := baseRoute(1_000_000, 60, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Evaluate(req, route, "10.0.0.1")
		}
	})
}

func BenchmarkEvaluateManyKeysConcurrent(b *testing.B) {
	notifier := NewNotifier("", "", 16, nil, nil)
	l := NewLimiter(time.Hour, notifier, nil, nil)
	defer l.Close()
	defer notifier.Close()

	route := baseRoute(1_000_000, 60, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	var counter int64
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			counter++
			ip := "10.0.0." + string(rune('0'+counter%10))
			l.Evaluate(req, route, ip)
		}
	})
}
