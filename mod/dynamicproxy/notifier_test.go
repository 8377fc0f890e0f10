package dynamicproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierDispatchesToWebhook(t *testing.T) {
	var received atomic.Int32
	var gotBody wirePayload
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "secret-key", 16, nil, nil)
	defer n.Close()

	n.Enqueue(BlockNotice{
		IP:                "1.2.3.4",
		Domain:            "app.example.com",
		Path:              "/api",
		CurrentCount:      10,
		MaxRequests:       5,
		BlockDurationSecs: 300,
		TimestampUTC:      time.Now(),
	})

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "1.2.3.4", gotBody.IP)
	assert.Equal(t, 10, gotBody.CurrentCount)
}

func TestNotifierEnqueueNoOpWithoutBlockURL(t *testing.T) {
	n := NewNotifier("", "", 16, nil, nil)
	defer n.Close()

	// Should not panic or block; there is nowhere to send this.
	n.Enqueue(BlockNotice{IP: "1.2.3.4"})
}

func TestNotifierDedupsWithinWindow(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", 16, nil, nil)
	defer n.Close()

	notice := BlockNotice{IP: "9.9.9.9", Domain: "d", Path: "/p", TimestampUTC: time.Now()}
	n.Enqueue(notice)
	n.Enqueue(notice) // within the dedup window, should be dropped

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, received.Load())
}

func TestNotifierPruneDedupEvictsStaleEntries(t *testing.T) {
	n := NewNotifier("", "", 16, nil, nil)
	defer n.Close()

	now := time.Now()
	n.dedupMu.Lock()
	n.dedup["stale"] = now.Add(-2 * notifierDedupWindow)
	n.dedup["fresh"] = now
	n.dedupMu.Unlock()

	n.pruneDedup(now)

	n.dedupMu.Lock()
	defer n.dedupMu.Unlock()
	assert.NotContains(t, n.dedup, "stale")
	assert.Contains(t, n.dedup, "fresh")
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	// Queue capacity 1 and no worker running, so the second distinct
	// notice observes a full queue.
	n := &Notifier{
		blockURL: "http://127.0.0.1:1", // connection refused, slow-ish
		client:   &http.Client{Timeout: 5 * time.Second},
		queue:    make(chan BlockNotice, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dedup:    make(map[string]time.Time),
	}
	// Fill the queue directly without starting the worker so it can't drain.
	n.queue <- BlockNotice{IP: "a", Domain: "d", Path: "/x"}

	n.Enqueue(BlockNotice{IP: "b", Domain: "d", Path: "/y"})
	assert.Len(t, n.queue, 1, "second notice should have been dropped, queue stays at capacity")
}
