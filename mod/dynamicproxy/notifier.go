package dynamicproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidcorp-team/pingwall/mod/pwlog"
	"github.com/sidcorp-team/pingwall/mod/pwmetrics"
)

/*
	notifier.go

	Best-effort webhook dispatch for hard-block transitions. A
	bounded FIFO with non-blocking enqueue, a single background
	worker, no retry, and a short dedup window collapsing repeated
	notices for the same (ip, domain, path) triple.
*/

const notifierDedupWindow = 1 * time.Second
const notifierDedupSweepInterval = 30 * time.Second

type wirePayload struct {
	Message      string `json:"message"`
	IP           string `json:"ip"`
	LockDuration int    `json:"lock_duration"`
	Domain       string `json:"domain"`
	Path         string `json:"path"`
	RequestURL   string `json:"request_url"`
	UserAgent    string `json:"user_agent"`
	CurrentCount int    `json:"current_count"`
	MaxRequests  int    `json:"max_requests"`
	Timestamp    string `json:"timestamp"`
}

// Notifier dispatches BlockNotices to a configured webhook URL.
type Notifier struct {
	blockURL string
	apiKey   string
	client   *http.Client
	logger   *pwlog.Logger
	metrics  *pwmetrics.Sink

	queue chan BlockNotice
	stop  chan struct{}
	done  chan struct{}

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

func NewNotifier(blockURL, apiKey string, queueCapacity int, metrics *pwmetrics.Sink, logger *pwlog.Logger) *Notifier {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	n := &Notifier{
		blockURL: blockURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan BlockNotice, queueCapacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dedup:    make(map[string]time.Time),
	}
	go n.run()
	return n
}

// Enqueue is non-blocking: a full queue or a within-window duplicate
// drops the notice and increments a counter, never blocking the
// request path.
func (n *Notifier) Enqueue(notice BlockNotice) {
	if n.blockURL == "" {
		return
	}
	if notice.ID == "" {
		notice.ID = uuid.New().String()
	}

	dedupKey := notice.IP + "|" + notice.Domain + "|" + notice.Path
	now := time.Now()
	n.dedupMu.Lock()
	if last, ok := n.dedup[dedupKey]; ok && now.Sub(last) < notifierDedupWindow {
		n.dedupMu.Unlock()
		if n.metrics != nil {
			n.metrics.IncNotifierDropped()
		}
		return
	}
	n.dedup[dedupKey] = now
	n.dedupMu.Unlock()

	select {
	case n.queue <- notice:
		if n.metrics != nil {
			n.metrics.SetNotifierQueueDepth(len(n.queue))
		}
	default:
		if n.metrics != nil {
			n.metrics.IncNotifierDropped()
		}
		if n.logger != nil {
			n.logger.Warnf("notifier", "queue full, dropping BlockNotice for %s", notice.IP)
		}
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	ticker := time.NewTicker(notifierDedupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case notice := <-n.queue:
			n.dispatch(notice)
		case <-ticker.C:
			n.pruneDedup(time.Now())
		}
	}
}

// pruneDedup drops dedup entries whose window has already elapsed, so
// the map stays bounded by recent-notice fan-in rather than growing
// with every distinct (ip, domain, path) triple ever seen.
func (n *Notifier) pruneDedup(now time.Time) {
	n.dedupMu.Lock()
	defer n.dedupMu.Unlock()
	for key, last := range n.dedup {
		if now.Sub(last) >= notifierDedupWindow {
			delete(n.dedup, key)
		}
	}
}

func (n *Notifier) dispatch(notice BlockNotice) {
	message := fmt.Sprintf("Rate limit exceeded on domain '%s', path '%s', IP blocked (count: %d/%d)",
		notice.Domain, notice.Path, notice.CurrentCount, notice.MaxRequests)

	payload := wirePayload{
		Message:      message,
		IP:           notice.IP,
		LockDuration: notice.BlockDurationSecs,
		Domain:       notice.Domain,
		Path:         notice.Path,
		RequestURL:   notice.RequestURL,
		UserAgent:    notice.UserAgent,
		CurrentCount: notice.CurrentCount,
		MaxRequests:  notice.MaxRequests,
		Timestamp:    notice.TimestampUTC.UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		if n.logger != nil {
			n.logger.PrintAndLog("notifier", "failed to marshal BlockNotice", err)
		}
		return
	}

	req, err := http.NewRequest(http.MethodPost, n.blockURL, bytes.NewReader(body))
	if err != nil {
		if n.logger != nil {
			n.logger.PrintAndLog("notifier", "failed to build webhook request", err)
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		if n.logger != nil {
			n.logger.PrintAndLog("notifier", "webhook request failed", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if n.logger != nil {
			n.logger.Warnf("notifier", "webhook returned status %d for IP %s", resp.StatusCode, notice.IP)
		}
	}
}

func (n *Notifier) Close() {
	close(n.stop)
	<-n.done
}
