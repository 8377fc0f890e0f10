package dynamicproxy

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/sidcorp-team/pingwall/mod/pwlog"
	"github.com/sidcorp-team/pingwall/mod/pwmetrics"
)

/*
	ratelimit.go

	The sliding-window limiter: a single concurrent map keyed by
	LimiterKey, sharded to avoid one global mutex, with per-entry
	locking so no shard lock is ever held across a suspension point.
*/

const numShards = 64

type counterWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	window     time.Duration // window of the last rule evaluated, used by the sweep to prune
	blockUntil time.Time     // zero value means unset
}

type shard struct {
	mu      sync.Mutex
	entries map[LimiterKey]*counterWindow
}

// Limiter owns the sharded LimiterKey map and the background sweep
// that evicts empty, unblocked entries.
type Limiter struct {
	shards [numShards]*shard

	// blocked mirrors which keys currently hold an active block, as a
	// self-expiring cache. Nothing in this package reads it: admission
	// and the sweep both use counterWindow.blockUntil under the entry's
	// own lock, and the entries gauge is counted by scanning the shards.
	blocked *ttlcache.Cache[LimiterKey, struct{}]

	notifier      *Notifier
	metrics       *pwmetrics.Sink
	logger        *pwlog.Logger
	sweepInterval time.Duration
	stop          chan struct{}
}

func NewLimiter(sweepInterval time.Duration, notifier *Notifier, metrics *pwmetrics.Sink, logger *pwlog.Logger) *Limiter {
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	blocked := ttlcache.New[LimiterKey, struct{}]()
	go blocked.Start()

	l := &Limiter{
		notifier:      notifier,
		metrics:       metrics,
		logger:        logger,
		sweepInterval: sweepInterval,
		blocked:       blocked,
		stop:          make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[LimiterKey]*counterWindow)}
	}
	go l.sweepLoop()
	return l
}

func (l *Limiter) shardFor(key LimiterKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.RouteID))
	h.Write([]byte(key.Dimension))
	h.Write([]byte(key.DimValue))
	h.Write([]byte(key.ClientIP))
	return l.shards[h.Sum32()%numShards]
}

func (l *Limiter) getOrCreate(key LimiterKey) *counterWindow {
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cw, ok := sh.entries[key]
	if !ok {
		cw = &counterWindow{}
		sh.entries[key] = cw
	}
	return cw
}

// checkAndRecord evaluates one DimRule against one LimiterKey,
// atomically under that key's own lock.
func (l *Limiter) checkAndRecord(key LimiterKey, rule DimRule, now time.Time) Verdict {
	cw := l.getOrCreate(key)
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.blockUntil.IsZero() && cw.blockUntil.After(now) {
		return Verdict{
			Kind:       Blocked,
			Limit:      rule.MaxReq,
			WindowSecs: rule.WindowSecs,
			ResetSecs:  int(cw.blockUntil.Sub(now).Seconds()) + 1,
			RetryAfter: int(cw.blockUntil.Sub(now).Seconds()) + 1,
		}
	}
	if !cw.blockUntil.IsZero() && !cw.blockUntil.After(now) {
		cw.blockUntil = time.Time{}
		l.blocked.Delete(key)
	}

	cw.window = time.Duration(rule.WindowSecs) * time.Second
	cutoff := now.Add(-cw.window)
	cw.timestamps = pruneBefore(cw.timestamps, cutoff)

	count := len(cw.timestamps)
	if count >= rule.MaxReq {
		if rule.BlockDurationSecs > 0 {
			cw.blockUntil = now.Add(time.Duration(rule.BlockDurationSecs) * time.Second)
			l.blocked.Set(key, struct{}{}, time.Duration(rule.BlockDurationSecs)*time.Second)
			return Verdict{
				Kind:       Blocked,
				Limit:      rule.MaxReq,
				Count:      count,
				WindowSecs: rule.WindowSecs,
				ResetSecs:  rule.BlockDurationSecs,
				RetryAfter: rule.BlockDurationSecs,
			}
		}
		return Verdict{
			Kind:       SoftRejected,
			Limit:      rule.MaxReq,
			Count:      count,
			WindowSecs: rule.WindowSecs,
			RetryAfter: rule.WindowSecs,
		}
	}

	cw.timestamps = append(cw.timestamps, now)
	return Verdict{
		Kind:       Accepted,
		Limit:      rule.MaxReq,
		Remaining:  rule.MaxReq - (count + 1),
		WindowSecs: rule.WindowSecs,
	}
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && timestamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append(timestamps[:0], timestamps[i:]...)
}

// sweepLoop periodically prunes expired timestamps and deletes entries
// that are then both empty and unblocked. Only the shard lock is held while examining candidates;
// each entry's own lock is taken individually and released before
// moving to the next.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepOnce(time.Now())
		}
	}
}

func (l *Limiter) sweepOnce(now time.Time) {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, cw := range sh.entries {
			cw.mu.Lock()
			cw.timestamps = pruneBefore(cw.timestamps, now.Add(-cw.window))
			empty := len(cw.timestamps) == 0 && (cw.blockUntil.IsZero() || !cw.blockUntil.After(now))
			cw.mu.Unlock()
			if empty {
				delete(sh.entries, key)
			}
		}
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	if l.metrics != nil {
		l.metrics.SetLimiterEntries(total)
	}
}

func (l *Limiter) Close() {
	close(l.stop)
	l.blocked.Stop()
}
