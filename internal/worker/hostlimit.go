package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lifestream-io/lifestream/internal/policy"
)

const (
	hostLimiterCleanupInterval = 5 * time.Minute
	hostLimiterIdleTimeout     = 15 * time.Minute
)

type (
	// HostLimiter spaces outbound requests per hostname with a token bucket
	// of capacity one, so the fetcher never hits the same site faster than
	// the configured interval no matter how its work is ordered.
	//
	// Limiters are created lazily per hostname and removed again once a host
	// has been idle, keeping memory bounded across a long crawl of many
	// sites.
	HostLimiter struct {
		mu       sync.RWMutex
		hosts    map[string]*hostEntry
		interval time.Duration

		cleanupTicker *time.Ticker
		done          chan struct{}
		closeOnce     sync.Once
	}

	// hostEntry tracks one hostname's bucket and when it was last used.
	hostEntry struct {
		limiter    *rate.Limiter
		mu         sync.Mutex
		lastAccess time.Time
	}
)

// NewHostLimiter creates a per-hostname limiter. A non-positive interval
// falls back to the default fetch pacing of one request per second.
func NewHostLimiter(interval time.Duration) *HostLimiter {
	if interval <= 0 {
		interval = policy.DefaultFetchInterval
	}

	hl := &HostLimiter{
		hosts:         make(map[string]*hostEntry),
		interval:      interval,
		cleanupTicker: time.NewTicker(hostLimiterCleanupInterval),
		done:          make(chan struct{}),
	}

	go hl.runCleanup()

	return hl
}

// Wait blocks until the host's bucket has a token or ctx is done.
func (hl *HostLimiter) Wait(ctx context.Context, host string) error {
	entry := hl.entryFor(host)

	entry.mu.Lock()
	entry.lastAccess = time.Now()
	entry.mu.Unlock()

	return entry.limiter.Wait(ctx)
}

func (hl *HostLimiter) entryFor(host string) *hostEntry {
	hl.mu.RLock()
	entry, ok := hl.hosts[host]
	hl.mu.RUnlock()

	if ok {
		return entry
	}

	hl.mu.Lock()
	defer hl.mu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, ok = hl.hosts[host]; ok {
		return entry
	}

	entry = &hostEntry{
		limiter:    rate.NewLimiter(rate.Every(hl.interval), 1),
		lastAccess: time.Now(),
	}
	hl.hosts[host] = entry

	return entry
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (hl *HostLimiter) Close() {
	hl.closeOnce.Do(func() {
		hl.cleanupTicker.Stop()
		close(hl.done)
	})
}

func (hl *HostLimiter) runCleanup() {
	for {
		select {
		case <-hl.cleanupTicker.C:
			hl.cleanup()
		case <-hl.done:
			return
		}
	}
}

// cleanup removes entries for hosts not fetched from recently.
func (hl *HostLimiter) cleanup() {
	now := time.Now()

	hl.mu.Lock()
	defer hl.mu.Unlock()

	for host, entry := range hl.hosts {
		entry.mu.Lock()
		lastAccess := entry.lastAccess
		entry.mu.Unlock()

		if now.Sub(lastAccess) > hostLimiterIdleTimeout {
			delete(hl.hosts, host)
		}
	}
}

// size reports the number of tracked hosts. Used by cleanup tests.
func (hl *HostLimiter) size() int {
	hl.mu.RLock()
	defer hl.mu.RUnlock()

	return len(hl.hosts)
}
