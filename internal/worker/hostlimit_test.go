package worker

import (
	"context"
	"testing"
	"time"

	"github.com/lifestream-io/lifestream/internal/policy"
)

func TestHostLimiterSpacesSameHost(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	interval := 50 * time.Millisecond
	hl := NewHostLimiter(interval)
	defer hl.Close()

	start := time.Now()

	for range 2 {
		if err := hl.Wait(context.Background(), "example.com"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed < interval/2 {
		t.Errorf("two waits took %v, want spacing near %v", elapsed, interval)
	}
}

func TestHostLimiterHostsAreIndependent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hl := NewHostLimiter(time.Hour)
	defer hl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, host := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		if err := hl.Wait(ctx, host); err != nil {
			t.Fatalf("Wait(%q) error = %v", host, err)
		}
	}

	if got := hl.size(); got != 3 {
		t.Errorf("size() = %d, want 3", got)
	}
}

func TestHostLimiterWaitHonorsContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hl := NewHostLimiter(time.Hour)
	defer hl.Close()

	// First wait takes the only token; the second must give up on ctx.
	if err := hl.Wait(context.Background(), "example.com"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := hl.Wait(ctx, "example.com"); err == nil {
		t.Fatal("Wait() error = nil, want context deadline failure")
	}
}

func TestHostLimiterCleanupRemovesIdleHosts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hl := NewHostLimiter(time.Millisecond)
	defer hl.Close()

	for _, host := range []string{"stale.example.com", "fresh.example.com"} {
		if err := hl.Wait(context.Background(), host); err != nil {
			t.Fatalf("Wait(%q) error = %v", host, err)
		}
	}

	hl.mu.Lock()
	stale := hl.hosts["stale.example.com"]
	hl.mu.Unlock()

	stale.mu.Lock()
	stale.lastAccess = time.Now().Add(-hostLimiterIdleTimeout - time.Minute)
	stale.mu.Unlock()

	hl.cleanup()

	if got := hl.size(); got != 1 {
		t.Errorf("size() after cleanup = %d, want 1", got)
	}

	hl.mu.RLock()
	_, ok := hl.hosts["fresh.example.com"]
	hl.mu.RUnlock()

	if !ok {
		t.Error("fresh host was removed by cleanup")
	}
}

func TestHostLimiterDefaultsInterval(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hl := NewHostLimiter(0)
	defer hl.Close()

	if hl.interval != policy.DefaultFetchInterval {
		t.Errorf("interval = %v, want %v", hl.interval, policy.DefaultFetchInterval)
	}
}

func TestHostLimiterCloseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hl := NewHostLimiter(time.Millisecond)
	hl.Close()
	hl.Close()
}
