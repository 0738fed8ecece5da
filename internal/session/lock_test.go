package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/turn"
)

func newTestLock(t *testing.T, leaseTTL, waitTimeout time.Duration) *Lock {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fabric.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(Config{
		Store:        store,
		LeaseTTL:     leaseTTL,
		WaitTimeout:  waitTimeout,
		PollInterval: 5 * time.Millisecond,
	})
}

func TestAcquire_Timeout(t *testing.T) {
	lock := newTestLock(t, time.Minute, 60*time.Millisecond)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx, "a:b:c:sms")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	start := time.Now()
	_, err = lock.Acquire(ctx, "a:b:c:sms")
	if !errors.Is(err, turn.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("timed out after %v, before wait timeout", elapsed)
	}

	if err := lock.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	lock := newTestLock(t, time.Minute, 2*time.Second)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx, "a:b:c:sms")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		second, err := lock.Acquire(ctx, "a:b:c:sms")
		if err == nil {
			_ = lock.Release(ctx, second)
		}
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	if err := lock.Release(ctx, lease); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestAcquire_SafetyNetAfterTTL(t *testing.T) {
	lock := newTestLock(t, 50*time.Millisecond, time.Second)
	ctx := context.Background()

	// Simulate a crashed holder: acquire and never release.
	if _, err := lock.Acquire(ctx, "a:b:c:sms"); err != nil {
		t.Fatal(err)
	}

	lease, err := lock.Acquire(ctx, "a:b:c:sms")
	if err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
	if lease == nil {
		t.Fatal("no lease")
	}
}

func TestExtend_LostLease(t *testing.T) {
	lock := newTestLock(t, 20*time.Millisecond, time.Second)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx, "a:b:c:sms")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	if err := lock.Extend(ctx, lease); !errors.Is(err, turn.ErrLockLost) {
		t.Fatalf("err = %v, want ErrLockLost", err)
	}
}

func TestMutualExclusion_Concurrent(t *testing.T) {
	lock := newTestLock(t, time.Minute, 5*time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := lock.Acquire(ctx, "contended:a:c:sms")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			if err := lock.Release(ctx, lease); err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInCritical)
	}
}

func TestHeartbeat_KeepsLeaseAlive(t *testing.T) {
	lock := newTestLock(t, 60*time.Millisecond, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease, err := lock.Acquire(ctx, "a:b:c:sms")
	if err != nil {
		t.Fatal(err)
	}
	lost := lock.Heartbeat(ctx, lease, 20*time.Millisecond)

	// Without the heartbeat the lease would expire inside this window.
	select {
	case <-lost:
		t.Fatal("lease reported lost while heartbeating")
	case <-time.After(150 * time.Millisecond):
	}

	if err := lock.Extend(ctx, lease); err != nil {
		t.Fatalf("lease dead despite heartbeat: %v", err)
	}
}

func TestHeartbeat_ReportsLoss(t *testing.T) {
	lock := newTestLock(t, 200*time.Millisecond, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease, err := lock.Acquire(ctx, "a:b:c:sms")
	if err != nil {
		t.Fatal(err)
	}
	// Operator force-release yanks the lease out from under the holder.
	if err := lock.ForceRelease(ctx, "a:b:c:sms"); err != nil {
		t.Fatal(err)
	}

	lost := lock.Heartbeat(ctx, lease, 10*time.Millisecond)
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("heartbeat never reported lost lease")
	}
}
