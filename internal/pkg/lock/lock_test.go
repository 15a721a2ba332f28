package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func TestRedisLocker_Exclusive(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewRedisLocker(rdb, time.Minute, 100*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "product:1")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := l.Lock(ctx, "product:1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	// Different keys are independent.
	other, err := l.Lock(ctx, "product:2")
	if err != nil {
		t.Fatalf("other key: %v", err)
	}
	_ = other(ctx)

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := l.Lock(ctx, "product:1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again(ctx)
}

func TestRedisLocker_ReleaseOnlyOwnToken(t *testing.T) {
	s, rdb := newRedis(t)
	l := NewRedisLocker(rdb, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "product:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Expire the lock and let someone else take it.
	s.FastForward(2 * time.Second)
	second, err := l.Lock(ctx, "product:1")
	if err != nil {
		t.Fatalf("second lock after expiry: %v", err)
	}
	// The stale holder must not release the new owner's lock.
	_ = unlock(ctx)
	if !s.Exists(keyPrefix + "product:1") {
		t.Fatalf("stale unlock removed a lock it no longer owns")
	}
	_ = second(ctx)
	if s.Exists(keyPrefix + "product:1") {
		t.Fatalf("owner unlock did not release")
	}
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "p")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			_ = unlock(ctx)
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside.Load())
	}
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker()
	unlock, _ := l.Lock(context.Background(), "p")
	defer unlock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "p"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}
