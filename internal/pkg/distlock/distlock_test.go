package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockAcquireRelease(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	l1 := NewRedisLock(client, "hash-guard", time.Minute)
	ok, err := l1.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire() should succeed")
	}

	// A second holder must be refused while the lock is live.
	l2 := NewRedisLock(client, "hash-guard", time.Minute)
	ok, err = l2.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Error("second Acquire() should be refused")
	}

	if err := l1.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	ok, err = l2.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	if !ok {
		t.Error("Acquire() after release should succeed")
	}
}

func TestRedisLockReleaseByNonOwnerIsNoop(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "done-scan", time.Minute)
	if ok, _ := owner.Acquire(ctx); !ok {
		t.Fatal("owner Acquire() failed")
	}

	stranger := NewRedisLock(client, "done-scan", time.Minute)
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("stranger Release() error: %v", err)
	}

	// Owner's lock must still be held.
	third := NewRedisLock(client, "done-scan", time.Minute)
	if ok, _ := third.Acquire(ctx); ok {
		t.Error("lock was released by a non-owner")
	}
}

func TestWithLock(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	blocker := NewRedisLock(client, "guarded", time.Minute)
	if ok, _ := blocker.Acquire(ctx); !ok {
		t.Fatal("blocker Acquire() failed")
	}

	ran := false
	ok, err := WithLock(ctx, NewRedisLock(client, "guarded", time.Minute), func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error: %v", err)
	}
	if ok || ran {
		t.Error("WithLock() should skip fn while the lock is held elsewhere")
	}

	blocker.Release(ctx)

	ok, err = WithLock(ctx, NewRedisLock(client, "guarded", time.Minute), func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ok || !ran {
		t.Errorf("WithLock() after release: ok=%v ran=%v err=%v", ok, ran, err)
	}
}
