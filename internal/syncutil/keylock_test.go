package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLock_BasicLockUnlock(t *testing.T) {
	k := NewKeyLock()
	unlock, err := k.Lock(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Len() != 1 {
		t.Fatalf("expected 1 live key, got %d", k.Len())
	}
	unlock()
	if k.Len() != 0 {
		t.Fatalf("expected key to be dropped, got %d", k.Len())
	}
}

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock()
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "selling-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak)
	}
	if k.Len() != 0 {
		t.Fatalf("expected no live keys, got %d", k.Len())
	}
}

func TestKeyLock_DistinctKeysDoNotBlock(t *testing.T) {
	k := NewKeyLock()
	unlockA, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock on a different key should not block: %v", err)
	}
	unlockB()
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	k := NewKeyLock()
	unlock, err := k.Lock(context.Background(), "pur_1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "pur_1"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	if k.Len() != 0 {
		t.Fatalf("abandoned waiter leaked an entry, %d live keys", k.Len())
	}

	unlock2, err := k.Lock(context.Background(), "pur_1")
	if err != nil {
		t.Fatalf("key should be free after unlock: %v", err)
	}
	unlock2()
}

func TestKeyLock_UnlockIsIdempotent(t *testing.T) {
	k := NewKeyLock()
	unlock, err := k.Lock(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := k.Lock(ctx, "x")
	if err != nil {
		t.Fatalf("expected lock after double unlock: %v", err)
	}
	again()
}
