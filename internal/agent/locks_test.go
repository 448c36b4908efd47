package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/miniclaw/internal/types"
)

func TestLockTableMutualExclusion(t *testing.T) {
	locks := NewLockTable()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "42")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if m := maxInside.Load(); m != 1 {
		t.Errorf("expected at most 1 holder, got %d", m)
	}
	if locks.Busy("42") {
		t.Error("expected key to be free after all releases")
	}
}

func TestLockTableFIFO(t *testing.T) {
	locks := NewLockTable()
	release, err := locks.Acquire(context.Background(), "7")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rel, err := locks.Acquire(context.Background(), "7")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			rel()
		}(i)
		// Give each waiter time to queue before the next arrives.
		time.Sleep(20 * time.Millisecond)
	}

	release()
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestLockTableIndependentKeys(t *testing.T) {
	locks := NewLockTable()
	releaseA, err := locks.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := locks.Acquire(context.Background(), "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire on a different key blocked")
	}
}

func TestLockTableReleaseIdempotent(t *testing.T) {
	locks := NewLockTable()
	release, err := locks.Acquire(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	release2, err := locks.Acquire(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}

	// A stale release from the first holder must not free the second.
	release()
	if !locks.Busy("x") {
		t.Error("expected key to still be held by the second holder")
	}
	release2()
	if locks.Busy("x") {
		t.Error("expected key to be free")
	}
}

func TestLockTableCancelWhileQueued(t *testing.T) {
	locks := NewLockTable()
	release, err := locks.Acquire(context.Background(), "c")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctx, "c"); err == nil {
		t.Fatal("expected context error while queued")
	}

	got := make(chan struct{})
	go func() {
		rel, err := locks.Acquire(context.Background(), "c")
		if err != nil {
			t.Error(err)
			return
		}
		rel()
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("third waiter acquired while the first holder still held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned slot was never handed on")
	}
}

func TestLockTableBusy(t *testing.T) {
	locks := NewLockTable()
	key := types.ChatKey(99)
	if locks.Busy(key) {
		t.Fatal("expected fresh key to be free")
	}
	release, _ := locks.Acquire(context.Background(), key)
	if !locks.Busy(key) {
		t.Error("expected key to be busy while held")
	}
	release()
}
