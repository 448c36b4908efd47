package agent

import (
	"context"
	"sync"

	"github.com/user/miniclaw/internal/types"
)

// LockTable serialises work per conversation. Each Acquire installs a
// fresh signal channel as the key's tail and waits on the previous tail,
// so waiters for one key are granted in arrival order while different
// keys never contend beyond the map mutex.
type LockTable struct {
	mu    sync.Mutex
	tails map[types.ConversationKey]chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{tails: make(map[types.ConversationKey]chan struct{})}
}

// Acquire blocks until the key is free and returns its release func.
// Release is idempotent. If ctx ends while queued, Acquire returns the
// context error; the abandoned slot is handed on as soon as the
// previous holder releases, so later waiters keep their order.
func (t *LockTable) Acquire(ctx context.Context, key types.ConversationKey) (func(), error) {
	mine := make(chan struct{})

	t.mu.Lock()
	prev := t.tails[key]
	t.tails[key] = mine
	t.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			if t.tails[key] == mine {
				delete(t.tails, key)
			}
			t.mu.Unlock()
			close(mine)
		})
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Busy reports whether the key is held or has waiters.
func (t *LockTable) Busy(key types.ConversationKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tails[key]
	return ok
}
