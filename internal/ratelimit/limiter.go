// Package ratelimit enforces a per-chat cooldown between agent prompts.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter allows one prompt per chat per cooldown window.
type Limiter struct {
	cooldown time.Duration
	mu       sync.Mutex
	chats    map[int64]*rate.Limiter
	now      func() time.Time
}

// New creates a limiter. A cooldown of zero or less disables limiting.
func New(cooldown time.Duration) *Limiter {
	return &Limiter{
		cooldown: cooldown,
		chats:    make(map[int64]*rate.Limiter),
		now:      time.Now,
	}
}

// Check records a prompt for chatID. When the chat is still cooling
// down it reports false and how long to wait; the rejected prompt does
// not extend the cooldown.
func (l *Limiter) Check(chatID int64) (bool, time.Duration) {
	if l.cooldown <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.chats[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.cooldown), 1)
		l.chats[chatID] = lim
	}

	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, l.cooldown
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops chats whose cooldown has fully elapsed and reports how
// many were removed. A pruned chat behaves exactly like a new one.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for id, lim := range l.chats {
		if lim.TokensAt(now) >= 1 {
			delete(l.chats, id)
			n++
		}
	}
	return n
}
