// Package retry tracks per-key attempt counts and computes backoff delays.
//
// Backoff grows quadratically with the attempt count (0, 1, 4, 9, 16 units),
// not exponentially.
package retry

import (
	"sync"
	"time"
)

// DefaultLimit is the number of attempts allowed per key.
const DefaultLimit = 5

// Policy counts attempts per key. It performs no I/O.
type Policy[K comparable] struct {
	mu       sync.Mutex
	limit    int
	attempts map[K]int
}

// New returns a Policy allowing limit attempts per key.
// A limit below one is replaced by DefaultLimit.
func New[K comparable](limit int) *Policy[K] {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Policy[K]{
		limit:    limit,
		attempts: make(map[K]int),
	}
}

// Limit returns the configured attempt ceiling.
func (p *Policy[K]) Limit() int {
	return p.limit
}

// ShouldRetry reports whether key has attempts left.
func (p *Policy[K]) ShouldRetry(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[key] < p.limit
}

// RecordAttempt increments the attempt count for key, saturating at the limit,
// and returns the new count.
func (p *Policy[K]) RecordAttempt(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.attempts[key]
	if n < p.limit {
		n++
		p.attempts[key] = n
	}
	return n
}

// Attempts returns the current attempt count for key.
func (p *Policy[K]) Attempts(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[key]
}

// Delay returns attempts² × unit for key.
func (p *Policy[K]) Delay(key K, unit time.Duration) time.Duration {
	n := p.Attempts(key)
	return time.Duration(n*n) * unit
}

// Reset forgets key.
func (p *Policy[K]) Reset(key K) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, key)
}

// Len returns the number of keys with recorded state.
func (p *Policy[K]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attempts)
}
