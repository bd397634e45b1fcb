// Package reconcile decides when exchange truth may be pulled for an (account,
// symbol) pair and runs those passes.
package reconcile

import (
	"strings"
	"sync"
	"time"
)

// DefaultCooldown is the quiet period required after a detected change.
const DefaultCooldown = 5 * time.Minute

type pairKey struct {
	accountID int64
	symbol    string
}

func newPairKey(accountID int64, symbol string) pairKey {
	return pairKey{accountID: accountID, symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// Gate tracks the last detected change per (account, symbol). Entries are
// overwritten on every change and never deleted.
type Gate struct {
	window time.Duration
	now    func() time.Time

	mu         sync.RWMutex
	lastChange map[pairKey]time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock overrides the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a gate with the given cooldown window; non-positive means DefaultCooldown.
func NewGate(window time.Duration, opts ...GateOption) *Gate {
	if window <= 0 {
		window = DefaultCooldown
	}
	g := &Gate{
		window:     window,
		now:        time.Now,
		lastChange: make(map[pairKey]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Window returns the cooldown window.
func (g *Gate) Window() time.Duration { return g.window }

// RecordChange stamps the pair with the current time.
func (g *Gate) RecordChange(accountID int64, symbol string) {
	key := newPairKey(accountID, symbol)
	now := g.now()
	g.mu.Lock()
	g.lastChange[key] = now
	g.mu.Unlock()
}

// ShouldDefer reports whether a change was recorded less than one window ago.
func (g *Gate) ShouldDefer(accountID int64, symbol string) bool {
	g.mu.RLock()
	last, ok := g.lastChange[newPairKey(accountID, symbol)]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return g.now().Sub(last) < g.window
}
