// Package session owns the per-account session registry: credentials, channel handles,
// the user-stream token, rate-limit usage, and per-symbol sync timestamps.
package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/coachpo/venuelink/internal/domain/credentialstore"
)

// ChannelHandle is the view of a live websocket channel held by a session.
type ChannelHandle interface {
	ID() string
	Open() bool
}

// ChannelView is the immutable copy of a ChannelHandle exposed in snapshots.
type ChannelView struct {
	ID   string
	Open bool
}

// RateLimitUsage mirrors one exchange rate-limit counter.
type RateLimitUsage struct {
	Type        string
	Interval    time.Duration
	Limit       int
	Count       int
	WindowStart time.Time
	UpdatedAt   time.Time
}

// Ratio returns count/limit, or zero when no limit is known.
func (u RateLimitUsage) Ratio() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Count) / float64(u.Limit)
}

// Releaser closes resources an owner holds for an account. Destroy calls every
// registered releaser before dropping the session.
type Releaser interface {
	Release(ctx context.Context, accountID int64) error
}

// Session is a point-in-time copy of one account's state. Mutating it has no
// effect on the registry.
type Session struct {
	AccountID            int64
	Credentials          credentialstore.Credentials
	CredentialsLoadedAt  time.Time
	SessionToken         string
	SessionTokenIssuedAt time.Time
	UserChannel          *ChannelView
	MarketChannels       map[string]ChannelView
	RateLimits           map[string]RateLimitUsage
	LastSync             map[string]time.Time
	Usable               bool
	Stale                bool
}

// HasSessionToken reports whether a user-stream token is currently held.
func (s *Session) HasSessionToken() bool {
	return s != nil && s.SessionToken != ""
}

// entry is the registry-owned mutable state for one account.
type entry struct {
	// loadMu serialises credential resolution so concurrent loads collapse onto one store call.
	loadMu sync.Mutex

	mu             sync.RWMutex
	loaded         bool
	generation     uint64
	creds          credentialstore.Credentials
	loadedAt       time.Time
	stale          bool
	usable         bool
	token          string
	tokenIssuedAt  time.Time
	userChannel    ChannelHandle
	marketChannels map[string]ChannelHandle
	rateLimits     map[string]RateLimitUsage
	lastSync       map[string]time.Time
}

func newEntry() *entry {
	return &entry{
		marketChannels: make(map[string]ChannelHandle),
		rateLimits:     make(map[string]RateLimitUsage),
		lastSync:       make(map[string]time.Time),
	}
}

// snapshotLocked copies the entry; callers hold e.mu for reading.
func (e *entry) snapshotLocked(accountID int64) *Session {
	s := &Session{
		AccountID:            accountID,
		Credentials:          e.creds,
		CredentialsLoadedAt:  e.loadedAt,
		SessionToken:         e.token,
		SessionTokenIssuedAt: e.tokenIssuedAt,
		MarketChannels:       make(map[string]ChannelView, len(e.marketChannels)),
		RateLimits:           maps.Clone(e.rateLimits),
		LastSync:             maps.Clone(e.lastSync),
		Usable:               e.usable,
		Stale:                e.stale,
	}
	if e.userChannel != nil {
		s.UserChannel = &ChannelView{ID: e.userChannel.ID(), Open: e.userChannel.Open()}
	}
	for symbol, handle := range e.marketChannels {
		s.MarketChannels[symbol] = ChannelView{ID: handle.ID(), Open: handle.Open()}
	}
	return s
}
