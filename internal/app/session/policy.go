package session

import "time"

// DefaultCredentialTTL bounds how long resolved credentials are served from memory.
const DefaultCredentialTTL = 15 * time.Minute

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads wall-clock time.
var SystemClock Clock = ClockFunc(time.Now)

// CredentialPolicy decides whether cached credentials may still be served.
type CredentialPolicy struct {
	Clock Clock
	TTL   time.Duration
}

// DefaultCredentialPolicy returns the wall-clock policy with DefaultCredentialTTL.
func DefaultCredentialPolicy() CredentialPolicy {
	return CredentialPolicy{Clock: SystemClock, TTL: DefaultCredentialTTL}
}

func (p CredentialPolicy) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}

// Fresh reports whether credentials loaded at loadedAt are still within the TTL.
// A non-positive TTL disables caching.
func (p CredentialPolicy) Fresh(loadedAt time.Time) bool {
	if p.TTL <= 0 || loadedAt.IsZero() {
		return false
	}
	return p.now().Sub(loadedAt) < p.TTL
}
