package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/domain/credentialstore"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
	"github.com/coachpo/venuelink/internal/observability"
)

// ErrUnknownAccount is returned by write paths for accounts that were never loaded.
var ErrUnknownAccount = errors.New("session: account not loaded")

// Manager is the sole owner of the session registry.
type Manager struct {
	mu      sync.RWMutex
	entries map[int64]*entry

	store  credentialstore.Store
	policy CredentialPolicy
	logger observability.Logger

	releaserMu sync.RWMutex
	releasers  []Releaser

	loadCounter metric.Int64Counter
}

// Option configures optional manager behaviour.
type Option func(*Manager)

// WithPolicy overrides the credential caching policy.
func WithPolicy(policy CredentialPolicy) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithLogger overrides the manager logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// LoadOption tunes a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	force bool
}

// ForceRefresh bypasses the cache and re-resolves credentials from the store.
func ForceRefresh() LoadOption {
	return func(o *loadOptions) {
		o.force = true
	}
}

// NewManager constructs a session manager resolving credentials from store.
func NewManager(store credentialstore.Store, opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[int64]*entry),
		store:   store,
		policy:  DefaultCredentialPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = observability.Or(m.logger)
	meter := otel.Meter("session")
	m.loadCounter, _ = meter.Int64Counter("venuelink.session.loads",
		metric.WithDescription("Credential load attempts by result"),
		metric.WithUnit("{load}"))
	return m
}

// RegisterReleaser adds an owner that Destroy must notify.
func (m *Manager) RegisterReleaser(r Releaser) {
	if r == nil {
		return
	}
	m.releaserMu.Lock()
	m.releasers = append(m.releasers, r)
	m.releaserMu.Unlock()
}

func (m *Manager) lookup(accountID int64) *entry {
	m.mu.RLock()
	e := m.entries[accountID]
	m.mu.RUnlock()
	return e
}

func (m *Manager) entryFor(accountID int64) *entry {
	if e := m.lookup(accountID); e != nil {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[accountID]; ok {
		return e
	}
	e := newEntry()
	m.entries[accountID] = e
	return e
}

// loadedEntry returns the entry only once credentials have been resolved.
func (m *Manager) loadedEntry(accountID int64) *entry {
	e := m.lookup(accountID)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if !loaded {
		return nil
	}
	return e
}

// Get returns a snapshot of the session. It performs no I/O.
func (m *Manager) Get(accountID int64) (*Session, bool) {
	e := m.lookup(accountID)
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		return nil, false
	}
	return e.snapshotLocked(accountID), true
}

// Load returns the cached session when it is fresh, otherwise resolves
// credentials from the store and replaces them in one step. Channel handles,
// the session token, and usage counters survive a reload. Store errors are
// returned unchanged.
func (m *Manager) Load(ctx context.Context, accountID int64, opts ...LoadOption) (*Session, error) {
	var options loadOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	e := m.entryFor(accountID)
	e.mu.RLock()
	observed := e.generation
	e.mu.RUnlock()

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.mu.RLock()
	reuse := e.loaded && !e.stale && m.policy.Fresh(e.loadedAt) && !options.force
	// A load that completed while this caller waited satisfies a forced refresh too.
	if e.loaded && !e.stale && e.generation != observed {
		reuse = true
	}
	if reuse {
		snapshot := e.snapshotLocked(accountID)
		e.mu.RUnlock()
		m.countLoad(ctx, accountID, "hit")
		return snapshot, nil
	}
	e.mu.RUnlock()

	if m.store == nil {
		return nil, fmt.Errorf("session: credential store not configured")
	}
	creds, err := m.store.Resolve(ctx, accountID)
	if err != nil {
		m.countLoad(ctx, accountID, "error")
		m.logger.Error("credential load failed",
			observability.F("account", accountID),
			observability.F("error", err))
		return nil, err
	}

	e.mu.Lock()
	// Only the first load or a forced one lifts MarkUnusable; TTL and
	// Invalidate reloads keep the account disabled.
	if options.force || !e.loaded {
		e.usable = true
	}
	e.creds = creds
	e.loadedAt = m.policy.now()
	e.loaded = true
	e.stale = false
	e.generation++
	snapshot := e.snapshotLocked(accountID)
	e.mu.Unlock()

	m.countLoad(ctx, accountID, "miss")
	m.logger.Debug("credentials loaded",
		observability.F("account", accountID),
		observability.F("environment", string(creds.Environment)))
	return snapshot, nil
}

func (m *Manager) countLoad(ctx context.Context, accountID int64, result string) {
	if m.loadCounter == nil {
		return
	}
	m.loadCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(accountID, "credential_load", result)...))
}

// Invalidate marks cached credentials stale so the next Load hits the store.
// Channels and the session token are left untouched.
func (m *Manager) Invalidate(accountID int64) {
	e := m.lookup(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stale = true
	e.mu.Unlock()
}

// MarkUnusable disables signed traffic for the account until a ForceRefresh
// load succeeds. Expiry and Invalidate reloads leave it disabled.
func (m *Manager) MarkUnusable(accountID int64) {
	e := m.lookup(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.usable = false
	e.mu.Unlock()
}

// AttachUserChannel records the user-data channel handle.
func (m *Manager) AttachUserChannel(accountID int64, handle ChannelHandle) error {
	e := m.loadedEntry(accountID)
	if e == nil {
		return ErrUnknownAccount
	}
	e.mu.Lock()
	e.userChannel = handle
	e.mu.Unlock()
	return nil
}

// DetachUserChannel removes the user-data handle when it is still the attached one.
func (m *Manager) DetachUserChannel(accountID int64, handle ChannelHandle) {
	e := m.lookup(accountID)
	if e == nil || handle == nil {
		return
	}
	e.mu.Lock()
	if e.userChannel != nil && e.userChannel.ID() == handle.ID() {
		e.userChannel = nil
	}
	e.mu.Unlock()
}

// AttachMarketChannel records the market-data handle for symbol.
func (m *Manager) AttachMarketChannel(accountID int64, symbol string, handle ChannelHandle) error {
	e := m.loadedEntry(accountID)
	if e == nil {
		return ErrUnknownAccount
	}
	e.mu.Lock()
	e.marketChannels[normalizeSymbol(symbol)] = handle
	e.mu.Unlock()
	return nil
}

// DetachMarketChannel removes the market-data handle for symbol when it matches.
func (m *Manager) DetachMarketChannel(accountID int64, symbol string, handle ChannelHandle) {
	e := m.lookup(accountID)
	if e == nil || handle == nil {
		return
	}
	key := normalizeSymbol(symbol)
	e.mu.Lock()
	if current, ok := e.marketChannels[key]; ok && current.ID() == handle.ID() {
		delete(e.marketChannels, key)
	}
	e.mu.Unlock()
}

// SetSessionToken stores the exchange-issued user-stream token.
func (m *Manager) SetSessionToken(accountID int64, token string) error {
	e := m.loadedEntry(accountID)
	if e == nil {
		return ErrUnknownAccount
	}
	e.mu.Lock()
	e.token = token
	e.tokenIssuedAt = m.policy.now()
	e.mu.Unlock()
	return nil
}

// ClearSessionToken drops the user-stream token.
func (m *Manager) ClearSessionToken(accountID int64) {
	e := m.lookup(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.token = ""
	e.tokenIssuedAt = time.Time{}
	e.mu.Unlock()
}

// ReleaseSessionToken drops the user-stream token only if it is still token.
func (m *Manager) ReleaseSessionToken(accountID int64, token string) {
	e := m.lookup(accountID)
	if e == nil || token == "" {
		return
	}
	e.mu.Lock()
	if e.token == token {
		e.token = ""
		e.tokenIssuedAt = time.Time{}
	}
	e.mu.Unlock()
}

// SetRateLimits replaces the rate-limit usage copy held by the session.
func (m *Manager) SetRateLimits(accountID int64, usage map[string]RateLimitUsage) {
	e := m.lookup(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.rateLimits = maps.Clone(usage)
	if e.rateLimits == nil {
		e.rateLimits = make(map[string]RateLimitUsage)
	}
	e.mu.Unlock()
}

// MarkSynced records a successful reconciliation for symbol.
func (m *Manager) MarkSynced(accountID int64, symbol string, at time.Time) {
	e := m.lookup(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.lastSync[normalizeSymbol(symbol)] = at
	e.mu.Unlock()
}

// Accounts lists every account with loaded credentials, in ascending order.
func (m *Manager) Accounts() []int64 {
	m.mu.RLock()
	loaded := lo.PickBy(m.entries, func(_ int64, e *entry) bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.loaded
	})
	m.mu.RUnlock()
	ids := lo.Keys(loaded)
	slices.Sort(ids)
	return ids
}

// Destroy releases both channel classes through the registered releasers and
// then removes the session. Release errors are joined and returned; the
// session is dropped regardless.
func (m *Manager) Destroy(ctx context.Context, accountID int64) error {
	m.releaserMu.RLock()
	releasers := slices.Clone(m.releasers)
	m.releaserMu.RUnlock()

	var errList []error
	for _, r := range releasers {
		if err := r.Release(ctx, accountID); err != nil {
			errList = append(errList, err)
		}
	}

	m.mu.Lock()
	delete(m.entries, accountID)
	m.mu.Unlock()

	if len(errList) > 0 {
		m.logger.Error("session destroy released with errors",
			observability.F("account", accountID),
			observability.F("error", errors.Join(errList...)))
	}
	return errors.Join(errList...)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
