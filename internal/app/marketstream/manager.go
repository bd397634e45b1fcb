// Package marketstream maintains public mark-price channels, one per account and symbol.
package marketstream

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/infra/adapters/binance"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
	"github.com/coachpo/venuelink/internal/observability"
)

// Sessions is the subset of the session manager used by market channels.
type Sessions interface {
	Load(ctx context.Context, accountID int64, opts ...session.LoadOption) (*session.Session, error)
	AttachMarketChannel(accountID int64, symbol string, handle session.ChannelHandle) error
	DetachMarketChannel(accountID int64, symbol string, handle session.ChannelHandle)
}

// Tick is a mark-price update observed on an account's channel.
type Tick struct {
	AccountID int64
	binance.MarkPriceTick
}

// TickFunc receives ticks on the channel goroutine; it must not block.
type TickFunc func(Tick)

type channelKey struct {
	accountID int64
	symbol    string
}

// Manager owns every market channel.
type Manager struct {
	sessions Sessions
	cfg      binance.Config
	logger   observability.Logger

	mu       sync.Mutex
	channels map[channelKey]*binance.Stream

	subMu   sync.RWMutex
	subs    map[uint64]TickFunc
	nextSub uint64

	malformed metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a market channel manager. Zero fields of cfg take defaults.
func NewManager(sessions Sessions, cfg binance.Config, opts ...Option) *Manager {
	m := &Manager{
		sessions: sessions,
		cfg:      cfg.WithDefaults(),
		channels: make(map[channelKey]*binance.Stream),
		subs:     make(map[uint64]TickFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = observability.Or(m.logger)
	meter := otel.Meter("marketstream")
	m.malformed, _ = meter.Int64Counter("venuelink.channel.malformed",
		metric.WithDescription("Undecodable stream messages dropped"),
		metric.WithUnit("{message}"))
	return m
}

// Ensure opens the channel for (accountID, symbol) unless one is already live.
// A channel that is reconnecting counts as live.
func (m *Manager) Ensure(ctx context.Context, accountID int64, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return errs.New(binance.Exchange, errs.CodeInvalid, errs.WithAccount(accountID), errs.WithMessage("symbol required"))
	}
	sess, err := m.sessions.Load(ctx, accountID)
	if err != nil {
		return fmt.Errorf("market channel %s: %w", symbol, err)
	}

	key := channelKey{accountID: accountID, symbol: symbol}
	m.mu.Lock()
	if existing, ok := m.channels[key]; ok && existing.State() != binance.StreamClosed {
		m.mu.Unlock()
		return nil
	}
	url := binance.MarkPriceStreamURL(sess.Credentials.WSMarketBaseURL, symbol, m.cfg.MarkPriceSuffix)
	stream := binance.NewStream(context.WithoutCancel(ctx), url, binance.StreamOptions{
		AccountID:            accountID,
		Symbol:               symbol,
		Channel:              telemetry.ChannelMarket,
		HandshakeTimeout:     m.cfg.HandshakeTimeout,
		MaxReconnectInterval: m.cfg.MaxReconnectInterval,
		Handler:              m.handler(accountID, symbol),
		Logger:               m.logger,
	})
	m.channels[key] = stream
	m.mu.Unlock()

	if err := stream.Start(); err != nil {
		m.remove(key, stream)
		stream.Stop()
		return errs.Transport(binance.Exchange, fmt.Errorf("market channel %s: %w", symbol, err),
			errs.WithAccount(accountID),
			errs.WithCanonicalCode(errs.CanonicalHandshakeTimeout))
	}
	if err := m.sessions.AttachMarketChannel(accountID, symbol, stream); err != nil {
		m.remove(key, stream)
		stream.Stop()
		return fmt.Errorf("attach market channel %s: %w", symbol, err)
	}
	m.logger.Info("market channel open",
		observability.F("account", accountID),
		observability.F("symbol", symbol),
		observability.F("channel_id", stream.ID()))
	return nil
}

func (m *Manager) remove(key channelKey, stream *binance.Stream) {
	m.mu.Lock()
	if m.channels[key] == stream {
		delete(m.channels, key)
	}
	m.mu.Unlock()
}

func (m *Manager) handler(accountID int64, symbol string) func([]byte) {
	return func(data []byte) {
		tick, err := binance.DecodeMarkPrice(data)
		if err != nil {
			m.malformed.Add(context.Background(), 1, metric.WithAttributes(
				append(telemetry.SymbolAttributes(accountID, symbol), telemetry.AttrChannel.String(telemetry.ChannelMarket))...))
			m.logger.Error("dropping malformed market message",
				observability.F("account", accountID),
				observability.F("symbol", symbol),
				observability.F("error", err))
			return
		}
		m.publish(Tick{AccountID: accountID, MarkPriceTick: tick})
	}
}

func (m *Manager) publish(tick Tick) {
	m.subMu.RLock()
	fns := make([]TickFunc, 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn(tick)
	}
}

// OnTick subscribes fn to every channel's ticks. The returned func unsubscribes.
func (m *Manager) OnTick(fn TickFunc) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// State reports the channel state; absent channels are closed.
func (m *Manager) State(accountID int64, symbol string) binance.StreamState {
	key := channelKey{accountID: accountID, symbol: strings.ToUpper(strings.TrimSpace(symbol))}
	m.mu.Lock()
	stream, ok := m.channels[key]
	m.mu.Unlock()
	if !ok {
		return binance.StreamClosed
	}
	return stream.State()
}

// Close stops the channel for (accountID, symbol). It never reconnects afterwards.
func (m *Manager) Close(accountID int64, symbol string) {
	key := channelKey{accountID: accountID, symbol: strings.ToUpper(strings.TrimSpace(symbol))}
	m.mu.Lock()
	stream, ok := m.channels[key]
	delete(m.channels, key)
	m.mu.Unlock()
	if ok {
		m.stop(key, stream)
	}
}

// CloseAll stops every channel held for accountID.
func (m *Manager) CloseAll(accountID int64) {
	m.closeMatching(func(k channelKey) bool { return k.accountID == accountID })
}

// Shutdown stops every channel of every account.
func (m *Manager) Shutdown() {
	m.closeMatching(func(channelKey) bool { return true })
}

func (m *Manager) closeMatching(match func(channelKey) bool) {
	m.mu.Lock()
	victims := make(map[channelKey]*binance.Stream)
	for key, stream := range m.channels {
		if match(key) {
			victims[key] = stream
			delete(m.channels, key)
		}
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for key, stream := range victims {
		wg.Go(func() { m.stop(key, stream) })
	}
	wg.Wait()
}

func (m *Manager) stop(key channelKey, stream *binance.Stream) {
	stream.Stop()
	m.sessions.DetachMarketChannel(key.accountID, key.symbol, stream)
	m.logger.Info("market channel closed",
		observability.F("account", key.accountID),
		observability.F("symbol", key.symbol))
}

// Release implements session.Releaser.
func (m *Manager) Release(_ context.Context, accountID int64) error {
	m.CloseAll(accountID)
	return nil
}

// Symbols lists the symbols with a channel for accountID.
func (m *Manager) Symbols(accountID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key := range m.channels {
		if key.accountID == accountID {
			out = append(out, key.symbol)
		}
	}
	slices.Sort(out)
	return out
}

var _ session.Releaser = (*Manager)(nil)
