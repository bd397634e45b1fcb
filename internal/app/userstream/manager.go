// Package userstream runs the private user-data channel of each account: it
// acquires and renews the listen key, reads order and account events, and
// routes them to subscribers. A failed channel degrades and stays down until
// Start is called again.
package userstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/infra/adapters/binance"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
	"github.com/coachpo/venuelink/internal/observability"
)

var (
	// ErrListenKeyExpired is the degrade cause when the exchange expires the token.
	ErrListenKeyExpired = errors.New("userstream: listen key expired")
	// ErrStopped is returned by Start when Stop wins the race against the handshake.
	ErrStopped = errors.New("userstream: stopped during start")
)

// Sessions is the subset of the session manager the user channel writes through.
type Sessions interface {
	Load(ctx context.Context, accountID int64, opts ...session.LoadOption) (*session.Session, error)
	SetSessionToken(accountID int64, token string) error
	ReleaseSessionToken(accountID int64, token string)
	AttachUserChannel(accountID int64, handle session.ChannelHandle) error
	DetachUserChannel(accountID int64, handle session.ChannelHandle)
}

// TokenIssuer acquires, renews, and releases listen keys.
type TokenIssuer interface {
	Create(ctx context.Context, accountID int64) (string, error)
	KeepAlive(ctx context.Context, accountID int64, listenKey string) error
	Close(ctx context.Context, accountID int64, listenKey string) error
}

// ChangeRecorder is notified of every detected order or position change.
type ChangeRecorder interface {
	RecordChange(accountID int64, symbol string)
}

// Manager owns one private channel per account.
type Manager struct {
	sessions Sessions
	tokens   TokenIssuer
	changes  ChangeRecorder
	cfg      binance.Config
	logger   observability.Logger

	mu       sync.Mutex
	channels map[int64]*channel

	orders    *routes[orderKey, OrderHandler]
	positions *routes[positionKey, PositionHandler]
	balances  *routes[struct{}, BalanceHandler]
	observers *routes[struct{}, func(StateChange)]

	malformed   metric.Int64Counter
	transitions metric.Int64Counter
	keepAlives  metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithChangeRecorder feeds detected changes to recorder (the cooldown gate).
func WithChangeRecorder(recorder ChangeRecorder) Option {
	return func(m *Manager) {
		m.changes = recorder
	}
}

// WithLogger overrides the manager logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a user channel manager.
func NewManager(sessions Sessions, tokens TokenIssuer, cfg binance.Config, opts ...Option) *Manager {
	m := &Manager{
		sessions:  sessions,
		tokens:    tokens,
		cfg:       cfg.WithDefaults(),
		channels:  make(map[int64]*channel),
		orders:    newRoutes[orderKey, OrderHandler](),
		positions: newRoutes[positionKey, PositionHandler](),
		balances:  newRoutes[struct{}, BalanceHandler](),
		observers: newRoutes[struct{}, func(StateChange)](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = observability.Or(m.logger)

	meter := otel.Meter("userstream")
	m.malformed, _ = meter.Int64Counter("venuelink.channel.malformed",
		metric.WithDescription("Undecodable stream messages dropped"),
		metric.WithUnit("{message}"))
	m.transitions, _ = meter.Int64Counter("venuelink.userstream.transitions",
		metric.WithDescription("User channel state transitions"),
		metric.WithUnit("{transition}"))
	m.keepAlives, _ = meter.Int64Counter("venuelink.userstream.keepalives",
		metric.WithDescription("Listen key renewals by result"),
		metric.WithUnit("{request}"))
	return m
}

// OnStateChange subscribes fn to every transition of every account.
func (m *Manager) OnStateChange(fn func(StateChange)) (cancel func()) {
	return m.observers.add(nil, fn)
}

// State reports the channel state; accounts without a channel are closed.
func (m *Manager) State(accountID int64) State {
	m.mu.Lock()
	ch := m.channels[accountID]
	m.mu.Unlock()
	if ch == nil {
		return StateClosed
	}
	return ch.State()
}

// Start opens the private channel. It is a no-op while a channel is opening or
// open. A degraded channel is stopped first, so the new run starts from Closed.
func (m *Manager) Start(ctx context.Context, accountID int64) error {
	sess, err := m.sessions.Load(ctx, accountID)
	if err != nil {
		return fmt.Errorf("user channel: %w", err)
	}

	m.mu.Lock()
	previous := m.channels[accountID]
	if previous != nil && previous.State().Live() {
		m.mu.Unlock()
		return nil
	}
	ch := &channel{
		manager:   m,
		accountID: accountID,
		runID:     uuid.NewString(),
		state:     StateClosed,
	}
	m.channels[accountID] = ch
	m.mu.Unlock()

	if previous != nil {
		previous.shutdown(ctx)
	}
	return ch.open(ctx, sess.Credentials.WSUserBaseURL)
}

// Stop closes the account's channel and releases its listen key. On return no
// further events are delivered and no keep-alive is armed. Stop is idempotent.
func (m *Manager) Stop(ctx context.Context, accountID int64) error {
	m.mu.Lock()
	ch := m.channels[accountID]
	delete(m.channels, accountID)
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	ch.shutdown(ctx)
	return nil
}

// Release implements session.Releaser.
func (m *Manager) Release(ctx context.Context, accountID int64) error {
	return m.Stop(ctx, accountID)
}

// Shutdown stops every channel.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	victims := make([]*channel, 0, len(m.channels))
	for id, ch := range m.channels {
		victims = append(victims, ch)
		delete(m.channels, id)
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, ch := range victims {
		wg.Go(func() { ch.shutdown(ctx) })
	}
	wg.Wait()
}

// current reports whether ch is still the registered run for its account.
func (m *Manager) current(ch *channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[ch.accountID] == ch
}

func (m *Manager) notify(change StateChange) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(change.AccountID, telemetry.ChannelUser, change.To.String())...))
	fields := []observability.Field{
		observability.F("account", change.AccountID),
		observability.F("run_id", change.RunID),
		observability.F("from", change.From.String()),
		observability.F("to", change.To.String()),
	}
	if change.Err != nil {
		fields = append(fields, observability.F("error", change.Err))
		m.logger.Error("user channel transition", fields...)
	} else {
		m.logger.Info("user channel transition", fields...)
	}
	for _, fn := range m.observers.lookup(struct{}{}) {
		fn(change)
	}
}

// channel is one run of an account's private stream.
type channel struct {
	manager   *Manager
	accountID int64
	runID     string

	mu        sync.Mutex
	state     State
	stopped   bool
	listenKey string
	conn      *websocket.Conn
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

// ID identifies the run; it implements session.ChannelHandle.
func (c *channel) ID() string { return c.runID }

// Open implements session.ChannelHandle.
func (c *channel) Open() bool { return c.State() == StateOpen }

func (c *channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transitionLocked applies next if the table allows it.
func (c *channel) transitionLocked(next State) (State, bool) {
	from := c.state
	if !from.CanTransition(next) {
		return from, false
	}
	c.state = next
	return from, true
}

func (c *channel) change(from, to State, err error) {
	c.manager.notify(StateChange{AccountID: c.accountID, RunID: c.runID, From: from, To: to, Err: err})
}

func (c *channel) open(ctx context.Context, wsUserBaseURL string) error {
	m := c.manager

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	from, _ := c.transitionLocked(StateOpening)
	c.mu.Unlock()
	c.change(from, StateOpening, nil)

	key, err := m.tokens.Create(ctx, c.accountID)
	if err != nil {
		c.degrade(err)
		return fmt.Errorf("user channel: %w", err)
	}

	c.mu.Lock()
	if c.state != StateOpening {
		c.mu.Unlock()
		c.releaseKey(ctx, key)
		return ErrStopped
	}
	c.listenKey = key
	if err := m.sessions.SetSessionToken(c.accountID, key); err != nil {
		c.mu.Unlock()
		c.degrade(err)
		return fmt.Errorf("user channel: %w", err)
	}
	c.mu.Unlock()

	conn, err := binance.DialStream(ctx, binance.UserStreamURL(wsUserBaseURL, key), m.cfg.HandshakeTimeout)
	if err != nil {
		c.degrade(err)
		return errs.Transport(binance.Exchange, err,
			errs.WithAccount(c.accountID),
			errs.WithCanonicalCode(errs.CanonicalHandshakeTimeout))
	}

	c.mu.Lock()
	if c.state != StateOpening {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return ErrStopped
	}
	from, _ = c.transitionLocked(StateOpen)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.conn = conn
	c.cancel = cancel
	c.wg.Go(func() { c.readLoop(runCtx, conn) })
	c.wg.Go(func() { c.keepAlive(runCtx, key) })
	c.mu.Unlock()

	if err := m.sessions.AttachUserChannel(c.accountID, c); err != nil {
		m.logger.Error("attach user channel failed",
			observability.F("account", c.accountID),
			observability.F("error", err))
	}
	c.change(from, StateOpen, nil)
	return nil
}

// degrade moves an opening or open channel to Degraded. Keep-alive stops, the
// transport closes, and the session token is cleared. Nothing reconnects.
func (c *channel) degrade(cause error) {
	c.mu.Lock()
	from, ok := c.transitionLocked(StateDegraded)
	if !ok {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "degraded")
	}
	c.manager.sessions.ReleaseSessionToken(c.accountID, c.listenKey)
	c.mu.Unlock()
	c.change(from, StateDegraded, cause)
}

// shutdown moves the channel to Closed from any state and waits for its goroutines.
func (c *channel) shutdown(ctx context.Context) {
	c.mu.Lock()
	from, changed := c.transitionLocked(StateClosed)
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	key := c.listenKey
	c.listenKey = ""
	c.manager.sessions.ReleaseSessionToken(c.accountID, key)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	c.wg.Wait()
	c.manager.sessions.DetachUserChannel(c.accountID, c)
	c.releaseKey(ctx, key)
	if changed {
		c.change(from, StateClosed, nil)
	}
}

func (c *channel) releaseKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := c.manager.tokens.Close(ctx, c.accountID, key); err != nil {
		c.manager.logger.Error("listen key release failed",
			observability.F("account", c.accountID),
			observability.F("error", err))
	}
}

func (c *channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	m := c.manager
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.degrade(binance.ReadError(err))
			return
		}
		if !m.current(c) || c.State() != StateOpen {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		event, err := binance.DecodeUserEvent(data)
		if err != nil {
			m.malformed.Add(ctx, 1, metric.WithAttributes(
				append(telemetry.AccountAttributes(c.accountID), telemetry.AttrChannel.String(telemetry.ChannelUser))...))
			m.logger.Error("dropping malformed user message",
				observability.F("account", c.accountID),
				observability.F("error", err))
			continue
		}
		switch event.Kind {
		case binance.UserEventListenKeyExpired:
			c.degrade(ErrListenKeyExpired)
			return
		case binance.UserEventOrder:
			m.routeOrder(c.accountID, *event.Order)
		case binance.UserEventAccount:
			m.routePositions(c.accountID, event.Positions)
			m.routeBalances(c.accountID, event.Balances)
		case binance.UserEventMarginCall:
			m.logger.Info("margin call received", observability.F("account", c.accountID))
		}
	}
}

// keepAlive renews the listen key on a fixed interval. A tick outside Open is a
// no-op. A rejected renewal degrades the channel; transport failures are retried
// on the next tick.
func (c *channel) keepAlive(ctx context.Context, key string) {
	m := c.manager
	ticker := time.NewTicker(m.cfg.UserStreamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateOpen {
				continue
			}
			err := m.tokens.KeepAlive(ctx, c.accountID, key)
			result := "success"
			if err != nil {
				result = "error"
			}
			m.keepAlives.Add(ctx, 1, metric.WithAttributes(
				telemetry.OperationResultAttributes(c.accountID, "listen_key_keepalive", result)...))
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("listen key keepalive failed",
				observability.F("account", c.accountID),
				observability.F("error", err))
			if !errs.IsCode(err, errs.CodeNetwork) && !errs.IsCode(err, errs.CodeRateLimited) {
				c.degrade(err)
				return
			}
		}
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

var _ session.Releaser = (*Manager)(nil)
