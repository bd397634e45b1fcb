package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/coachpo/venuelink/internal/observability"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 5 * time.Second
	readLimit    = 2 * 1024 * 1024
)

// StreamState is the lifecycle state of a reconnecting stream.
type StreamState string

const (
	StreamConnecting   StreamState = "connecting"
	StreamOpen         StreamState = "open"
	StreamReconnecting StreamState = "reconnecting"
	StreamClosed       StreamState = "closed"
)

// StreamOptions configure a reconnecting stream.
type StreamOptions struct {
	AccountID            int64
	Symbol               string
	Channel              string
	HandshakeTimeout     time.Duration
	MaxReconnectInterval time.Duration
	Handler              func([]byte)
	OnState              func(StreamState)
	Logger               observability.Logger
}

// Stream keeps a single URL-addressed websocket alive, reconnecting with
// capped exponential backoff until Stop is called.
type Stream struct {
	id   string
	url  string
	opts StreamOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn   *websocket.Conn
	connMu sync.RWMutex

	stateMu sync.Mutex
	state   StreamState

	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once

	metrics *streamMetrics
	logger  observability.Logger
}

// NewStream creates a stream bound to parent. It does not dial until Start.
func NewStream(parent context.Context, url string, opts StreamOptions) *Stream {
	if parent == nil {
		parent = context.Background()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		id:      uuid.NewString(),
		url:     url,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		metrics: newStreamMetrics(opts.Channel),
		logger:  observability.Or(opts.Logger),
	}
	s.state = StreamConnecting
	return s
}

// ID uniquely identifies this stream instance.
func (s *Stream) ID() string { return s.id }

// Open reports whether a connection is currently established.
func (s *Stream) Open() bool { return s.State() == StreamOpen }

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// setState applies a transition; Closed is terminal.
func (s *Stream) setState(state StreamState) {
	s.stateMu.Lock()
	if s.state == state || s.state == StreamClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = state
	s.stateMu.Unlock()
	if s.opts.OnState != nil {
		s.opts.OnState(state)
	}
}

// Start launches the connection loop and waits for the first connection up to
// the handshake timeout. On timeout the loop keeps retrying in the background.
func (s *Stream) Start() error {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.done)
			s.connect()
		}()
	})

	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-timer.C:
		return errors.New("timeout waiting for websocket connection")
	case <-s.ctx.Done():
		return fmt.Errorf("stream context done: %w", s.ctx.Err())
	}
}

// Stop cancels the stream, closes the transport, and waits for the loop to exit.
// No reconnect happens after Stop. It must not be called from the Handler.
func (s *Stream) Stop() {
	s.setState(StreamClosed)
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	// a stream that never started has no loop to wait for
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// connect maintains the connection until the stream context ends.
func (s *Stream) connect() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = s.opts.MaxReconnectInterval

	for {
		if s.ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
		start := time.Now()
		conn, _, err := websocket.Dial(dialCtx, s.url, nil)
		cancel()
		if err != nil {
			s.metrics.recordDial(s.ctx, s.opts.AccountID, s.opts.Symbol, "error", time.Since(start))
			if s.ctx.Err() == nil {
				s.logger.Error("stream dial failed",
					observability.F("account", s.opts.AccountID),
					observability.F("symbol", s.opts.Symbol),
					observability.F("error", err))
			}
			if !s.wait(backoffCfg) {
				return
			}
			continue
		}
		s.metrics.recordDial(s.ctx, s.opts.AccountID, s.opts.Symbol, "success", time.Since(start))
		conn.SetReadLimit(readLimit)

		s.connMu.Lock()
		if s.ctx.Err() != nil {
			s.connMu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return
		}
		s.conn = conn
		s.connMu.Unlock()

		s.setState(StreamOpen)
		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if s.ctx.Err() != nil {
			return
		}
		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			s.logger.Error("stream connection lost",
				observability.F("account", s.opts.AccountID),
				observability.F("symbol", s.opts.Symbol),
				observability.F("error", firstErr))
		}
		s.setState(StreamReconnecting)
		if !s.wait(backoffCfg) {
			return
		}
	}
}

// wait sleeps for the next backoff interval. It returns false once the stream is cancelled.
func (s *Stream) wait(b *backoff.ExponentialBackOff) bool {
	sleep := b.NextBackOff()
	if sleep == backoff.Stop {
		sleep = s.opts.MaxReconnectInterval
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return classifyReadError(err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.metrics.recordMessage(ctx, s.opts.AccountID, s.opts.Symbol, len(data))
		if s.opts.Handler != nil {
			s.opts.Handler(data)
		}
	}
}

// pingLoop periodically pings to detect stale sockets.
func pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return classifyReadError(err)
			}
		}
	}
}

// ErrRemoteClosed reports a close frame from the exchange.
var ErrRemoteClosed = errors.New("remote closed")

// classifyReadError maps local cancellation to context.Canceled and surfaces
// remote close codes.
func classifyReadError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return context.Canceled
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Errorf("%w with status %d", ErrRemoteClosed, status)
	}
	return fmt.Errorf("read: %w", err)
}

// DialStream opens a single websocket connection bounded by timeout, used by
// channels that must not reconnect on their own.
func DialStream(ctx context.Context, url string, timeout time.Duration) (*websocket.Conn, error) {
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// ReadError normalises a websocket read error for callers outside this package.
func ReadError(err error) error {
	return classifyReadError(err)
}
