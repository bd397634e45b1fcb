package marketstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/domain/credentialstore"
	"github.com/coachpo/venuelink/internal/infra/adapters/binance"
)

type staticStore struct {
	base string
}

func (s staticStore) Resolve(_ context.Context, accountID int64) (credentialstore.Credentials, error) {
	if accountID == 404 {
		return credentialstore.Credentials{}, errs.Credential(accountID, "account not found")
	}
	return credentialstore.Credentials{
		APIKey:          "k",
		APISecret:       "s",
		RESTBaseURL:     "http://unused",
		WSMarketBaseURL: s.base,
		WSUserBaseURL:   s.base,
		Environment:     credentialstore.EnvironmentProduction,
	}, nil
}

type markServer struct {
	srv      *httptest.Server
	accepted atomic.Int64
	mu       sync.Mutex
	paths    []string
}

// newMarkServer streams a tick followed by a garbage frame every 20ms.
func newMarkServer(t *testing.T) *markServer {
	t.Helper()
	ms := &markServer{}
	ms.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ms.accepted.Add(1)
		ms.mu.Lock()
		ms.paths = append(ms.paths, r.URL.Path)
		ms.mu.Unlock()

		symbol := strings.ToUpper(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/"), "@markPrice@1s"))
		ctx := conn.CloseRead(r.Context())
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame := `{"e":"markPriceUpdate","E":1700000000000,"s":"` + symbol + `","p":"42000.5","i":"42001","r":"0.0001"}`
				if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, []byte(`garbage`)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ms.srv.Close)
	return ms
}

func (ms *markServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ms.srv.URL, "http")
}

func newTestManager(t *testing.T, base string) (*Manager, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(staticStore{base: base})
	m := NewManager(sessions, binance.Config{HandshakeTimeout: 2 * time.Second, MaxReconnectInterval: 50 * time.Millisecond})
	sessions.RegisterReleaser(m)
	t.Cleanup(m.Shutdown)
	return m, sessions
}

func TestEnsureOpensOneChannelAndDeliversTicks(t *testing.T) {
	server := newMarkServer(t)
	m, sessions := newTestManager(t, server.wsURL())

	ticks := make(chan Tick, 64)
	cancel := m.OnTick(func(tick Tick) {
		select {
		case ticks <- tick:
		default:
		}
	})
	defer cancel()

	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx, 1, "btcusdt"))
	require.NoError(t, m.Ensure(ctx, 1, "BTCUSDT"))
	require.Equal(t, binance.StreamOpen, m.State(1, "BTCUSDT"))
	require.Equal(t, []string{"BTCUSDT"}, m.Symbols(1))

	select {
	case tick := <-ticks:
		require.Equal(t, int64(1), tick.AccountID)
		require.Equal(t, "BTCUSDT", tick.Symbol)
		require.Equal(t, "42000.5", tick.MarkPrice.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	require.Equal(t, int64(1), server.accepted.Load())
	server.mu.Lock()
	require.Equal(t, []string{"/ws/btcusdt@markPrice@1s"}, server.paths)
	server.mu.Unlock()

	sess, ok := sessions.Get(1)
	require.True(t, ok)
	view, ok := sess.MarketChannels["BTCUSDT"]
	require.True(t, ok)
	require.True(t, view.Open)
}

func TestCloseStopsDeliveryAndDetaches(t *testing.T) {
	server := newMarkServer(t)
	m, sessions := newTestManager(t, server.wsURL())

	var delivered atomic.Int64
	m.OnTick(func(Tick) { delivered.Add(1) })

	require.NoError(t, m.Ensure(context.Background(), 7, "ETHUSDT"))
	require.Eventually(t, func() bool { return delivered.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	m.Close(7, "ethusdt")
	require.Equal(t, binance.StreamClosed, m.State(7, "ETHUSDT"))
	after := delivered.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, after, delivered.Load())
	require.Equal(t, int64(1), server.accepted.Load())

	sess, _ := sessions.Get(7)
	require.NotContains(t, sess.MarketChannels, "ETHUSDT")
}

func TestOnTickCancelUnsubscribes(t *testing.T) {
	server := newMarkServer(t)
	m, _ := newTestManager(t, server.wsURL())

	var first, second atomic.Int64
	cancel := m.OnTick(func(Tick) { first.Add(1) })
	m.OnTick(func(Tick) { second.Add(1) })
	cancel()
	cancel()

	require.NoError(t, m.Ensure(context.Background(), 1, "BTCUSDT"))
	require.Eventually(t, func() bool { return second.Load() > 2 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, first.Load())
}

func TestDestroyReleasesEveryChannel(t *testing.T) {
	server := newMarkServer(t)
	m, sessions := newTestManager(t, server.wsURL())

	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx, 3, "BTCUSDT"))
	require.NoError(t, m.Ensure(ctx, 3, "ETHUSDT"))
	require.NoError(t, m.Ensure(ctx, 4, "BTCUSDT"))

	require.NoError(t, sessions.Destroy(ctx, 3))
	require.Empty(t, m.Symbols(3))
	require.Equal(t, binance.StreamOpen, m.State(4, "BTCUSDT"))
	_, ok := sessions.Get(3)
	require.False(t, ok)
}

func TestEnsureFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	sessions := session.NewManager(staticStore{base: "ws" + strings.TrimPrefix(srv.URL, "http")})
	m := NewManager(sessions, binance.Config{HandshakeTimeout: 100 * time.Millisecond, MaxReconnectInterval: 20 * time.Millisecond})

	err := m.Ensure(context.Background(), 1, "BTCUSDT")
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
	require.Equal(t, binance.StreamClosed, m.State(1, "BTCUSDT"))

	err = m.Ensure(context.Background(), 404, "BTCUSDT")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	err = m.Ensure(context.Background(), 1, " ")
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}
