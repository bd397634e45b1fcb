package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/app/ratelimit"
	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/domain/credentialstore"
)

type countingStore struct {
	mu    sync.Mutex
	calls int
	creds credentialstore.Credentials
}

func (s *countingStore) Resolve(_ context.Context, _ int64) (credentialstore.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.creds, nil
}

func (s *countingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var fixedNow = time.UnixMilli(1_700_000_000_123)

func newTestClient(t *testing.T, handler http.HandlerFunc, env credentialstore.Environment) (*SignedClient, *session.Manager, *countingStore, *ratelimit.Tracker) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := &countingStore{creds: credentialstore.Credentials{
		APIKey:          "test-key",
		APISecret:       "test-secret",
		RESTBaseURL:     srv.URL,
		WSMarketBaseURL: "ws://unused",
		WSUserBaseURL:   "ws://unused",
		Environment:     env,
	}}
	sessions := session.NewManager(store)
	tracker := ratelimit.NewTracker(ratelimit.WithSink(sessions))
	client := NewSignedClient(Config{ServerRetryDelay: time.Millisecond, RequestsPerSecond: 1000, RequestBurst: 100},
		sessions, tracker, WithClock(func() time.Time { return fixedNow }))
	return client, sessions, store, tracker
}

func TestCallSignsCanonicalQuery(t *testing.T) {
	var rawQuery, apiKey string
	client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		apiKey = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(`{}`))
	}, credentialstore.EnvironmentProduction)

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", params)
	require.NoError(t, err)
	require.Equal(t, "test-key", apiKey)
	require.Empty(t, params.Get("signature"))

	idx := strings.LastIndex(rawQuery, "&signature=")
	require.Positive(t, idx)
	canonical := rawQuery[:idx]
	require.Equal(t, "recvWindow=5000&symbol=BTCUSDT&timestamp=1700000000123", canonical)
	require.Equal(t, signPayload(canonical, "test-secret"), rawQuery[idx+len("&signature="):])
}

func TestSandboxUsesWiderRecvWindow(t *testing.T) {
	var query url.Values
	client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{}`))
	}, credentialstore.EnvironmentSandbox)

	_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v2/positionRisk", nil)
	require.NoError(t, err)
	require.Equal(t, "10000", query.Get("recvWindow"))
}

func TestPostSendsFormBody(t *testing.T) {
	var body url.Values
	client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		body = r.PostForm
		_, _ = w.Write([]byte(`{}`))
	}, credentialstore.EnvironmentProduction)

	params := url.Values{"symbol": {"ETHUSDT"}}
	_, err := client.Call(context.Background(), 1, http.MethodPost, "/fapi/v1/order", params)
	require.NoError(t, err)
	require.Equal(t, "ETHUSDT", body.Get("symbol"))
	require.NotEmpty(t, body.Get("signature"))
}

func TestAuthRejectionRetriesOnceThenFails(t *testing.T) {
	var hits atomic.Int64
	client, sessions, store, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`))
	}, credentialstore.EnvironmentProduction)

	_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v2/positionRisk", nil)
	require.True(t, errs.IsCode(err, errs.CodeAuth))
	require.Equal(t, int64(2), hits.Load())
	require.Equal(t, 2, store.Calls())

	sess, ok := sessions.Get(1)
	require.True(t, ok)
	require.False(t, sess.Usable)

	_, err = client.Call(context.Background(), 1, http.MethodGet, "/fapi/v2/positionRisk", nil)
	require.True(t, errs.IsCode(err, errs.CodeAuth))
	require.Equal(t, int64(2), hits.Load())
}

func TestAuthRejectionRecoversAfterReload(t *testing.T) {
	var hits atomic.Int64
	client, _, store, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, credentialstore.EnvironmentProduction)

	resp, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(resp.Body))
	require.Equal(t, int64(2), hits.Load())
	require.Equal(t, 2, store.Calls())
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		code   errs.Code
		hits   int64
	}{
		{name: "too many requests", status: http.StatusTooManyRequests, body: `{"code":-1003,"msg":"Too many requests"}`, code: errs.CodeRateLimited, hits: 1},
		{name: "ip banned", status: http.StatusTeapot, code: errs.CodeRateLimited, hits: 1},
		{name: "bad request", status: http.StatusBadRequest, body: `{"code":-1102,"msg":"Mandatory parameter missing"}`, code: errs.CodeInvalid, hits: 1},
		{name: "server error twice", status: http.StatusBadGateway, code: errs.CodeExchange, hits: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int64
			client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}, credentialstore.EnvironmentProduction)

			_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", nil)
			require.True(t, errs.IsCode(err, tc.code), "got %v", err)
			require.Equal(t, tc.hits, hits.Load())
		})
	}
}

func TestServerErrorRetriedOnce(t *testing.T) {
	var hits atomic.Int64
	client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}, credentialstore.EnvironmentProduction)

	_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestRateLimitHeadersReachTrackerAndSession(t *testing.T) {
	client, sessions, _, tracker := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		w.Header().Set("X-MBX-ORDER-COUNT-10S", "3")
		_, _ = w.Write([]byte(`{}`))
	}, credentialstore.EnvironmentProduction)

	_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", nil)
	require.NoError(t, err)

	status := tracker.Status(1)
	require.Equal(t, 42, status["REQUEST_WEIGHT_1M"].Count)
	require.Equal(t, 3, status["ORDERS_10S"].Count)

	sess, _ := sessions.Get(1)
	require.Equal(t, 42, sess.RateLimits["REQUEST_WEIGHT_1M"].Count)
}

func TestSaturatedBudgetRefusesWithoutDispatch(t *testing.T) {
	var hits atomic.Int64
	client, _, _, tracker := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}, credentialstore.EnvironmentProduction)

	tracker.Record(1, []ratelimit.Entry{{Type: ratelimit.TypeRequestWeight, IntervalNum: 1, Unit: ratelimit.UnitDay, Count: 10, Limit: 10}})
	_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", nil)
	require.True(t, errs.IsCode(err, errs.CodeRateLimited))
	require.Zero(t, hits.Load())
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	store := &countingStore{creds: credentialstore.Credentials{
		APIKey: "k", APISecret: "s", RESTBaseURL: base, WSMarketBaseURL: "ws://x", WSUserBaseURL: "ws://x",
	}}
	client := NewSignedClient(Config{}, session.NewManager(store), nil)
	_, err := client.Call(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", nil)
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
}

func TestCallJSONMalformedBody(t *testing.T) {
	client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}, credentialstore.EnvironmentProduction)

	var out []map[string]any
	err := client.CallJSON(context.Background(), 1, http.MethodGet, "/fapi/v1/openOrders", nil, &out)
	require.True(t, errs.IsCode(err, errs.CodeMalformed))
}

func TestListenKeyLifecycleUsesAPIKeyOnly(t *testing.T) {
	type call struct {
		method string
		query  url.Values
		form   url.Values
	}
	var mu sync.Mutex
	var calls []call
	client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		require.NoError(t, r.ParseForm())
		mu.Lock()
		calls = append(calls, call{method: r.Method, query: r.URL.Query(), form: r.PostForm})
		mu.Unlock()
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"listenKey":"lk-123"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}, credentialstore.EnvironmentProduction)

	keys := NewListenKeys(client)
	key, err := keys.Create(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "lk-123", key)
	require.NoError(t, keys.KeepAlive(context.Background(), 1, key))
	require.NoError(t, keys.Close(context.Background(), 1, key))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	require.Equal(t, http.MethodPost, calls[0].method)
	require.Equal(t, http.MethodPut, calls[1].method)
	require.Equal(t, "lk-123", calls[1].form.Get("listenKey"))
	require.Equal(t, http.MethodDelete, calls[2].method)
	require.Equal(t, "lk-123", calls[2].query.Get("listenKey"))
	for _, c := range calls {
		require.Empty(t, c.query.Get("signature"))
		require.Empty(t, c.form.Get("signature"))
	}
}

func TestListenKeyCreateRejectsEmptyKey(t *testing.T) {
	client, _, _, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"listenKey":""}`))
	}, credentialstore.EnvironmentProduction)

	_, err := NewListenKeys(client).Create(context.Background(), 1)
	require.True(t, errs.IsCode(err, errs.CodeMalformed))
}

func TestStreamURLs(t *testing.T) {
	require.Equal(t, "wss://fstream.binance.com/ws/btcusdt@markPrice@1s", MarkPriceStreamURL("wss://fstream.binance.com/", "BTCUSDT", ""))
	require.Equal(t, "wss://fstream.binance.com/ws/abc", UserStreamURL("wss://fstream.binance.com", " abc "))
}
