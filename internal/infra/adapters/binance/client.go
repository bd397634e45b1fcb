// Package binance implements the USDⓈ-M futures wire protocol: signed REST calls,
// listen-key management, websocket streams, and payload decoding.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/app/ratelimit"
	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/observability"
)

// Exchange error codes that indicate rejected credentials or signatures.
var authRejectCodes = map[int64]struct{}{
	-1022: {}, // invalid signature
	-2014: {}, // API-key format invalid
	-2015: {}, // invalid API-key, IP, or permissions
}

// SessionSource is the subset of the session manager the client depends on.
type SessionSource interface {
	Load(ctx context.Context, accountID int64, opts ...session.LoadOption) (*session.Session, error)
	Invalidate(accountID int64)
	MarkUnusable(accountID int64)
}

// UsageRecorder ingests rate-limit headers and answers saturation queries.
type UsageRecorder interface {
	Record(accountID int64, entries []ratelimit.Entry)
	Saturated(accountID int64) bool
}

type security int

const (
	securitySigned security = iota
	securityAPIKey
)

// Response is a completed exchange response with a 2xx status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ClientOption configures a SignedClient.
type ClientOption func(*SignedClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *SignedClient) {
		if client != nil {
			c.http = client
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *SignedClient) {
		if now != nil {
			c.now = now
		}
	}
}

// WithClientLogger overrides the client logger.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *SignedClient) {
		c.logger = logger
	}
}

// SignedClient issues HMAC-signed REST calls on behalf of accounts.
type SignedClient struct {
	cfg      Config
	sessions SessionSource
	usage    UsageRecorder
	http     *http.Client
	now      func() time.Time
	logger   observability.Logger
	metrics  *clientMetrics

	limiterMu sync.Mutex
	limiters  map[int64]*rate.Limiter
}

// NewSignedClient constructs a client reading sessions through sessions.
// usage may be nil.
func NewSignedClient(cfg Config, sessions SessionSource, usage UsageRecorder, opts ...ClientOption) *SignedClient {
	c := &SignedClient{
		cfg:      cfg.WithDefaults(),
		sessions: sessions,
		usage:    usage,
		now:      time.Now,
		limiters: make(map[int64]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.cfg.HTTPTimeout}
	}
	c.logger = observability.Or(c.logger)
	c.metrics = newClientMetrics()
	return c
}

// Config returns the effective client configuration.
func (c *SignedClient) Config() Config { return c.cfg }

// Call issues a signed request. params may be nil and is never mutated.
func (c *SignedClient) Call(ctx context.Context, accountID int64, method, path string, params url.Values) (*Response, error) {
	return c.call(ctx, accountID, method, path, params, securitySigned)
}

// CallJSON issues a signed request and decodes the body into out.
func (c *SignedClient) CallJSON(ctx context.Context, accountID int64, method, path string, params url.Values, out any) error {
	resp, err := c.Call(ctx, accountID, method, path, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return errs.Malformed(Exchange, fmt.Errorf("decode %s %s: %w", method, path, err), errs.WithAccount(accountID))
	}
	return nil
}

// CallUserStream issues an API-key-only request, as required by listen-key endpoints.
func (c *SignedClient) CallUserStream(ctx context.Context, accountID int64, method, path string, params url.Values) (*Response, error) {
	return c.call(ctx, accountID, method, path, params, securityAPIKey)
}

func (c *SignedClient) call(ctx context.Context, accountID int64, method, path string, params url.Values, sec security) (*Response, error) {
	start := time.Now()
	resp, err := c.execute(ctx, accountID, method, path, params, sec)
	c.metrics.recordRequest(ctx, accountID, method, path, classifyResult(err), time.Since(start))
	return resp, err
}

func (c *SignedClient) execute(ctx context.Context, accountID int64, method, path string, params url.Values, sec security) (*Response, error) {
	if c.sessions == nil {
		return nil, fmt.Errorf("binance: session source not configured")
	}
	sess, err := c.sessions.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !sess.Usable {
		return nil, errs.Auth(Exchange, accountID,
			errs.WithCanonicalCode(errs.CanonicalSessionUnusable),
			errs.WithMessage("session unusable until credentials are reloaded"))
	}

	var serverBackoff *backoff.ExponentialBackOff
	authRetried := false
	for {
		if err := c.admit(ctx, accountID); err != nil {
			return nil, err
		}
		resp, err := c.dispatch(ctx, sess, method, path, params, sec)
		if err != nil {
			return nil, err
		}
		status := resp.StatusCode
		if status >= 200 && status < 300 {
			return resp, nil
		}
		apiErr := decodeAPIError(resp.Body)

		switch {
		case isAuthRejection(status, apiErr):
			if authRetried {
				c.sessions.MarkUnusable(accountID)
				c.logger.Error("signed request rejected after credential refresh",
					observability.F("account", accountID),
					observability.F("path", path),
					observability.F("status", status))
				return nil, errs.Auth(Exchange, accountID, apiErrorOptions(status, apiErr)...)
			}
			authRetried = true
			c.metrics.recordRetry(ctx, accountID, "auth")
			c.sessions.Invalidate(accountID)
			sess, err = c.sessions.Load(ctx, accountID, session.ForceRefresh())
			if err != nil {
				return nil, err
			}
		case status == http.StatusTooManyRequests || status == http.StatusTeapot:
			c.logger.Info("exchange rate limit response",
				observability.F("account", accountID),
				observability.F("path", path),
				observability.F("status", status))
			return nil, errs.RateLimited(Exchange, accountID, apiErrorOptions(status, apiErr)...)
		case status >= http.StatusInternalServerError:
			if serverBackoff != nil {
				return nil, errs.New(Exchange, errs.CodeExchange, append(apiErrorOptions(status, apiErr), errs.WithAccount(accountID))...)
			}
			serverBackoff = backoff.NewExponentialBackOff()
			serverBackoff.InitialInterval = c.cfg.ServerRetryDelay
			c.metrics.recordRetry(ctx, accountID, "server_error")
			if err := sleepContext(ctx, serverBackoff.NextBackOff()); err != nil {
				return nil, errs.Transport(Exchange, err, errs.WithAccount(accountID))
			}
		default:
			return nil, errs.New(Exchange, errs.CodeInvalid, append(apiErrorOptions(status, apiErr), errs.WithAccount(accountID))...)
		}
	}
}

// admit applies the local soft throttle before any bytes leave the process.
func (c *SignedClient) admit(ctx context.Context, accountID int64) error {
	if c.usage != nil && c.usage.Saturated(accountID) {
		return errs.RateLimited(Exchange, accountID,
			errs.WithCanonicalCode(errs.CanonicalBudgetExhausted),
			errs.WithMessage("local rate-limit budget exhausted"))
	}
	if err := c.limiter(accountID).Wait(ctx); err != nil {
		return errs.RateLimited(Exchange, accountID,
			errs.WithCanonicalCode(errs.CanonicalBudgetExhausted),
			errs.WithCause(err))
	}
	return nil
}

func (c *SignedClient) limiter(accountID int64) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	lim, ok := c.limiters[accountID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.RequestBurst)
		c.limiters[accountID] = lim
	}
	return lim
}

func (c *SignedClient) dispatch(ctx context.Context, sess *session.Session, method, path string, params url.Values, sec security) (*Response, error) {
	creds := sess.Credentials
	endpoint := restEndpoint(creds.RESTBaseURL, path)
	if endpoint == "" {
		return nil, errs.New(Exchange, errs.CodeInvalid, errs.WithAccount(sess.AccountID), errs.WithMessage("rest base url not configured"))
	}

	payload := c.encodeParams(sess, params, sec)
	method = strings.ToUpper(strings.TrimSpace(method))
	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut:
		if payload != "" {
			body = strings.NewReader(payload)
		}
	default:
		if payload != "" {
			endpoint += "?" + payload
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return nil, errs.New(Exchange, errs.CodeInvalid, errs.WithAccount(sess.AccountID), errs.WithCause(err))
	}
	httpReq.Header.Set("X-MBX-APIKEY", creds.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errs.Transport(Exchange, fmt.Errorf("%s %s: %w", method, path, err), errs.WithAccount(sess.AccountID))
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.Transport(Exchange, fmt.Errorf("read %s response: %w", path, err), errs.WithAccount(sess.AccountID))
	}
	if c.usage != nil {
		if entries := ratelimit.ParseHeaders(httpResp.Header); len(entries) > 0 {
			c.usage.Record(sess.AccountID, entries)
		}
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}, nil
}

// encodeParams builds the canonical query (keys sorted, URL-encoded) and, for
// signed calls, appends the HMAC-SHA256 signature computed over it.
func (c *SignedClient) encodeParams(sess *session.Session, params url.Values, sec security) string {
	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	if sec != securitySigned {
		return query.Encode()
	}
	query.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindowFor(sess.Credentials.Environment).Milliseconds(), 10))
	query.Set("timestamp", strconv.FormatInt(c.now().UTC().UnixMilli(), 10))
	query.Del("signature")
	canonical := query.Encode()
	return canonical + "&signature=" + signPayload(canonical, sess.Credentials.APISecret)
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeAPIError(body []byte) *common.APIError {
	if len(body) == 0 {
		return nil
	}
	apiErr := new(common.APIError)
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Code == 0 && apiErr.Message == "") {
		return nil
	}
	return apiErr
}

func isAuthRejection(status int, apiErr *common.APIError) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if apiErr == nil {
		return false
	}
	_, ok := authRejectCodes[apiErr.Code]
	return ok
}

func apiErrorOptions(status int, apiErr *common.APIError) []errs.Option {
	opts := []errs.Option{errs.WithHTTP(status)}
	if apiErr != nil {
		opts = append(opts,
			errs.WithRawCode(strconv.FormatInt(apiErr.Code, 10)),
			errs.WithRawMessage(apiErr.Message))
	}
	return opts
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 || d == backoff.Stop {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
