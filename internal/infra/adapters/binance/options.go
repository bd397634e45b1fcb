package binance

import (
	"strings"
	"time"

	"github.com/coachpo/venuelink/internal/domain/credentialstore"
)

// Exchange is the identifier stamped on errors and metrics.
const Exchange = "binance-usdm"

type metadata struct {
	listenKeyPath    string
	positionRiskPath string
	openOrdersPath   string
	markPriceSuffix  string
}

var futuresMetadata = metadata{
	listenKeyPath:    "/fapi/v1/listenKey",
	positionRiskPath: "/fapi/v2/positionRisk",
	openOrdersPath:   "/fapi/v1/openOrders",
	markPriceSuffix:  "@markPrice@1s",
}

const (
	defaultHTTPTimeout          = 10 * time.Second
	defaultRecvWindow           = 5 * time.Second
	defaultSandboxRecvWindow    = 10 * time.Second
	defaultRequestsPerSecond    = 20
	defaultRequestBurst         = 10
	defaultServerRetryDelay     = 500 * time.Millisecond
	defaultUserStreamKeepAlive  = 30 * time.Minute
	defaultHandshakeTimeout     = 10 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
)

// Config captures overridable REST and stream settings.
type Config struct {
	HTTPTimeout          time.Duration
	RecvWindow           time.Duration
	SandboxRecvWindow    time.Duration
	RequestsPerSecond    float64
	RequestBurst         int
	ServerRetryDelay     time.Duration
	UserStreamKeepAlive  time.Duration
	HandshakeTimeout     time.Duration
	MaxReconnectInterval time.Duration
	MarkPriceSuffix      string
}

// WithDefaults fills zero fields with production defaults.
func (c Config) WithDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = defaultRecvWindow
	}
	if c.SandboxRecvWindow <= 0 {
		c.SandboxRecvWindow = defaultSandboxRecvWindow
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRequestsPerSecond
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = defaultRequestBurst
	}
	if c.ServerRetryDelay <= 0 {
		c.ServerRetryDelay = defaultServerRetryDelay
	}
	if c.UserStreamKeepAlive <= 0 {
		c.UserStreamKeepAlive = defaultUserStreamKeepAlive
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if strings.TrimSpace(c.MarkPriceSuffix) == "" {
		c.MarkPriceSuffix = futuresMetadata.markPriceSuffix
	}
	return c
}

// RecvWindowFor sizes the receive window to the account's environment.
func (c Config) RecvWindowFor(env credentialstore.Environment) time.Duration {
	if env == credentialstore.EnvironmentSandbox {
		return c.SandboxRecvWindow
	}
	return c.RecvWindow
}

func restEndpoint(base, path string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// MarkPriceStreamURL builds the public mark-price stream URL for symbol.
func MarkPriceStreamURL(wsMarketBaseURL, symbol, suffix string) string {
	if strings.TrimSpace(suffix) == "" {
		suffix = futuresMetadata.markPriceSuffix
	}
	return restEndpoint(wsMarketBaseURL, "/ws/"+strings.ToLower(strings.TrimSpace(symbol))+suffix)
}

// UserStreamURL builds the private user-data stream URL for listenKey.
func UserStreamURL(wsUserBaseURL, listenKey string) string {
	return restEndpoint(wsUserBaseURL, "/ws/"+strings.TrimSpace(listenKey))
}

// PositionRiskPath is the signed endpoint returning positions.
func PositionRiskPath() string { return futuresMetadata.positionRiskPath }

// OpenOrdersPath is the signed endpoint returning open orders.
func OpenOrdersPath() string { return futuresMetadata.openOrdersPath }
