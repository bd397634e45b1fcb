// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/venuelink/internal/app/ratelimit"
	"github.com/coachpo/venuelink/internal/app/reconcile"
	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/infra/adapters/binance"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

// EnvVar overrides the configured environment when set.
const EnvVar = "VENUELINK_ENV"

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

const defaultWorkers = 4

// WorkerSetting encapsulates a concurrency setting allowing both numeric and symbolic values.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker setting.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{kind: workerDefault}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = WorkerSetting{kind: workerUnset}
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	case "default":
		*s = WorkerSetting{kind: workerDefault}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("maxConcurrency: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("maxConcurrency: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// Resolve returns the effective worker count.
func (s WorkerSetting) Resolve() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultWorkers
	default:
		return defaultWorkers
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/venuelink"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// StoreBackend selects where credentials are read from.
type StoreBackend string

const (
	// BackendPostgres reads credentials and writes the ledger through pgx.
	BackendPostgres StoreBackend = "postgres"
	// BackendSQLite reads credentials from a local gorm-managed database.
	BackendSQLite StoreBackend = "sqlite"
)

// CredentialStoreConfig selects the credential backend.
type CredentialStoreConfig struct {
	Backend    StoreBackend `yaml:"backend"`
	SQLitePath string       `yaml:"sqlitePath"`
}

// ExchangeConfig overrides REST and stream settings of the exchange adapter.
type ExchangeConfig struct {
	HTTPTimeout          time.Duration `yaml:"httpTimeout"`
	RecvWindow           time.Duration `yaml:"recvWindow"`
	SandboxRecvWindow    time.Duration `yaml:"sandboxRecvWindow"`
	RequestsPerSecond    float64       `yaml:"requestsPerSecond"`
	RequestBurst         int           `yaml:"requestBurst"`
	ServerRetryDelay     time.Duration `yaml:"serverRetryDelay"`
	UserStreamKeepAlive  time.Duration `yaml:"userStreamKeepAlive"`
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval"`
	MarkPriceSuffix      string        `yaml:"markPriceSuffix"`
}

// Adapter converts the section into adapter settings with defaults filled.
func (c ExchangeConfig) Adapter() binance.Config {
	return binance.Config{
		HTTPTimeout:          c.HTTPTimeout,
		RecvWindow:           c.RecvWindow,
		SandboxRecvWindow:    c.SandboxRecvWindow,
		RequestsPerSecond:    c.RequestsPerSecond,
		RequestBurst:         c.RequestBurst,
		ServerRetryDelay:     c.ServerRetryDelay,
		UserStreamKeepAlive:  c.UserStreamKeepAlive,
		HandshakeTimeout:     c.HandshakeTimeout,
		MaxReconnectInterval: c.MaxReconnectInterval,
		MarkPriceSuffix:      strings.TrimSpace(c.MarkPriceSuffix),
	}.WithDefaults()
}

// SessionConfig tunes the account session registry.
type SessionConfig struct {
	CredentialTTL time.Duration `yaml:"credentialTTL"`
}

// LimitConfig declares one exchange quota, e.g. REQUEST_WEIGHT over 1m.
type LimitConfig struct {
	Type     string        `yaml:"type"`
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
}

// RateLimitConfig tunes usage tracking.
type RateLimitConfig struct {
	AlertThreshold float64       `yaml:"alertThreshold"`
	Limits         []LimitConfig `yaml:"limits"`
}

// TrackerLimits converts the configured quotas, falling back to the exchange defaults.
func (c RateLimitConfig) TrackerLimits() []ratelimit.Limit {
	if len(c.Limits) == 0 {
		return ratelimit.DefaultLimits()
	}
	out := make([]ratelimit.Limit, 0, len(c.Limits))
	for _, l := range c.Limits {
		n, unit := intervalUnit(l.Interval)
		out = append(out, ratelimit.Limit{
			Type:        strings.ToUpper(strings.TrimSpace(l.Type)),
			IntervalNum: n,
			Unit:        unit,
			Limit:       l.Limit,
		})
	}
	return out
}

func intervalUnit(d time.Duration) (int, ratelimit.Unit) {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return int(d / (24 * time.Hour)), ratelimit.UnitDay
	case d >= time.Hour && d%time.Hour == 0:
		return int(d / time.Hour), ratelimit.UnitHour
	case d >= time.Minute && d%time.Minute == 0:
		return int(d / time.Minute), ratelimit.UnitMinute
	default:
		return int(d / time.Second), ratelimit.UnitSecond
	}
}

// ReconcileConfig tunes the reconciliation scheduler.
type ReconcileConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Interval       time.Duration `yaml:"interval"`
	MaxConcurrency WorkerSetting `yaml:"maxConcurrency"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// Apply overlays the section onto base, keeping base values for empty fields.
func (c TelemetryConfig) Apply(base telemetry.Config, env Environment) telemetry.Config {
	if c.OTLPEndpoint != "" {
		base.OTLPEndpoint = c.OTLPEndpoint
	}
	if c.ServiceName != "" {
		base.ServiceName = c.ServiceName
	}
	base.OTLPInsecure = base.OTLPInsecure || c.OTLPInsecure
	base.EnableMetrics = base.EnableMetrics && c.EnableMetrics
	if env != "" {
		base.Environment = string(env)
	}
	return base
}

// AccountConfig lists an account hydrated at startup.
type AccountConfig struct {
	ID         int64    `yaml:"id"`
	Symbols    []string `yaml:"symbols"`
	UserStream bool     `yaml:"userStream"`
}

// AppConfig is the unified venuelink configuration sourced from YAML.
type AppConfig struct {
	Environment     Environment           `yaml:"environment"`
	Database        DatabaseConfig        `yaml:"database"`
	CredentialStore CredentialStoreConfig `yaml:"credentialStore"`
	Exchange        ExchangeConfig        `yaml:"exchange"`
	Session         SessionConfig         `yaml:"session"`
	RateLimit       RateLimitConfig       `yaml:"rateLimit"`
	Reconcile       ReconcileConfig       `yaml:"reconcile"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Accounts        []AccountConfig       `yaml:"accounts"`
}

// Default returns a validated configuration with every default applied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Reconcile:   ReconcileConfig{Enabled: true},
		Telemetry:   TelemetryConfig{EnableMetrics: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{
		Reconcile: ReconcileConfig{Enabled: true},
		Telemetry: TelemetryConfig{EnableMetrics: true},
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, returning Default when the path is empty or missing.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if override := strings.TrimSpace(os.Getenv(EnvVar)); override != "" {
		c.Environment = Environment(strings.ToLower(override))
	}
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Database.applyDefaults()

	c.CredentialStore.Backend = StoreBackend(strings.ToLower(strings.TrimSpace(string(c.CredentialStore.Backend))))
	if c.CredentialStore.Backend == "" {
		c.CredentialStore.Backend = BackendPostgres
	}
	c.CredentialStore.SQLitePath = strings.TrimSpace(c.CredentialStore.SQLitePath)
	if c.CredentialStore.Backend == BackendSQLite && c.CredentialStore.SQLitePath == "" {
		c.CredentialStore.SQLitePath = "venuelink.db"
	}

	if c.Session.CredentialTTL == 0 {
		c.Session.CredentialTTL = session.DefaultCredentialTTL
	}
	if c.RateLimit.AlertThreshold <= 0 {
		c.RateLimit.AlertThreshold = ratelimit.DefaultAlertThreshold
	}
	if c.Reconcile.Cooldown <= 0 {
		c.Reconcile.Cooldown = reconcile.DefaultCooldown
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = time.Minute
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	seen := make(map[int64]struct{}, len(c.Accounts))
	for i := range c.Accounts {
		acct := &c.Accounts[i]
		if _, dup := seen[acct.ID]; dup {
			return fmt.Errorf("duplicate account id %d", acct.ID)
		}
		seen[acct.ID] = struct{}{}
		symbols := make([]string, 0, len(acct.Symbols))
		known := make(map[string]struct{}, len(acct.Symbols))
		for _, sym := range acct.Symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				continue
			}
			if _, ok := known[sym]; ok {
				continue
			}
			known[sym] = struct{}{}
			symbols = append(symbols, sym)
		}
		acct.Symbols = symbols
	}

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.CredentialStore.Backend {
	case BackendPostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case BackendSQLite:
		if c.CredentialStore.SQLitePath == "" {
			return fmt.Errorf("credentialStore sqlitePath required")
		}
	default:
		return fmt.Errorf("credentialStore backend must be one of postgres, sqlite")
	}

	if c.Exchange.RequestsPerSecond < 0 {
		return fmt.Errorf("exchange requestsPerSecond must be >= 0")
	}
	if c.Exchange.RequestBurst < 0 {
		return fmt.Errorf("exchange requestBurst must be >= 0")
	}
	if c.Exchange.RecvWindow > 60*time.Second || c.Exchange.SandboxRecvWindow > 60*time.Second {
		return fmt.Errorf("exchange recvWindow must not exceed 60s")
	}

	if c.Session.CredentialTTL < 0 {
		return fmt.Errorf("session credentialTTL must be >= 0")
	}
	if c.RateLimit.AlertThreshold > 1 {
		return fmt.Errorf("rateLimit alertThreshold must be in (0, 1]")
	}
	for _, l := range c.RateLimit.Limits {
		if strings.TrimSpace(l.Type) == "" {
			return fmt.Errorf("rateLimit limits: type required")
		}
		if l.Interval < time.Second {
			return fmt.Errorf("rateLimit limits %s: interval must be >= 1s", l.Type)
		}
		if l.Limit <= 0 {
			return fmt.Errorf("rateLimit limits %s: limit must be > 0", l.Type)
		}
	}

	for _, acct := range c.Accounts {
		if acct.ID <= 0 {
			return fmt.Errorf("accounts: id must be > 0")
		}
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
