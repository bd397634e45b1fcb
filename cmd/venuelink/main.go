// Command venuelink runs account sessions, exchange channels, and
// reconciliation for the configured futures accounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"

	"github.com/coachpo/venuelink/internal/app/marketstream"
	"github.com/coachpo/venuelink/internal/app/ratelimit"
	"github.com/coachpo/venuelink/internal/app/reconcile"
	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/app/userstream"
	"github.com/coachpo/venuelink/internal/domain/credentialstore"
	"github.com/coachpo/venuelink/internal/domain/ledger"
	"github.com/coachpo/venuelink/internal/infra/adapters/binance"
	"github.com/coachpo/venuelink/internal/infra/config"
	"github.com/coachpo/venuelink/internal/infra/persistence/migrations"
	"github.com/coachpo/venuelink/internal/infra/persistence/postgres"
	"github.com/coachpo/venuelink/internal/infra/persistence/sqlite"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
	"github.com/coachpo/venuelink/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "venuelink "
	shutdownTimeout          = 30 * time.Second
	sessionsShutdownTimeout  = 10 * time.Second
	streamsShutdownTimeout   = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	debug      bool
}

func main() {
	opts := parseFlags(os.Args[1:])
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, backend=%s, accounts=%d",
		appCfg.Environment, appCfg.CredentialStore.Backend, len(appCfg.Accounts))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	stores, err := openStores(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("open stores: %v", err)
	}
	defer stores.close()

	rt := buildRuntime(appCfg, stores)
	rt.observe(logger)
	bootstrapAccounts(ctx, logger, appCfg.Accounts, rt)

	var lifecycle conc.WaitGroup
	if appCfg.Reconcile.Enabled {
		lifecycle.Go(func() {
			if err := rt.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("reconcile scheduler: %v", err)
			}
		})
		logger.Printf("reconcile scheduler started: targets=%d, interval=%s, cooldown=%s",
			len(rt.scheduler.Targets()), appCfg.Reconcile.Interval, appCfg.Reconcile.Cooldown)
	}

	logger.Print("venuelink started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		runtime:    rt,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags(args []string) options {
	fs := pflag.NewFlagSet("venuelink", pflag.ExitOnError)
	var opts options
	fs.StringVarP(&opts.configPath, "config", "c", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	_ = fs.Parse(args)
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.Telemetry.Apply(telemetry.DefaultConfig(), appCfg.Environment)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type stores struct {
	credentials credentialstore.Store
	ledger      ledger.Store
	closers     []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*stores, error) {
	switch appCfg.CredentialStore.Backend {
	case config.BackendSQLite:
		db, err := sqlite.Open(appCfg.CredentialStore.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := sqlite.InitTables(db); err != nil {
			return nil, fmt.Errorf("init sqlite tables: %w", err)
		}
		out := &stores{credentials: sqlite.NewCredentialStore(db)}
		if sqlDB, err := db.DB(); err == nil {
			out.closers = append(out.closers, func() { _ = sqlDB.Close() })
		}
		logger.Printf("credential store: sqlite %s (ledger disabled)", appCfg.CredentialStore.SQLitePath)
		return out, nil
	default:
		dbCfg := appCfg.Database
		if dbCfg.RunMigrations {
			if err := migrations.ApplyEmbedded(ctx, dbCfg.DSN, logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := openPostgres(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		out := &stores{
			credentials: postgres.NewCredentialStore(pool),
			ledger:      postgres.NewPositionLedger(pool),
			closers:     []func(){pool.Close},
		}
		observer, err := postgres.ObservePool(pool, postgres.RoleCredentials, postgres.RoleLedger)
		if err != nil {
			logger.Printf("store pool metrics disabled: %v", err)
		} else {
			out.closers = append(out.closers, observer.Close)
		}
		logger.Printf("credential store: postgres (maxConns=%d)", dbCfg.MaxConns)
		return out, nil
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type runtime struct {
	sessions  *session.Manager
	tracker   *ratelimit.Tracker
	client    *binance.SignedClient
	market    *marketstream.Manager
	users     *userstream.Manager
	gate      *reconcile.Gate
	scheduler *reconcile.Scheduler
}

func buildRuntime(appCfg config.AppConfig, st *stores) *runtime {
	sessions := session.NewManager(st.credentials, session.WithPolicy(session.CredentialPolicy{
		Clock: session.SystemClock,
		TTL:   appCfg.Session.CredentialTTL,
	}))
	tracker := ratelimit.NewTracker(
		ratelimit.WithLimits(appCfg.RateLimit.TrackerLimits()),
		ratelimit.WithThreshold(appCfg.RateLimit.AlertThreshold),
		ratelimit.WithSink(sessions),
	)
	exchangeCfg := appCfg.Exchange.Adapter()
	client := binance.NewSignedClient(exchangeCfg, sessions, tracker)

	gate := reconcile.NewGate(appCfg.Reconcile.Cooldown)
	market := marketstream.NewManager(sessions, exchangeCfg)
	users := userstream.NewManager(sessions, binance.NewListenKeys(client), exchangeCfg,
		userstream.WithChangeRecorder(gate))
	sessions.RegisterReleaser(market)
	sessions.RegisterReleaser(users)

	scheduler := reconcile.NewScheduler(gate,
		reconcile.NewExchangeReconciler(client, st.ledger, nil),
		reconcile.WithInterval(appCfg.Reconcile.Interval),
		reconcile.WithMaxConcurrency(appCfg.Reconcile.MaxConcurrency.Resolve()),
		reconcile.WithSyncRecorder(sessions),
	)

	return &runtime{
		sessions:  sessions,
		tracker:   tracker,
		client:    client,
		market:    market,
		users:     users,
		gate:      gate,
		scheduler: scheduler,
	}
}

func (rt *runtime) observe(logger *log.Logger) {
	rt.users.OnStateChange(func(change userstream.StateChange) {
		if change.To == userstream.StateDegraded {
			logger.Printf("user channel degraded: account=%d run=%s err=%v", change.AccountID, change.RunID, change.Err)
		}
	})
	rt.users.HandleOrders(func(accountID int64, update binance.OrderUpdate) {
		logger.Printf("order update: account=%d order=%d symbol=%s status=%s filled=%s",
			accountID, update.OrderID, update.Symbol, update.Status, update.FilledQty)
	})
	rt.users.HandlePositions(func(accountID int64, update binance.PositionUpdate) {
		logger.Printf("position update: account=%d symbol=%s side=%s amount=%s",
			accountID, update.Symbol, update.Side, update.Amount)
	})
}

func bootstrapAccounts(ctx context.Context, logger *log.Logger, accounts []config.AccountConfig, rt *runtime) {
	for _, acct := range accounts {
		if _, err := rt.sessions.Load(ctx, acct.ID); err != nil {
			logger.Printf("account %d: load session: %v", acct.ID, err)
			continue
		}
		for _, symbol := range acct.Symbols {
			rt.scheduler.Track(acct.ID, symbol)
			if err := rt.market.Ensure(ctx, acct.ID, symbol); err != nil {
				logger.Printf("account %d: mark price %s: %v", acct.ID, symbol, err)
			}
		}
		if acct.UserStream {
			if err := rt.users.Start(ctx, acct.ID); err != nil {
				logger.Printf("account %d: user channel: %v", acct.ID, err)
			}
		}
		logger.Printf("account %d ready: symbols=%d, userStream=%t", acct.ID, len(acct.Symbols), acct.UserStream)
	}
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	runtime    *runtime
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if rt := cfg.runtime; rt != nil {
		shutdownStep("destroying sessions", sessionsShutdownTimeout, func(stepCtx context.Context) error {
			var errs []error
			for _, id := range rt.sessions.Accounts() {
				if err := rt.sessions.Destroy(stepCtx, id); err != nil {
					errs = append(errs, fmt.Errorf("account %d: %w", id, err))
				}
				rt.tracker.Forget(id)
			}
			return errors.Join(errs...)
		})
		shutdownStep("stopping streams", streamsShutdownTimeout, func(stepCtx context.Context) error {
			rt.users.Shutdown(stepCtx)
			rt.market.Shutdown()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
