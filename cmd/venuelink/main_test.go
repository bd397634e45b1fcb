package main

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/internal/app/userstream"
	"github.com/coachpo/venuelink/internal/infra/config"
)

func TestParseFlags(t *testing.T) {
	opts := parseFlags([]string{"-c", "custom.yaml", "--debug"})
	require.Equal(t, "custom.yaml", opts.configPath)
	require.True(t, opts.debug)

	opts = parseFlags(nil)
	require.Empty(t, opts.configPath)
	require.False(t, opts.debug)
}

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "other.yaml", resolveConfigPath("other.yaml"))
}

func TestRuntimeOverSQLiteStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.CredentialStore = config.CredentialStoreConfig{
		Backend:    config.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "credentials.db"),
	}
	cfg.Accounts = []config.AccountConfig{{ID: 42, Symbols: []string{"BTCUSDT"}, UserStream: true}}

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	st, err := openStores(ctx, logger, cfg)
	require.NoError(t, err)
	defer st.close()
	require.NotNil(t, st.credentials)
	require.Nil(t, st.ledger)

	rt := buildRuntime(cfg, st)
	rt.observe(logger)
	bootstrapAccounts(ctx, logger, cfg.Accounts, rt)

	require.Contains(t, buf.String(), "account 42: load session")
	require.Empty(t, rt.scheduler.Targets())
	require.Empty(t, rt.market.Symbols(42))
	require.Equal(t, userstream.StateClosed, rt.users.State(42))

	performGracefulShutdown(ctx, logger, gracefulShutdownConfig{runtime: rt})
	require.Contains(t, buf.String(), "shutdown: stopping streams completed")
}
