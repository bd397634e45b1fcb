package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/domain/credentialstore"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "venuelink.db"))
	require.NoError(t, err)
	require.NoError(t, InitTables(db))
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, id int64, active, profileActive bool) {
	t.Helper()
	profileID := id * 10
	require.NoError(t, db.Create(&ExchangeProfile{
		ID:              profileID,
		Name:            fmt.Sprintf("binance-usdm-%d", id),
		Environment:     "sandbox",
		RESTBaseURL:     "https://testnet.binancefuture.com/",
		WSMarketBaseURL: "wss://stream.binancefuture.com",
		WSUserBaseURL:   "wss://stream.binancefuture.com",
		Active:          profileActive,
	}).Error)
	require.NoError(t, db.Create(&Account{ID: id, Name: "acct", ExchangeProfileID: &profileID, Active: active}).Error)
	require.NoError(t, db.Create(&AccountCredential{AccountID: id, APIKey: "key", APISecret: "secret"}).Error)
}

func TestResolveActiveAccount(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, true, true)

	creds, err := NewCredentialStore(db).Resolve(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "key", creds.APIKey)
	require.Equal(t, "https://testnet.binancefuture.com", creds.RESTBaseURL)
	require.Equal(t, credentialstore.EnvironmentSandbox, creds.Environment)
}

func TestResolveMissingAccount(t *testing.T) {
	db := newTestDB(t)
	_, err := NewCredentialStore(db).Resolve(context.Background(), 42)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestResolveInactiveAccount(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 2, false, true)
	_, err := NewCredentialStore(db).Resolve(context.Background(), 2)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestResolveInactiveProfile(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 3, true, false)
	_, err := NewCredentialStore(db).Resolve(context.Background(), 3)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestResolveMissingProfile(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&Account{ID: 4, Name: "orphan", Active: true}).Error)
	require.NoError(t, db.Create(&AccountCredential{AccountID: 4, APIKey: "k", APISecret: "s"}).Error)
	_, err := NewCredentialStore(db).Resolve(context.Background(), 4)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestResolveNilDB(t *testing.T) {
	_, err := NewCredentialStore(nil).Resolve(context.Background(), 1)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestResolveUnknownEnvironmentFailsClosed(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 5, true, true)
	require.NoError(t, db.Model(&ExchangeProfile{}).Where("id = ?", 50).Update("environment", "staging").Error)

	_, err := NewCredentialStore(db).Resolve(context.Background(), 5)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	require.ErrorContains(t, err, "environment_unknown")
}
