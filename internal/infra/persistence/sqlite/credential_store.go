// Package sqlite implements the credential store on SQLite through gorm for single-host deployments.
package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/domain/credentialstore"
)

// Open connects to the SQLite database at path.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// InitTables creates or updates the credential tables.
func InitTables(db *gorm.DB) error {
	return db.AutoMigrate(&ExchangeProfile{}, &Account{}, &AccountCredential{})
}

// CredentialStore resolves account credentials from SQLite.
type CredentialStore struct {
	db *gorm.DB
}

var _ credentialstore.Store = (*CredentialStore)(nil)

// NewCredentialStore wraps an open gorm handle.
func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Resolve loads and validates the credential record for accountID.
func (s *CredentialStore) Resolve(ctx context.Context, accountID int64) (credentialstore.Credentials, error) {
	if s.db == nil {
		return credentialstore.Credentials{}, errs.StoreUnavailable(accountID, errors.New("credential store: nil db"))
	}
	db := s.db.WithContext(ctx)

	var account Account
	if err := db.First(&account, "id = ?", accountID).Error; err != nil {
		return credentialstore.Credentials{}, translate(accountID, "account not found", err)
	}
	row := credentialstore.Row{AccountID: account.ID, AccountActive: account.Active}

	if account.ExchangeProfileID != nil {
		var profile ExchangeProfile
		err := db.First(&profile, "id = ?", *account.ExchangeProfileID).Error
		switch {
		case err == nil:
			row.ProfileFound = true
			row.ProfileActive = profile.Active
			row.RESTBaseURL = profile.RESTBaseURL
			row.WSMarketBaseURL = profile.WSMarketBaseURL
			row.WSUserBaseURL = profile.WSUserBaseURL
			row.Environment = profile.Environment
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return credentialstore.Credentials{}, errs.StoreUnavailable(accountID, fmt.Errorf("select profile: %w", err))
		}
	}

	var cred AccountCredential
	err := db.First(&cred, "account_id = ?", accountID).Error
	switch {
	case err == nil:
		row.APIKey = cred.APIKey
		row.APISecret = cred.APISecret
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return credentialstore.Credentials{}, errs.StoreUnavailable(accountID, fmt.Errorf("select credentials: %w", err))
	}
	return credentialstore.FromRow(row)
}

func translate(accountID int64, msg string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.Credential(accountID, msg)
	}
	return errs.StoreUnavailable(accountID, err)
}
