// Package postgres implements venuelink repositories on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/domain/credentialstore"
)

const credentialSelectSQL = `
SELECT a.id,
       a.active,
       p.id IS NOT NULL,
       COALESCE(p.active, FALSE),
       COALESCE(c.api_key, ''),
       COALESCE(c.api_secret, ''),
       COALESCE(p.rest_base_url, ''),
       COALESCE(p.ws_market_base_url, ''),
       COALESCE(p.ws_user_base_url, ''),
       COALESCE(p.environment, '')
FROM accounts a
LEFT JOIN exchange_profiles p ON p.id = a.exchange_profile_id
LEFT JOIN account_credentials c ON c.account_id = a.id
WHERE a.id = $1;
`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CredentialStore resolves account credentials from PostgreSQL.
type CredentialStore struct {
	db rowQuerier
}

var _ credentialstore.Store = (*CredentialStore)(nil)

// NewCredentialStore constructs a CredentialStore backed by the provided pgx pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	if pool == nil {
		return &CredentialStore{}
	}
	return &CredentialStore{db: pool}
}

// Resolve loads and validates the credential record for accountID.
func (s *CredentialStore) Resolve(ctx context.Context, accountID int64) (credentialstore.Credentials, error) {
	if s.db == nil {
		return credentialstore.Credentials{}, errs.StoreUnavailable(accountID, errors.New("credential store: nil pool"))
	}
	var row credentialstore.Row
	err := s.db.QueryRow(ctx, credentialSelectSQL, accountID).Scan(
		&row.AccountID,
		&row.AccountActive,
		&row.ProfileFound,
		&row.ProfileActive,
		&row.APIKey,
		&row.APISecret,
		&row.RESTBaseURL,
		&row.WSMarketBaseURL,
		&row.WSUserBaseURL,
		&row.Environment,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credentialstore.Credentials{}, errs.Credential(accountID, "account not found")
		}
		return credentialstore.Credentials{}, errs.StoreUnavailable(accountID, fmt.Errorf("select credentials: %w", err))
	}
	return credentialstore.FromRow(row)
}
