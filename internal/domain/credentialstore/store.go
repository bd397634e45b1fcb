// Package credentialstore defines the contract for resolving per-account exchange credentials.
package credentialstore

import (
	"context"
	"strings"
)

// Environment selects the exchange deployment an account trades against.
type Environment string

const (
	// EnvironmentProduction targets the live exchange.
	EnvironmentProduction Environment = "production"
	// EnvironmentSandbox targets the exchange testnet.
	EnvironmentSandbox Environment = "sandbox"
)

// ParseEnvironment normalises a stored environment label. Labels outside the
// production and sandbox families are rejected so an unrecognised row never
// signs against the live venue.
func ParseEnvironment(raw string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod", "mainnet":
		return EnvironmentProduction, true
	case "sandbox", "testnet", "test":
		return EnvironmentSandbox, true
	default:
		return "", false
	}
}

// Credentials is the fully resolved key material and endpoint set for one account.
type Credentials struct {
	APIKey          string
	APISecret       string
	RESTBaseURL     string
	WSMarketBaseURL string
	WSUserBaseURL   string
	Environment     Environment
}

// Complete reports whether every field required for signed traffic is populated.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.APIKey) != "" &&
		strings.TrimSpace(c.APISecret) != "" &&
		strings.TrimSpace(c.RESTBaseURL) != "" &&
		strings.TrimSpace(c.WSMarketBaseURL) != "" &&
		strings.TrimSpace(c.WSUserBaseURL) != ""
}

// Row is the raw record read from the backing store before validation.
type Row struct {
	AccountID       int64
	AccountActive   bool
	ProfileActive   bool
	ProfileFound    bool
	APIKey          string
	APISecret       string
	RESTBaseURL     string
	WSMarketBaseURL string
	WSUserBaseURL   string
	Environment     string
}

// Store resolves credentials. Implementations fail closed: absent or inactive
// rows yield a not_found error, backend failures an unavailable error. No retries.
type Store interface {
	Resolve(ctx context.Context, accountID int64) (Credentials, error)
}
