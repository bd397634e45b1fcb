package credentialstore

import (
	"fmt"
	"strings"

	"github.com/coachpo/venuelink/errs"
)

// FromRow validates a raw row and converts it into Credentials.
func FromRow(row Row) (Credentials, error) {
	if !row.AccountActive {
		return Credentials{}, errs.Credential(row.AccountID, "account inactive", errs.WithCanonicalCode(errs.CanonicalAccountInactive))
	}
	if !row.ProfileFound || !row.ProfileActive {
		return Credentials{}, errs.Credential(row.AccountID, "exchange profile missing or inactive", errs.WithCanonicalCode(errs.CanonicalProfileMissing))
	}
	env, ok := ParseEnvironment(row.Environment)
	if !ok {
		return Credentials{}, errs.Credential(row.AccountID,
			fmt.Sprintf("unknown exchange environment %q", row.Environment),
			errs.WithCanonicalCode(errs.CanonicalEnvironmentUnknown))
	}
	creds := Credentials{
		APIKey:          strings.TrimSpace(row.APIKey),
		APISecret:       strings.TrimSpace(row.APISecret),
		RESTBaseURL:     strings.TrimSuffix(strings.TrimSpace(row.RESTBaseURL), "/"),
		WSMarketBaseURL: strings.TrimSuffix(strings.TrimSpace(row.WSMarketBaseURL), "/"),
		WSUserBaseURL:   strings.TrimSuffix(strings.TrimSpace(row.WSUserBaseURL), "/"),
		Environment:     env,
	}
	if !creds.Complete() {
		return Credentials{}, errs.Credential(row.AccountID, "credential record incomplete")
	}
	return creds, nil
}
