package credentialstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
)

func completeRow() Row {
	return Row{
		AccountID:       5,
		AccountActive:   true,
		ProfileActive:   true,
		ProfileFound:    true,
		APIKey:          " key ",
		APISecret:       "secret",
		RESTBaseURL:     "https://testnet.binancefuture.com/",
		WSMarketBaseURL: "wss://stream.binancefuture.com",
		WSUserBaseURL:   "wss://stream.binancefuture.com",
		Environment:     "testnet",
	}
}

func TestFromRowNormalisesFields(t *testing.T) {
	creds, err := FromRow(completeRow())
	require.NoError(t, err)
	require.Equal(t, "key", creds.APIKey)
	require.Equal(t, "https://testnet.binancefuture.com", creds.RESTBaseURL)
	require.Equal(t, EnvironmentSandbox, creds.Environment)
}

func TestFromRowFailsClosed(t *testing.T) {
	cases := map[string]func(*Row){
		"inactive account": func(r *Row) { r.AccountActive = false },
		"missing profile":  func(r *Row) { r.ProfileFound = false },
		"inactive profile": func(r *Row) { r.ProfileActive = false },
		"empty secret":     func(r *Row) { r.APISecret = "  " },
		"empty user url":   func(r *Row) { r.WSUserBaseURL = "" },
		"blank env":        func(r *Row) { r.Environment = " " },
		"unknown env":      func(r *Row) { r.Environment = "staging" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			row := completeRow()
			mutate(&row)
			creds, err := FromRow(row)
			require.Error(t, err)
			require.True(t, errs.IsCode(err, errs.CodeNotFound))
			require.Equal(t, Credentials{}, creds)
		})
	}
}

func TestParseEnvironment(t *testing.T) {
	cases := map[string]Environment{
		"production": EnvironmentProduction,
		" PROD ":     EnvironmentProduction,
		"SANDBOX":    EnvironmentSandbox,
		"testnet":    EnvironmentSandbox,
	}
	for raw, want := range cases {
		env, ok := ParseEnvironment(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, env, raw)
	}
	for _, raw := range []string{"", "staging", "live-ish"} {
		env, ok := ParseEnvironment(raw)
		require.False(t, ok, raw)
		require.Empty(t, env, raw)
	}
}

func TestFromRowRejectsUnknownEnvironment(t *testing.T) {
	row := completeRow()
	row.Environment = ""
	_, err := FromRow(row)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeNotFound, e.Code)
	require.Equal(t, errs.CanonicalEnvironmentUnknown, e.Canonical)
}
