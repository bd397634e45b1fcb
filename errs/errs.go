// Package errs provides the structured error envelope shared by venuelink components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category within the session layer.
type Code string

const (
	// CodeNotFound marks a missing or inactive account or exchange profile (CredentialError).
	CodeNotFound Code = "not_found"
	// CodeUnavailable marks a credential store that could not be reached.
	CodeUnavailable Code = "unavailable"
	// CodeAuth marks a signature or API key rejection that survived the single reload retry.
	CodeAuth Code = "auth"
	// CodeNetwork marks a transport failure on REST or websocket channels.
	CodeNetwork Code = "network"
	// CodeRateLimited marks a request refused by the exchange or by local budget tracking.
	CodeRateLimited Code = "rate_limited"
	// CodeMalformed marks an exchange payload that could not be decoded.
	CodeMalformed Code = "malformed"
	// CodeInvalid marks a request rejected as caller input error (non-auth 4xx).
	CodeInvalid Code = "invalid_request"
	// CodeExchange marks an exchange-side failure (5xx).
	CodeExchange Code = "exchange_error"
)

// CanonicalCode narrows a Code to a finer exchange-agnostic reason.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalAccountInactive indicates the account row exists but is disabled.
	CanonicalAccountInactive CanonicalCode = "account_inactive"
	// CanonicalProfileMissing indicates the exchange profile is absent or inactive.
	CanonicalProfileMissing CanonicalCode = "profile_missing"
	// CanonicalEnvironmentUnknown indicates a profile with an unrecognised environment label.
	CanonicalEnvironmentUnknown CanonicalCode = "environment_unknown"
	// CanonicalSignatureRejected indicates the exchange rejected the HMAC signature.
	CanonicalSignatureRejected CanonicalCode = "signature_rejected"
	// CanonicalSessionUnusable indicates a session disabled after repeated auth failures.
	CanonicalSessionUnusable CanonicalCode = "session_unusable"
	// CanonicalBudgetExhausted indicates the local rate-limit budget is saturated.
	CanonicalBudgetExhausted CanonicalCode = "budget_exhausted"
	// CanonicalHandshakeTimeout indicates a websocket handshake exceeded its connect timeout.
	CanonicalHandshakeTimeout CanonicalCode = "handshake_timeout"
)

// E captures structured error information produced across the session layer.
type E struct {
	Exchange      string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	Canonical     CanonicalCode
	VenueMetadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the finer failure reason.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithVenueField appends a single metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithAccount tags the error with the account identifier it concerns.
func WithAccount(accountID int64) Option {
	return WithVenueField("account", strconv.FormatInt(accountID, 10))
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the Code of the first envelope in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return "", false
	}
	return e.Code, true
}

// IsCode reports whether err carries an envelope with the given code.
func IsCode(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}

// Credential reports a missing or inactive account.
func Credential(accountID int64, msg string, opts ...Option) *E {
	base := []Option{WithAccount(accountID), WithMessage(msg)}
	return New("", CodeNotFound, append(base, opts...)...)
}

// StoreUnavailable reports a credential store failure.
func StoreUnavailable(accountID int64, cause error) *E {
	return New("", CodeUnavailable, WithAccount(accountID), WithMessage("credential store unavailable"), WithCause(cause))
}

// Auth reports a terminal authentication failure.
func Auth(exchange string, accountID int64, opts ...Option) *E {
	base := []Option{WithAccount(accountID), WithCanonicalCode(CanonicalSignatureRejected)}
	return New(exchange, CodeAuth, append(base, opts...)...)
}

// Transport reports a network or channel failure.
func Transport(exchange string, cause error, opts ...Option) *E {
	base := []Option{WithCause(cause)}
	return New(exchange, CodeNetwork, append(base, opts...)...)
}

// RateLimited reports an exhausted request budget.
func RateLimited(exchange string, accountID int64, opts ...Option) *E {
	base := []Option{WithAccount(accountID)}
	return New(exchange, CodeRateLimited, append(base, opts...)...)
}

// Malformed reports an undecodable exchange payload.
func Malformed(exchange string, cause error, opts ...Option) *E {
	base := []Option{WithCause(cause)}
	return New(exchange, CodeMalformed, append(base, opts...)...)
}
