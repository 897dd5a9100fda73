package energosbyt

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lkcomu/lkcomu/pkg/types"
)

// ErrNotSupported is returned when a provider cannot serve a capability.
// Callers degrade it to an empty result.
var ErrNotSupported = errors.New("not supported by provider")

// AuthenticationError means the credentials were rejected or the session could
// not be restored after a single re-login.
type AuthenticationError struct {
	Code    int
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed (code %d)", e.Code)
	}
	return "authentication failed: " + e.Message
}

// UnsupportedAccountError means no handler is registered for the account's
// provider and service type.
type UnsupportedAccountError struct {
	Provider    types.Provider
	ServiceType types.ServiceType
	// ProviderCode is set when the backend reported a provider we do not know.
	ProviderCode int
}

func (e *UnsupportedAccountError) Error() string {
	provider := string(e.Provider)
	if e.Provider == "" {
		provider = fmt.Sprintf("provider #%d", e.ProviderCode)
	}
	return fmt.Sprintf("unsupported account: %s / %s", provider, e.ServiceType.Name())
}

// IndicationsCountError means the number of submitted values does not match
// the meter's tariff count.
type IndicationsCountError struct {
	MeterCode string
	Expected  int
	Got       int
}

func (e *IndicationsCountError) Error() string {
	if e.Expected == 0 && e.Got == 0 {
		return fmt.Sprintf("meter %s: invalid indications count", e.MeterCode)
	}
	return fmt.Sprintf("meter %s: expected %d indications, got %d", e.MeterCode, e.Expected, e.Got)
}

// IndicationsThresholdError means a value is lower than what the backend
// already has for the zone.
type IndicationsThresholdError struct {
	MeterCode string
	ZoneID    string
	Value     float64
	Prior     float64
}

func (e *IndicationsThresholdError) Error() string {
	return fmt.Sprintf("meter %s: indication %v for zone %s is lower than %v", e.MeterCode, e.Value, e.ZoneID, e.Prior)
}

// InvalidIndicationError means a value is negative or not a finite number.
type InvalidIndicationError struct {
	MeterCode string
	ZoneID    string
	Value     float64
}

func (e *InvalidIndicationError) Error() string {
	return fmt.Sprintf("meter %s: invalid indication %v for zone %s", e.MeterCode, e.Value, e.ZoneID)
}

// SubmissionPeriodError means today is outside the submission window.
type SubmissionPeriodError struct {
	MeterCode string
	Start     time.Time
	End       time.Time
	Today     time.Time
}

func (e *SubmissionPeriodError) Error() string {
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Sprintf("meter %s: no submission period reported", e.MeterCode)
	}
	return fmt.Sprintf(
		"meter %s: %s is outside of submission period %s - %s",
		e.MeterCode,
		e.Today.Format(time.DateOnly),
		e.Start.Format(time.DateOnly),
		e.End.Format(time.DateOnly),
	)
}

// BackendError is an opaque non-success response.
type BackendError struct {
	Query   string
	Code    int
	Message string
	Raw     string
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: backend error %d: %s", e.Query, e.Code, msg)
	}
	return fmt.Sprintf("%s: backend error: %s", e.Query, msg)
}

// TransportError wraps a timeout, connection failure or undecodable response.
type TransportError struct {
	Query string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Query, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

const maxRawSnippet = 512

// snippet truncates b on a rune boundary.
func snippet(b []byte) string {
	if len(b) <= maxRawSnippet {
		return string(b)
	}
	n := maxRawSnippet
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n]) + "..."
}
