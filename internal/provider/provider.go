// Package provider wraps the external reference data sources queried while
// draining the gap backlog. Each client normalises its responses into model
// types and reports failures through the sentinel errors below.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/evroon/web1090/internal/model"
)

var (
	// ErrNotFound means the provider answered authoritatively that it has no data.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExhausted means the provider cannot be used again in this process.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrUnavailable covers transient failures: transport errors, non-2xx
	// responses, open circuit breakers and malformed payloads.
	ErrUnavailable = errors.New("provider unavailable")
)

// MalformedError reports a payload that could not be decoded or failed
// validation. It matches ErrUnavailable with errors.Is.
type MalformedError struct {
	Provider string
	Err      error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Provider, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrUnavailable }

// Outcome is the classification of a lookup result, used for logs and metrics.
type Outcome string

const (
	OutcomeFound     Outcome = "found"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeQuota     Outcome = "quota_exhausted"
	OutcomeError     Outcome = "provider_error"
	OutcomeMalformed Outcome = "malformed"
)

// Classify maps a lookup error to its outcome. A nil error is OutcomeFound.
// Unrecognised errors are treated as transient.
func Classify(err error) Outcome {
	var malformed *MalformedError
	switch {
	case err == nil:
		return OutcomeFound
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrQuotaExhausted):
		return OutcomeQuota
	case errors.As(err, &malformed):
		return OutcomeMalformed
	default:
		return OutcomeError
	}
}

// Match is a successful flight code lookup. Aircraft is set when the provider
// also identified the airframe operating the flight.
type Match struct {
	Route    model.Route
	Aircraft *model.Aircraft
}

// RouteLookup resolves flight codes.
type RouteLookup interface {
	Name() string
	LookupRoute(ctx context.Context, code string) (*Match, error)
}

// AircraftLookup resolves ICAO24 addresses, optionally helped by a known
// registration.
type AircraftLookup interface {
	Name() string
	LookupAircraft(ctx context.Context, hex, registration string) (*model.Aircraft, error)
}
