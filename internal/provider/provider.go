package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"quotehub/internal/quote"
)

// Raw is one upstream record before normalization. Payload is one of the
// typed variants declared by the adapter packages.
type Raw struct {
	Key     quote.Key
	Payload any
}

// Batch is the successful (possibly partial) outcome of a fetch.
// Keys that were requested but not returned are listed in Missing.
type Batch struct {
	Provider string
	Records  []Raw
	Missing  []quote.Key
}

//go:generate mockgen -package=providertest -destination=providertest/mock_adapter.go -source=provider.go Adapter

// Adapter is the boundary to one upstream market-data source.
// Implementations must not panic on network or payload errors; they return
// an *Error instead. The caller bounds every call with ctx.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, keys []quote.Key) (Batch, error)
}

// Failure kinds. Match with errors.Is.
var (
	ErrTimeout     = errors.New("provider timeout")
	ErrUnavailable = errors.New("provider unavailable")
	ErrMalformed   = errors.New("provider malformed response")
)

// Error is a typed provider failure.
type Error struct {
	Provider string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Provider + ": " + e.Kind.Error()
	}
	return e.Provider + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Timeout(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: ErrTimeout, Err: err}
}

func Unavailable(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: ErrUnavailable, Err: err}
}

func Malformed(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: ErrMalformed, Err: err}
}

// Classify converts an arbitrary fetch error into an *Error.
// Deadline and net timeouts become ErrTimeout, JSON decoding problems
// become ErrMalformed and everything else ErrUnavailable.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(provider, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(provider, err)
	}
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	if errors.As(err, &se) || errors.As(err, &te) {
		return Malformed(provider, err)
	}
	return Unavailable(provider, err)
}

// KindName returns a short label for metrics and logs.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	}
	return "other"
}

// MissingKeys returns the requested keys that have no record, preserving
// request order and dropping duplicates.
func MissingKeys(requested []quote.Key, records []Raw) []quote.Key {
	have := make(map[quote.Key]struct{}, len(records))
	for _, r := range records {
		have[r.Key] = struct{}{}
	}
	var out []quote.Key
	for _, k := range requested {
		if _, ok := have[k]; ok {
			continue
		}
		have[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
