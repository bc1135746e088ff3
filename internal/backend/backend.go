// Package backend defines the contract the router consumes from inference
// providers, plus the concrete implementations bound to configured kinds.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/airouter/internal/config"
)

// ErrInvalidPayload marks provider output that could not be parsed into
// the expected structured form. Backends wrap parse failures with it so
// the router classifies them as invalid-response failures.
var ErrInvalidPayload = errors.New("invalid response payload")

// SchemaDescriptor describes the structured output the caller expects.
// The schema body is passed through to the provider opaquely.
type SchemaDescriptor struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// Meta carries optional remaining-quota hints reported by a provider
// alongside its response. Nil pointers mean the provider did not report
// that dimension.
type Meta struct {
	RemainingRequests *int64
	RemainingTokens   *int64
	ResetAt           *time.Time
}

// Result is a successful provider response: the raw structured payload and
// any quota hints.
type Result struct {
	Data json.RawMessage
	Meta *Meta
}

// Backend is a single stateless inference provider. Implementations enforce
// their own call timeouts; a timeout surfaces as an ordinary error.
type Backend interface {
	Execute(ctx context.Context, prompt string, schema SchemaDescriptor) (*Result, error)
}

// Error is the typed failure returned by backends for provider-side
// errors. StatusCode drives failure classification in the router.
type Error struct {
	StatusCode int
	Provider   string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] provider error: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Supported backend kinds. Kinds form a closed set: an unknown kind is a
// construction-time error, never a first-call surprise.
const (
	KindOpenAICompat = "openai_compat"
)

// New binds a provider config to a concrete backend implementation.
func New(p config.ProviderConfig) (Backend, error) {
	switch p.Kind {
	case KindOpenAICompat:
		return NewOpenAICompat(p), nil
	default:
		return nil, fmt.Errorf("backend: unsupported kind %q for provider %q", p.Kind, p.Name)
	}
}

// Build constructs backends for every enabled provider, failing eagerly on
// the first unsupported binding.
func Build(providers []config.ProviderConfig) (map[string]Backend, error) {
	out := make(map[string]Backend, len(providers))
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		b, err := New(p)
		if err != nil {
			return nil, err
		}
		out[p.Name] = b
	}
	return out, nil
}
