package router

import (
	"errors"
	"fmt"

	"github.com/ledgerline/airouter/internal/health"
)

// ErrNoEligibleProvider is the terminal routing-level failure: every
// configured provider is blocked, cooling down, or out of budget. Callers
// must not retry blindly; budgets or cooldowns need operator attention.
var ErrNoEligibleProvider = errors.New("no eligible provider")

// Error is the categorized failure surfaced when every candidate failed.
// Individual candidate failures never propagate; only the last observed
// one does, carried here.
type Error struct {
	Category health.Category
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("router: [%s] %s: %s", e.Provider, e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
