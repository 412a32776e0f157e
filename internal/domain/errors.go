package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrLimitExceeded          = errors.New("limit exceeded")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	ErrInvariantViolation     = errors.New("invariant violation")
)

// Validationf builds an ErrValidation with a detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with a detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// LimitError is returned when a tier cap rejects a trade.
type LimitError struct {
	Limit  string // max_trade_amount, max_weekly_volume or max_active_listings
	Value  string // the cap that was hit
	Reason string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", ErrLimitExceeded, e.Reason)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// TransitionError is returned when a guard on the current status fails.
type TransitionError struct {
	Entity   string
	ID       string
	Current  string
	Required []string
	Hint     string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s %s is %s, requires %s",
		ErrInvalidStateTransition, e.Entity, e.ID, e.Current, strings.Join(e.Required, " or "))
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// Kind returns a short label for the error kind, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "error"
	}
}
