package order

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for any edge not in the transition
	// table. It is user visible and never retried.
	ErrInvalidTransition = errors.New("order: invalid transition")
	// ErrNotFound is returned when no order matches.
	ErrNotFound = errors.New("order: not found")
	// ErrInvalidAmount is returned for non-positive payments, overpayments
	// and prices below what was already paid.
	ErrInvalidAmount = errors.New("order: invalid amount")
	// ErrConflict is returned when the store could not serialize a write.
	ErrConflict = errors.New("order: write conflict")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From   Status
	To     Status
	Actor  Actor
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("order: invalid transition %s -> %s by %s", e.From, e.To, e.Actor)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
