package order

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// DefaultMaxRevisions bounds client_review -> revision round trips.
const DefaultMaxRevisions = 3

// MachineOpts configures a Machine.
type MachineOpts struct {
	Store        Store
	MaxRevisions int
	Now          func() time.Time
}

// Machine validates and applies status transitions. Every method performs
// its check and its write in one Store.Update, so a rejected request leaves
// the store untouched. Machine never performs side effects.
type Machine struct {
	store        Store
	maxRevisions int
	now          func() time.Time
}

// NewMachine creates a Machine.
func NewMachine(opts MachineOpts) (*Machine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("order: machine: store is required")
	}
	if opts.MaxRevisions <= 0 {
		opts.MaxRevisions = DefaultMaxRevisions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{store: opts.Store, maxRevisions: opts.MaxRevisions, now: opts.Now}, nil
}

// Store returns the underlying order store.
func (m *Machine) Store() Store {
	return m.store
}

// MaxRevisions returns the configured revision limit.
func (m *Machine) MaxRevisions() int {
	return m.maxRevisions
}

// Create stores a new order in one of the initial statuses, defaulting to
// pending_estimation.
func (m *Machine) Create(ctx context.Context, o *models.Order) error {
	if o.Status == "" {
		o.Status = string(StatusPendingEstimation)
	}
	s := Status(o.Status)
	if !s.Initial() {
		return fmt.Errorf("order: create in %s: %w", s, ErrInvalidTransition)
	}
	o.ProgressPercent = AutoProgress(s)
	return m.store.Create(ctx, o)
}

// Apply moves order id to target on behalf of by. mutate, if non-nil, runs
// after validation inside the same write and may change other fields or
// veto the transition by returning an error. The paid statuses are refused
// here; they are only reached through ConfirmPayment, which books the money.
func (m *Machine) Apply(ctx context.Context, id uint, target Status, by Actor, mutate func(*models.Order) error) (*models.Order, error) {
	return m.store.Update(ctx, id, func(o *models.Order) error {
		if target == StatusPaidFull || target == StatusPaidPartial {
			return &TransitionError{From: Status(o.Status), To: target, Actor: by,
				Reason: "payments are booked with ConfirmPayment"}
		}
		if err := m.transition(o, target, by); err != nil {
			return err
		}
		if mutate != nil {
			return mutate(o)
		}
		return nil
	})
}

// transition validates and applies the status change on o in place.
func (m *Machine) transition(o *models.Order, to Status, by Actor) error {
	from := Status(o.Status)
	if !Allowed(from, to, by) {
		return &TransitionError{From: from, To: to, Actor: by}
	}
	if to == StatusRevision && o.RevisionCount >= m.maxRevisions {
		return &TransitionError{From: from, To: to, Actor: by,
			Reason: fmt.Sprintf("revision limit of %d reached", m.maxRevisions)}
	}

	now := m.now()
	o.Status = string(to)
	o.ProgressPercent = NextProgress(o.ProgressPercent, to)
	switch to {
	case StatusRevision:
		o.RevisionCount++
	case StatusClientReview:
		o.DeliveredAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
	}
	return nil
}

// SetPrice records the staff estimate. From pending_estimation it moves the
// order to awaiting_payment; in awaiting_payment it re-prices in place.
func (m *Machine) SetPrice(ctx context.Context, id uint, price int64, discountPercent int, by Actor) (*models.Order, error) {
	if price <= 0 || discountPercent < 0 || discountPercent > 100 {
		return nil, fmt.Errorf("order: set price %d (-%d%%): %w", price, discountPercent, ErrInvalidAmount)
	}
	return m.store.Update(ctx, id, func(o *models.Order) error {
		reprice := Status(o.Status) == StatusAwaitingPayment && by.staffLike()
		if !reprice {
			if err := m.transition(o, StatusAwaitingPayment, by); err != nil {
				return err
			}
		}
		o.Price = price
		o.DiscountPercent = discountPercent
		if FinalPrice(o) < o.PaidAmount {
			return fmt.Errorf("order: final price %d below paid %d: %w", FinalPrice(o), o.PaidAmount, ErrInvalidAmount)
		}
		return nil
	})
}

// ConfirmPayment books amount against the order and moves it to paid_full
// when nothing remains, otherwise to paid_partial. A zero amount is only
// accepted when nothing is owed, e.g. when bonus points covered the price.
func (m *Machine) ConfirmPayment(ctx context.Context, id uint, amount int64, by Actor) (*models.Order, error) {
	if amount < 0 {
		return nil, fmt.Errorf("order: confirm payment %d: %w", amount, ErrInvalidAmount)
	}
	return m.store.Update(ctx, id, func(o *models.Order) error {
		remaining := Remaining(o)
		if amount == 0 && remaining > 0 {
			return fmt.Errorf("order: confirm payment 0 with %d remaining: %w", remaining, ErrInvalidAmount)
		}
		if amount > remaining {
			return fmt.Errorf("order: confirm payment %d exceeds remaining %d: %w", amount, remaining, ErrInvalidAmount)
		}
		target := StatusPaidPartial
		if amount == remaining {
			target = StatusPaidFull
		}
		if err := m.transition(o, target, by); err != nil {
			return err
		}
		o.PaidAmount += amount
		return nil
	})
}

// SetProgress records a manual progress update, clamped to the status floor
// and 100. It is only permitted while work is under way.
func (m *Machine) SetProgress(ctx context.Context, id uint, pct int, by Actor) (*models.Order, error) {
	return m.store.Update(ctx, id, func(o *models.Order) error {
		s := Status(o.Status)
		if !by.staffLike() || !CanSetProgress(s) {
			return &TransitionError{From: s, To: s, Actor: by, Reason: "progress cannot be set"}
		}
		o.ProgressPercent = ClampProgress(s, max(pct, o.ProgressPercent))
		return nil
	})
}

// Reopen returns a terminal order to pending_estimation for a fresh
// lifecycle. Only admins may reopen.
func (m *Machine) Reopen(ctx context.Context, id uint, by Actor) (*models.Order, error) {
	return m.store.Update(ctx, id, func(o *models.Order) error {
		from := Status(o.Status)
		if by != ActorAdmin || !from.Terminal() {
			return &TransitionError{From: from, To: StatusPendingEstimation, Actor: by,
				Reason: "only admins may reopen a finished order"}
		}
		o.Status = string(StatusPendingEstimation)
		o.ProgressPercent = AutoProgress(StatusPendingEstimation)
		o.RevisionCount = 0
		o.CompletedAt = nil
		o.DeliveredAt = nil
		return nil
	})
}
