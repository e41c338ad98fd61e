package telegraph

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is a decoded button payload or staff command. The set of
// implementations is closed; consumers dispatch with a type switch.
type Action interface {
	OrderID() uint
	Verb() string
	Payload() string
	action()
}

// SetPrice sets the estimate. A zero Amount asks staff for one.
type SetPrice struct {
	Order    uint
	Amount   int64
	Discount int
}

// ConfirmFull books the whole remaining amount.
type ConfirmFull struct{ Order uint }

// ConfirmPartial books part of the remaining amount.
type ConfirmPartial struct {
	Order  uint
	Amount int64
}

// RejectPayment sends a claimed payment back to awaiting_payment.
type RejectPayment struct{ Order uint }

// StartProduction moves a paid order into production.
type StartProduction struct{ Order uint }

// SetProgress records manual progress.
type SetProgress struct {
	Order   uint
	Percent int
}

// Deliver hands the work to the customer for review.
type Deliver struct{ Order uint }

// Complete closes an order in review on the customer's behalf.
type Complete struct{ Order uint }

// Remind nudges the customer about the order's current step.
type Remind struct{ Order uint }

// Reject ends the order from staff's side.
type Reject struct{ Order uint }

// Reopen starts a fresh lifecycle for a finished order.
type Reopen struct{ Order uint }

// Resync re-renders the card.
type Resync struct{ Order uint }

func (a SetPrice) OrderID() uint        { return a.Order }
func (a ConfirmFull) OrderID() uint     { return a.Order }
func (a ConfirmPartial) OrderID() uint  { return a.Order }
func (a RejectPayment) OrderID() uint   { return a.Order }
func (a StartProduction) OrderID() uint { return a.Order }
func (a SetProgress) OrderID() uint     { return a.Order }
func (a Deliver) OrderID() uint         { return a.Order }
func (a Complete) OrderID() uint        { return a.Order }
func (a Remind) OrderID() uint          { return a.Order }
func (a Reject) OrderID() uint          { return a.Order }
func (a Reopen) OrderID() uint          { return a.Order }
func (a Resync) OrderID() uint          { return a.Order }

func (SetPrice) Verb() string        { return "price" }
func (ConfirmFull) Verb() string     { return "pay_full" }
func (ConfirmPartial) Verb() string  { return "pay_part" }
func (RejectPayment) Verb() string   { return "pay_reject" }
func (StartProduction) Verb() string { return "produce" }
func (SetProgress) Verb() string     { return "progress" }
func (Deliver) Verb() string         { return "deliver" }
func (Complete) Verb() string        { return "complete" }
func (Remind) Verb() string          { return "remind" }
func (Reject) Verb() string          { return "reject" }
func (Reopen) Verb() string          { return "reopen" }
func (Resync) Verb() string          { return "resync" }

func (SetPrice) action()        {}
func (ConfirmFull) action()     {}
func (ConfirmPartial) action()  {}
func (RejectPayment) action()   {}
func (StartProduction) action() {}
func (SetProgress) action()     {}
func (Deliver) action()         {}
func (Complete) action()        {}
func (Remind) action()          {}
func (Reject) action()          {}
func (Reopen) action()          {}
func (Resync) action()          {}

func payload(verb string, id uint, args ...string) string {
	parts := append([]string{verb, strconv.FormatUint(uint64(id), 10)}, args...)
	return strings.Join(parts, ":")
}

func (a SetPrice) Payload() string {
	switch {
	case a.Amount == 0:
		return payload(a.Verb(), a.Order)
	case a.Discount == 0:
		return payload(a.Verb(), a.Order, strconv.FormatInt(a.Amount, 10))
	default:
		return payload(a.Verb(), a.Order, strconv.FormatInt(a.Amount, 10), strconv.Itoa(a.Discount))
	}
}

func (a ConfirmPartial) Payload() string {
	if a.Amount == 0 {
		return payload(a.Verb(), a.Order)
	}
	return payload(a.Verb(), a.Order, strconv.FormatInt(a.Amount, 10))
}

func (a SetProgress) Payload() string {
	return payload(a.Verb(), a.Order, strconv.Itoa(a.Percent))
}

func (a ConfirmFull) Payload() string     { return payload(a.Verb(), a.Order) }
func (a RejectPayment) Payload() string   { return payload(a.Verb(), a.Order) }
func (a StartProduction) Payload() string { return payload(a.Verb(), a.Order) }
func (a Deliver) Payload() string         { return payload(a.Verb(), a.Order) }
func (a Complete) Payload() string        { return payload(a.Verb(), a.Order) }
func (a Remind) Payload() string          { return payload(a.Verb(), a.Order) }
func (a Reject) Payload() string          { return payload(a.Verb(), a.Order) }
func (a Reopen) Payload() string          { return payload(a.Verb(), a.Order) }
func (a Resync) Payload() string          { return payload(a.Verb(), a.Order) }

// ParseAction decodes a "verb:order_id[:arg...]" payload. Anything it does
// not recognise fails with ErrBadPayload.
func ParseAction(p string) (Action, error) {
	parts := strings.Split(strings.TrimSpace(p), ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrBadPayload, p)
	}
	verb, args := parts[0], parts[2:]
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: order id in %q", ErrBadPayload, p)
	}
	oid := uint(id)

	arity := func(lo, hi int) error {
		if len(args) < lo || len(args) > hi {
			return fmt.Errorf("%w: %s takes %d-%d arguments, got %d", ErrBadPayload, verb, lo, hi, len(args))
		}
		return nil
	}
	intArg := func(i int) (int64, error) {
		v, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: argument %q of %s", ErrBadPayload, args[i], verb)
		}
		return v, nil
	}

	switch verb {
	case "price":
		if err := arity(0, 2); err != nil {
			return nil, err
		}
		a := SetPrice{Order: oid}
		if len(args) > 0 {
			if a.Amount, err = intArg(0); err != nil {
				return nil, err
			}
		}
		if len(args) > 1 {
			d, err := intArg(1)
			if err != nil {
				return nil, err
			}
			a.Discount = int(d)
		}
		return a, nil
	case "pay_part":
		if err := arity(0, 1); err != nil {
			return nil, err
		}
		a := ConfirmPartial{Order: oid}
		if len(args) == 1 {
			if a.Amount, err = intArg(0); err != nil {
				return nil, err
			}
		}
		return a, nil
	case "progress":
		if err := arity(1, 1); err != nil {
			return nil, err
		}
		pct, err := intArg(0)
		if err != nil {
			return nil, err
		}
		return SetProgress{Order: oid, Percent: int(pct)}, nil
	}

	if err := arity(0, 0); err != nil {
		return nil, err
	}
	switch verb {
	case "pay_full":
		return ConfirmFull{Order: oid}, nil
	case "pay_reject":
		return RejectPayment{Order: oid}, nil
	case "produce":
		return StartProduction{Order: oid}, nil
	case "deliver":
		return Deliver{Order: oid}, nil
	case "complete":
		return Complete{Order: oid}, nil
	case "remind":
		return Remind{Order: oid}, nil
	case "reject":
		return Reject{Order: oid}, nil
	case "reopen":
		return Reopen{Order: oid}, nil
	case "resync":
		return Resync{Order: oid}, nil
	}
	return nil, fmt.Errorf("%w: unknown verb %q", ErrBadPayload, verb)
}
