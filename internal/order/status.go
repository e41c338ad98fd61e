// Package order implements the order lifecycle: the status state machine,
// the card stage derived from a status, progress floors, and the stores
// that persist orders.
package order

// Status is the lifecycle position of an order.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusPendingEstimation   Status = "pending_estimation"
	StatusAwaitingPayment     Status = "awaiting_payment"
	StatusPaymentVerification Status = "payment_verification"
	StatusPaidPartial         Status = "paid_partial"
	StatusPaidFull            Status = "paid_full"
	StatusInProduction        Status = "in_production"
	StatusClientReview        Status = "client_review"
	StatusRevision            Status = "revision"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusRejected            Status = "rejected"
)

var allStatuses = []Status{
	StatusDraft,
	StatusPendingEstimation,
	StatusAwaitingPayment,
	StatusPaymentVerification,
	StatusPaidPartial,
	StatusPaidFull,
	StatusInProduction,
	StatusClientReview,
	StatusRevision,
	StatusCompleted,
	StatusCancelled,
	StatusRejected,
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the lifecycle. Only Reopen leaves a
// terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// Initial reports whether an order may be created in status s.
func (s Status) Initial() bool {
	return s == StatusDraft || s == StatusPendingEstimation || s == StatusAwaitingPayment
}

// UserCanCancel reports whether the customer may still cancel from s.
func UserCanCancel(s Status) bool {
	return s == StatusDraft || s == StatusPendingEstimation || s == StatusAwaitingPayment
}

// Actor is who asks for a transition.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorStaff    Actor = "staff"
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
)

// staffLike reports whether a acts with staff authority. Admins and timers
// may do everything staff may.
func (a Actor) staffLike() bool {
	return a == ActorStaff || a == ActorAdmin || a == ActorSystem
}

type role uint8

const (
	byCustomer role = 1 << iota
	byStaff
)

type edge struct {
	from, to Status
}

// transitions is the complete edge table apart from cancellation, rejection
// and reopening, which are checked in Allowed.
var transitions = map[edge]role{
	{StatusDraft, StatusPendingEstimation}:             byCustomer,
	{StatusPendingEstimation, StatusAwaitingPayment}:   byStaff,
	{StatusAwaitingPayment, StatusPaymentVerification}: byCustomer,
	{StatusPaymentVerification, StatusPaidPartial}:     byStaff,
	{StatusPaymentVerification, StatusPaidFull}:        byStaff,
	{StatusPaymentVerification, StatusAwaitingPayment}: byStaff,
	{StatusPaidPartial, StatusPaymentVerification}:     byCustomer,
	{StatusPaidPartial, StatusInProduction}:            byStaff,
	{StatusPaidFull, StatusInProduction}:               byStaff,
	{StatusInProduction, StatusClientReview}:           byStaff,
	{StatusClientReview, StatusCompleted}:              byCustomer | byStaff,
	{StatusClientReview, StatusRevision}:               byCustomer,
	{StatusRevision, StatusClientReview}:               byStaff,
}

// Allowed reports whether actor may move an order from one status to
// another. It does not consider the revision limit, which needs the order.
// Leaving a terminal status is never allowed here; see Machine.Reopen.
func Allowed(from, to Status, actor Actor) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return actor == ActorCustomer && UserCanCancel(from)
	case StatusRejected:
		return actor.staffLike()
	}
	r, ok := transitions[edge{from, to}]
	if !ok {
		return false
	}
	if actor == ActorCustomer {
		return r&byCustomer != 0
	}
	if actor.staffLike() {
		return r&byStaff != 0
	}
	return false
}

// Targets returns, in lifecycle order, every status actor may move an order
// to from the given status.
func Targets(from Status, actor Actor) []Status {
	var out []Status
	for _, to := range allStatuses {
		if Allowed(from, to, actor) {
			out = append(out, to)
		}
	}
	return out
}
