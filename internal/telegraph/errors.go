package telegraph

import "errors"

var (
	// ErrThreadGone means the thread was deleted on the platform. The
	// registry heals it once by creating a new thread.
	ErrThreadGone = errors.New("telegraph: thread gone")
	// ErrMessageGone means a previously posted message no longer exists.
	ErrMessageGone = errors.New("telegraph: message gone")
	// ErrNotModified means an edit carried identical content. Callers
	// treat it as success.
	ErrNotModified = errors.New("telegraph: message not modified")
	// ErrPermissionDenied means the bot lacks a platform permission.
	ErrPermissionDenied = errors.New("telegraph: permission denied")
	// ErrDeliveryFailed means a send still failed after healing.
	ErrDeliveryFailed = errors.New("telegraph: delivery failed")
	// ErrBadPayload means a button payload could not be decoded.
	ErrBadPayload = errors.New("telegraph: bad payload")
	// ErrConversationNotFound means no conversation matches.
	ErrConversationNotFound = errors.New("telegraph: conversation not found")
)

// OutcomeKind classifies the result of one send attempt.
type OutcomeKind int

const (
	Delivered OutcomeKind = iota
	ThreadGone
	OtherError
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case ThreadGone:
		return "thread_gone"
	default:
		return "error"
	}
}

// SendOutcome is the explicit result of a send attempt.
type SendOutcome struct {
	Kind OutcomeKind
	Err  error
}

// Outcome classifies err. A nil error is Delivered.
func Outcome(err error) SendOutcome {
	switch {
	case err == nil:
		return SendOutcome{Kind: Delivered}
	case errors.Is(err, ErrThreadGone):
		return SendOutcome{Kind: ThreadGone, Err: err}
	default:
		return SendOutcome{Kind: OtherError, Err: err}
	}
}
