package order

// progressFloor is the minimum progress shown while an order sits in a
// status. Cancelled and rejected orders drop to zero.
var progressFloor = map[Status]int{
	StatusDraft:               0,
	StatusPendingEstimation:   0,
	StatusAwaitingPayment:     10,
	StatusPaymentVerification: 15,
	StatusPaidPartial:         20,
	StatusPaidFull:            25,
	StatusInProduction:        30,
	StatusClientReview:        90,
	StatusRevision:            90,
	StatusCompleted:           100,
	StatusCancelled:           0,
	StatusRejected:            0,
}

// AutoProgress returns the progress floor for s.
func AutoProgress(s Status) int {
	return progressFloor[s]
}

// NextProgress returns the progress an order shows after moving to target.
// Progress never decreases except on cancellation or rejection.
func NextProgress(current int, target Status) int {
	if target == StatusCancelled || target == StatusRejected {
		return 0
	}
	return max(current, AutoProgress(target))
}

// CanSetProgress reports whether staff may set progress by hand in s.
func CanSetProgress(s Status) bool {
	return s == StatusInProduction || s == StatusRevision
}

// ClampProgress bounds a manual progress value to [AutoProgress(s), 100].
func ClampProgress(s Status, pct int) int {
	return max(AutoProgress(s), min(pct, 100))
}
