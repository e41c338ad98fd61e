package order

// Stage is the coarse, presentation-level grouping of statuses shown on the
// staff card. It is derived from Status and never stored.
type Stage string

const (
	StageNew                 Stage = "new"
	StageAwaitingPayment     Stage = "awaiting_payment"
	StagePaymentVerification Stage = "payment_verification"
	StageInProduction        Stage = "in_production"
	StageClientReview        Stage = "client_review"
	StageRevision            Stage = "revision"
	StageDone                Stage = "done"
	StageClosed              Stage = "closed"
)

// DeriveStage maps a status to its card stage. Unknown statuses map to
// StageClosed so that they render without actions.
func DeriveStage(s Status) Stage {
	switch s {
	case StatusDraft, StatusPendingEstimation:
		return StageNew
	case StatusAwaitingPayment:
		return StageAwaitingPayment
	case StatusPaymentVerification:
		return StagePaymentVerification
	case StatusPaidPartial, StatusPaidFull, StatusInProduction:
		return StageInProduction
	case StatusClientReview:
		return StageClientReview
	case StatusRevision:
		return StageRevision
	case StatusCompleted:
		return StageDone
	default:
		return StageClosed
	}
}
