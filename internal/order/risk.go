package order

import (
	"context"

	"github.com/zulandar/signalbox/internal/models"
)

// RiskClassifier picks the initial status of a new order: draft for orders
// that need the customer to finish them, pending_estimation for the normal
// path, awaiting_payment when the price is known up front.
type RiskClassifier interface {
	Classify(ctx context.Context, o *models.Order) (Status, error)
}

// RiskClassifierFunc adapts a function to RiskClassifier.
type RiskClassifierFunc func(ctx context.Context, o *models.Order) (Status, error)

// Classify calls f.
func (f RiskClassifierFunc) Classify(ctx context.Context, o *models.Order) (Status, error) {
	return f(ctx, o)
}

// DefaultClassifier sends priced orders straight to awaiting_payment and
// everything else to pending_estimation.
var DefaultClassifier = RiskClassifierFunc(func(_ context.Context, o *models.Order) (Status, error) {
	if o.Price > 0 {
		return StatusAwaitingPayment, nil
	}
	return StatusPendingEstimation, nil
})
