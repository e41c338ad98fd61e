package order

import "github.com/zulandar/signalbox/internal/models"

// FinalPrice is the amount the customer owes in total: the price less the
// percentage discount and any applied bonus, never below zero.
func FinalPrice(o *models.Order) int64 {
	discount := min(max(o.DiscountPercent, 0), 100)
	final := o.Price*int64(100-discount)/100 - o.BonusApplied
	return max(final, 0)
}

// Remaining is what is still unpaid.
func Remaining(o *models.Order) int64 {
	return max(FinalPrice(o)-o.PaidAmount, 0)
}
