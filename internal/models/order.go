package models

import "time"

// Order is a customer order as stored by the local order store. Status is
// one of the values in package order; money is in whole currency units.
type Order struct {
	ID              uint   `gorm:"primaryKey;autoIncrement" db:"id"`
	CustomerID      int64  `gorm:"not null;index" db:"customer_id"`
	CustomerChatID  int64  `gorm:"index" db:"customer_chat_id"`
	CustomerName    string `gorm:"size:128" db:"customer_name"`
	Subject         string `gorm:"size:256" db:"subject"`
	Status          string `gorm:"size:32;not null;default:pending_estimation;index" db:"status"`
	Price           int64  `gorm:"default:0" db:"price"`
	DiscountPercent int    `gorm:"default:0" db:"discount_percent"`
	BonusApplied    int64  `gorm:"default:0" db:"bonus_applied"`
	PaidAmount      int64  `gorm:"default:0" db:"paid_amount"`
	WorkCategory    string `gorm:"size:64" db:"work_category"`
	DeadlineLabel   string `gorm:"size:64" db:"deadline_label"`
	ProgressPercent int    `gorm:"default:0" db:"progress_percent"`
	RevisionCount   int    `gorm:"default:0" db:"revision_count"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DeliveredAt     *time.Time `db:"delivered_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}
