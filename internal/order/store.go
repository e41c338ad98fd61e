package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/signalbox/internal/models"
)

// Store persists orders. Update must run fn against a locked copy of the
// row and write the result atomically; if fn fails nothing is written.
type Store interface {
	Get(ctx context.Context, id uint) (*models.Order, error)
	Create(ctx context.Context, o *models.Order) error
	Save(ctx context.Context, o *models.Order) error
	Update(ctx context.Context, id uint, fn func(*models.Order) error) (*models.Order, error)
	FindByThread(ctx context.Context, threadID string) (*models.Order, error)
	FindActiveByChat(ctx context.Context, chatID int64) (*models.Order, error)
	ListByStatus(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]models.Order, error)
}

// terminalStatuses as strings, for queries.
var terminalStatuses = []string{string(StatusCompleted), string(StatusCancelled), string(StatusRejected)}

// GormStore keeps orders in the same database as conversations.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("order: store: db is required")
	}
	return &GormStore{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Get loads one order.
func (s *GormStore) Get(ctx context.Context, id uint) (*models.Order, error) {
	var o models.Order
	if err := s.db.WithContext(ctx).First(&o, id).Error; err != nil {
		return nil, fmt.Errorf("order: get %d: %w", id, notFound(err))
	}
	return &o, nil
}

// Create inserts a new order and fills in its ID.
func (s *GormStore) Create(ctx context.Context, o *models.Order) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("order: create: %w", err)
	}
	return nil
}

// Save writes every column of o.
func (s *GormStore) Save(ctx context.Context, o *models.Order) error {
	if err := s.db.WithContext(ctx).Save(o).Error; err != nil {
		return fmt.Errorf("order: save %d: %w", o.ID, err)
	}
	return nil
}

// Update locks the row, applies fn and saves, all in one transaction.
func (s *GormStore) Update(ctx context.Context, id uint, fn func(*models.Order) error) (*models.Order, error) {
	var out models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, id).Error; err != nil {
			return notFound(err)
		}
		if err := fn(&out); err != nil {
			return err
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("order: update %d: %w", id, err)
	}
	return &out, nil
}

// FindByThread returns the order whose conversation is bound to threadID.
func (s *GormStore) FindByThread(ctx context.Context, threadID string) (*models.Order, error) {
	var o models.Order
	err := s.db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.order_id = orders.id").
		Where("conversations.thread_id = ?", threadID).
		First(&o).Error
	if err != nil {
		return nil, fmt.Errorf("order: find by thread %s: %w", threadID, notFound(err))
	}
	return &o, nil
}

// FindActiveByChat returns the most recently updated non-terminal order of
// the customer chatting from chatID.
func (s *GormStore) FindActiveByChat(ctx context.Context, chatID int64) (*models.Order, error) {
	var o models.Order
	err := s.db.WithContext(ctx).
		Where("customer_chat_id = ? AND status NOT IN ?", chatID, terminalStatuses).
		Order("updated_at DESC").
		First(&o).Error
	if err != nil {
		return nil, fmt.Errorf("order: find active by chat %d: %w", chatID, notFound(err))
	}
	return &o, nil
}

// ListByStatus returns orders in any of statuses last updated before the
// given time, oldest first. A zero time matches every order.
func (s *GormStore) ListByStatus(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]models.Order, error) {
	q := s.db.WithContext(ctx).Where("status IN ?", statusStrings(statuses))
	if !updatedBefore.IsZero() {
		q = q.Where("updated_at < ?", updatedBefore)
	}
	var out []models.Order
	if err := q.Order("updated_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("order: list by status: %w", err)
	}
	return out, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
