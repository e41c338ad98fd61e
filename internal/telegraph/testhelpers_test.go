package telegraph

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
)

type fixture struct {
	db       *gorm.DB
	platform *MockPlatform
	registry *Registry
	orders   *order.GormStore
	syncer   *CardSyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	p := NewMockPlatform()
	logger := zaptest.NewLogger(t)
	reg, err := NewRegistry(RegistryOpts{DB: gdb, Platform: p, Logger: logger})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store, err := order.NewGormStore(gdb)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	syncer, err := NewCardSyncer(CardSyncerOpts{Registry: reg, Platform: p, Orders: store, Logger: logger})
	if err != nil {
		t.Fatalf("NewCardSyncer: %v", err)
	}
	return &fixture{db: gdb, platform: p, registry: reg, orders: store, syncer: syncer}
}

func (f *fixture) seedOrder(t *testing.T, o models.Order) *models.Order {
	t.Helper()
	if o.CustomerID == 0 {
		o.CustomerID = 7
	}
	if o.Status == "" {
		o.Status = string(order.StatusPendingEstimation)
	}
	if err := f.orders.Create(context.Background(), &o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return &o
}

// bindThread stores a conversation already bound to threadID.
func (f *fixture) bindThread(t *testing.T, o *models.Order, threadID string, pinned *string) *models.Conversation {
	t.Helper()
	f.platform.AddThread(threadID, "pre-existing")
	conv, err := f.registry.Ensure(context.Background(), ForOrder(o))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	updates := map[string]interface{}{"thread_id": threadID, "pinned_card_message_id": pinned}
	if err := f.db.Model(conv).Updates(updates).Error; err != nil {
		t.Fatalf("bind thread: %v", err)
	}
	return f.conv(t, o.ID)
}

func (f *fixture) conv(t *testing.T, orderID uint) *models.Conversation {
	t.Helper()
	conv, err := f.registry.Get(context.Background(), OrderKey(orderID))
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	return conv
}

func strp(s string) *string { return &s }

// fakeOperator records what the router and command handler ask for.
type fakeOperator struct {
	mu        sync.Mutex
	performed []performed
	relayed   []string
	inbound   []CustomerMessage
	err       error
	relayErr  error
	result    *models.Order
}

type performed struct {
	action Action
	actor  order.Actor
}

func (f *fakeOperator) Perform(ctx context.Context, a Action, by order.Actor) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performed = append(f.performed, performed{a, by})
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &models.Order{ID: a.OrderID(), Status: string(order.StatusInProduction)}, nil
}

func (f *fakeOperator) RelayToCustomer(ctx context.Context, conv *models.Conversation, from, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayed = append(f.relayed, from+": "+text)
	return f.relayErr
}

func (f *fakeOperator) RelayFromCustomer(ctx context.Context, msg CustomerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, msg)
	return nil
}

func (f *fakeOperator) snapshot() ([]performed, []string, []CustomerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]performed(nil), f.performed...), append([]string(nil), f.relayed...), append([]CustomerMessage(nil), f.inbound...)
}
