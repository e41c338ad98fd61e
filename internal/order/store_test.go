package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

func TestNewGormStore_RequiresDB(t *testing.T) {
	if _, err := NewGormStore(nil); err == nil {
		t.Fatal("expected error without db")
	}
}

func TestGormStore_GetNotFound(t *testing.T) {
	_, store := newTestMachine(t)
	_, err := store.Get(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGormStore_FindByThread(t *testing.T) {
	_, store := newTestMachine(t)
	ctx := context.Background()
	o := seed(t, store, models.Order{Status: string(StatusInProduction), Subject: "Essay"})

	thread := "thread-77"
	conv := models.Conversation{Key: "order:1", OrderID: &o.ID, UserID: 7, ThreadID: &thread}
	if err := store.db.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	got, err := store.FindByThread(ctx, "thread-77")
	if err != nil {
		t.Fatalf("FindByThread: %v", err)
	}
	if got.ID != o.ID || got.Subject != "Essay" {
		t.Errorf("got order %d %q, want %d Essay", got.ID, got.Subject, o.ID)
	}

	if _, err := store.FindByThread(ctx, "thread-00"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown thread err = %v, want ErrNotFound", err)
	}
}

func TestGormStore_FindActiveByChat(t *testing.T) {
	_, store := newTestMachine(t)
	ctx := context.Background()
	seed(t, store, models.Order{Status: string(StatusCompleted), CustomerChatID: 555})
	active := seed(t, store, models.Order{Status: string(StatusInProduction), CustomerChatID: 555})
	seed(t, store, models.Order{Status: string(StatusInProduction), CustomerChatID: 556})

	got, err := store.FindActiveByChat(ctx, 555)
	if err != nil {
		t.Fatalf("FindActiveByChat: %v", err)
	}
	if got.ID != active.ID {
		t.Errorf("got order %d, want %d", got.ID, active.ID)
	}

	if _, err := store.FindActiveByChat(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGormStore_ListByStatus(t *testing.T) {
	_, store := newTestMachine(t)
	ctx := context.Background()
	old := seed(t, store, models.Order{Status: string(StatusAwaitingPayment)})
	seed(t, store, models.Order{Status: string(StatusAwaitingPayment)})
	seed(t, store, models.Order{Status: string(StatusPaidFull)})

	past := time.Now().Add(-48 * time.Hour)
	if err := store.db.Model(&models.Order{}).Where("id = ?", old.ID).UpdateColumn("updated_at", past).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	all, err := store.ListByStatus(ctx, []Status{StatusAwaitingPayment}, time.Time{})
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len = %d, want 2", len(all))
	}

	stale, err := store.ListByStatus(ctx, []Status{StatusAwaitingPayment}, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale = %+v, want only order %d", stale, old.ID)
	}
}

func TestGormStore_SaveAndUpdate(t *testing.T) {
	_, store := newTestMachine(t)
	ctx := context.Background()
	o := seed(t, store, models.Order{Status: string(StatusDraft)})

	o.Subject = "Coursework"
	if err := store.Save(ctx, o); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Update(ctx, o.ID, func(o *models.Order) error {
		o.DeadlineLabel = "3 days"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Subject != "Coursework" || got.DeadlineLabel != "3 days" {
		t.Errorf("got %q/%q, want Coursework/3 days", got.Subject, got.DeadlineLabel)
	}
}
