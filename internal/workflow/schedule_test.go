package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
	"github.com/zulandar/signalbox/internal/telegraph"
)

func newTestScheduler(t *testing.T, f *fixture, sched config.ScheduleConfig, now time.Time) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerOpts{
		Service:  f.svc,
		Schedule: sched,
		Now:      func() time.Time { return now },
		Logger:   zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestNewScheduler_RequiresService(t *testing.T) {
	if _, err := NewScheduler(SchedulerOpts{}); err == nil {
		t.Fatal("expected error without service")
	}
}

func TestNewScheduler_RegistersEnabledJobs(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		sched config.ScheduleConfig
		want  int
	}{
		{"none", config.ScheduleConfig{}, 0},
		{"reminder", config.ScheduleConfig{PaymentReminder: config.ReminderConfig{Enabled: true, Cron: "0 10 * * *"}}, 1},
		{"both", config.ScheduleConfig{
			PaymentReminder: config.ReminderConfig{Enabled: true, Cron: "0 10 * * *"},
			Resync:          config.JobConfig{Enabled: true, Cron: "*/15 * * * *"},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, f, tt.sched, time.Now())
			if got := s.Jobs(); got != tt.want {
				t.Errorf("Jobs() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewScheduler_BadCron(t *testing.T) {
	f := newFixture(t)
	_, err := NewScheduler(SchedulerOpts{
		Service:  f.svc,
		Schedule: config.ScheduleConfig{Resync: config.JobConfig{Enabled: true, Cron: "every minute"}},
	})
	if err == nil || !strings.Contains(err.Error(), "resync sweep") {
		t.Fatalf("err = %v, want resync sweep error", err)
	}
}

func TestRemindUnpaid(t *testing.T) {
	f := newFixture(t)
	stale := f.seed(t, models.Order{Status: string(order.StatusAwaitingPayment), Price: 700})
	f.seed(t, models.Order{Status: string(order.StatusInProduction), Price: 700, PaidAmount: 700})
	noChat := f.seed(t, models.Order{Status: string(order.StatusAwaitingPayment), Price: 700})
	if err := f.db.Model(&models.Order{}).Where("id = ?", noChat.ID).Update("customer_chat_id", 0).Error; err != nil {
		t.Fatal(err)
	}

	sched := config.ScheduleConfig{PaymentReminder: config.ReminderConfig{AfterHours: 24}}
	s := newTestScheduler(t, f, sched, time.Now().Add(48*time.Hour))

	n, err := s.RemindUnpaid(context.Background())
	if err != nil {
		t.Fatalf("RemindUnpaid: %v", err)
	}
	if n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
	msgs := f.chat.messages(chatID)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "waiting for your payment") {
		t.Errorf("customer messages = %v", msgs)
	}
	if !strings.Contains(f.card(t, stale.ID).Text, "Reminder sent") {
		t.Error("card missing reminder note")
	}
}

func TestRemindUnpaid_RespectsAge(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.Order{Status: string(order.StatusAwaitingPayment), Price: 700})

	sched := config.ScheduleConfig{PaymentReminder: config.ReminderConfig{AfterHours: 24}}
	s := newTestScheduler(t, f, sched, time.Now())

	n, err := s.RemindUnpaid(context.Background())
	if err != nil {
		t.Fatalf("RemindUnpaid: %v", err)
	}
	if n != 0 {
		t.Errorf("sent = %d, want 0 for a fresh order", n)
	}
}

func TestResyncSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seed(t, models.Order{Status: string(order.StatusAwaitingPayment), Price: 700})
	if _, err := f.registry.Ensure(ctx, telegraph.ForOrder(o)); err != nil {
		t.Fatal(err)
	}
	closed := f.seed(t, models.Order{Status: string(order.StatusCancelled)})
	if _, err := f.registry.Ensure(ctx, telegraph.ForOrder(closed)); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.SetActive(ctx, telegraph.OrderKey(closed.ID), false); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(t, f, config.ScheduleConfig{}, time.Now())
	n, err := s.ResyncSweep(ctx)
	if err != nil {
		t.Fatalf("ResyncSweep: %v", err)
	}
	if n != 1 {
		t.Errorf("fixed = %d, want 1", n)
	}
	if !strings.Contains(f.card(t, o.ID).Text, "#awaiting_payment") {
		t.Error("card not rendered by sweep")
	}
	if c := f.conv(t, telegraph.OrderKey(closed.ID)); c.ThreadID != nil {
		t.Error("inactive conversation got a thread")
	}

	// A second sweep finds nothing to do.
	n, err = s.ResyncSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second sweep fixed = %d, want 0", n)
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s := newTestScheduler(t, f, config.ScheduleConfig{Resync: config.JobConfig{Enabled: true, Cron: "* * * * *"}}, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
