package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
)

// ---------------------------------------------------------------------------
// Constructor and keys
// ---------------------------------------------------------------------------

func TestNewRegistry_Validation(t *testing.T) {
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := NewRegistry(RegistryOpts{Platform: NewMockPlatform()}); err == nil {
		t.Error("expected error without db")
	}
	if _, err := NewRegistry(RegistryOpts{DB: gdb}); err == nil {
		t.Error("expected error without platform")
	}
}

func TestKey_OrderID(t *testing.T) {
	tests := []struct {
		key  Key
		want uint
		ok   bool
	}{
		{OrderKey(42), 42, true},
		{SupportKey(7), 0, false},
		{Key("order:abc"), 0, false},
		{Key("order:0"), 0, false},
	}
	for _, tt := range tests {
		got, ok := tt.key.OrderID()
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s.OrderID() = %d, %v, want %d, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

// ---------------------------------------------------------------------------
// Ensure
// ---------------------------------------------------------------------------

func TestEnsure_CreatesOnceAndReuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOrder(t, models.Order{CustomerChatID: 900})

	first, err := f.registry.Ensure(ctx, ForOrder(o))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := f.registry.Ensure(ctx, ForOrder(o))
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Ensure created two rows: %d and %d", first.ID, second.ID)
	}
	if !second.IsActive || second.ChatID != 900 || second.OrderID == nil || *second.OrderID != o.ID {
		t.Errorf("conversation = %+v", second)
	}
}

func TestEnsure_ConcurrentSingleRow(t *testing.T) {
	f := newFixture(t)
	b := ForSupport(1100)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.registry.Ensure(context.Background(), b); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Ensure: %v", err)
	}

	var n int64
	f.db.Model(&models.Conversation{}).Where("`key` = ?", string(b.Key)).Count(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// GetOrCreateThread
// ---------------------------------------------------------------------------

func TestGetOrCreateThread_CreatesAndPostsHeader(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{Subject: "Thesis"})

	threadID, err := f.registry.GetOrCreateThread(context.Background(), ForOrder(o))
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if !f.platform.HasThread(threadID) {
		t.Fatalf("thread %s not created", threadID)
	}
	if name := f.platform.ThreadName(threadID); name != fmt.Sprintf("Order #%d", o.ID) {
		t.Errorf("thread name = %q", name)
	}
	conv := f.conv(t, o.ID)
	if conv.ThreadID == nil || *conv.ThreadID != threadID {
		t.Errorf("stored thread = %v, want %s", conv.ThreadID, threadID)
	}
	// Header plus the card rendered by the creation hook.
	if msgs := f.platform.Messages(threadID); len(msgs) != 2 {
		t.Errorf("messages = %d, want header and card", len(msgs))
	}
	if conv.PinnedCardMessageID == nil {
		t.Error("card not pinned after thread creation")
	}
}

func TestGetOrCreateThread_AliveThreadUnchanged(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{})
	f.bindThread(t, o, "thread-alive", strp("card-1"))

	threadID, err := f.registry.GetOrCreateThread(context.Background(), ForOrder(o))
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if threadID != "thread-alive" {
		t.Errorf("thread = %s, want thread-alive", threadID)
	}
	if n := f.platform.CreateThreadCount(); n != 0 {
		t.Errorf("CreateThreadCount = %d, want 0", n)
	}
	conv := f.conv(t, o.ID)
	if conv.PinnedCardMessageID == nil || *conv.PinnedCardMessageID != "card-1" {
		t.Errorf("pinned = %v, want card-1 untouched", conv.PinnedCardMessageID)
	}
}

func TestGetOrCreateThread_HealsDeletedThread(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{})
	f.bindThread(t, o, "77", strp("card-1"))
	f.platform.DeleteThread("77")

	threadID, err := f.registry.GetOrCreateThread(context.Background(), ForOrder(o))
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if threadID == "77" {
		t.Fatal("stale thread returned")
	}
	if n := f.platform.CreateThreadCount(); n != 1 {
		t.Errorf("CreateThreadCount = %d, want 1", n)
	}
	conv := f.conv(t, o.ID)
	if *conv.ThreadID != threadID {
		t.Errorf("stored thread = %s, want %s", *conv.ThreadID, threadID)
	}
	if conv.PinnedCardMessageID == nil || *conv.PinnedCardMessageID == "card-1" {
		t.Errorf("pinned = %v, want a fresh card in the new thread", conv.PinnedCardMessageID)
	}
}

func TestGetOrCreateThread_ConcurrentHealCreatesOneThread(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{})
	f.bindThread(t, o, "77", strp("card-1"))
	f.platform.DeleteThread("77")

	const n = 8
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.registry.GetOrCreateThread(context.Background(), ForOrder(o))
			if err != nil {
				t.Errorf("GetOrCreateThread: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("callers saw %d different threads, want 1: %v", len(seen), seen)
	}
	if c := f.platform.CreateThreadCount(); c != 1 {
		t.Errorf("CreateThreadCount = %d, want 1", c)
	}
	for id := range seen {
		if pins := f.platform.Pinned(id); len(pins) != 1 {
			t.Errorf("pinned cards in %s = %d, want 1", id, len(pins))
		}
	}
}

func TestGetOrCreateThread_ProbeErrorPropagates(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{})
	f.bindThread(t, o, "thread-1", nil)
	boom := errors.New("gateway down")
	f.platform.SetProbeError(boom)

	_, err := f.registry.GetOrCreateThread(context.Background(), ForOrder(o))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want probe error", err)
	}
	if n := f.platform.CreateThreadCount(); n != 0 {
		t.Errorf("CreateThreadCount = %d, want 0", n)
	}
	conv := f.conv(t, o.ID)
	if conv.ThreadID == nil || *conv.ThreadID != "thread-1" {
		t.Errorf("thread cleared on non-gone probe error")
	}
}

func TestGetOrCreateThread_SupportSkipsCard(t *testing.T) {
	f := newFixture(t)
	threadID, err := f.registry.GetOrCreateThread(context.Background(), ForSupport(500))
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if msgs := f.platform.Messages(threadID); len(msgs) != 1 {
		t.Errorf("messages = %d, want header only", len(msgs))
	}
}

func TestCreateThread_AdoptsWinner(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{})
	conv, err := f.registry.Ensure(context.Background(), ForOrder(o))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// Another process claimed a thread between our read and our claim.
	f.platform.AddThread("winner", "other process")
	f.db.Model(conv).Update("thread_id", "winner")

	res, err := f.registry.createThread(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("createThread: %v", err)
	}
	if res.fresh || *res.conv.ThreadID != "winner" {
		t.Errorf("createThread = fresh %v thread %s, want adopted winner", res.fresh, *res.conv.ThreadID)
	}
	if n := f.platform.CreateThreadCount(); n != 0 {
		t.Errorf("CreateThreadCount = %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// SendWithSelfHeal
// ---------------------------------------------------------------------------

func TestSendWithSelfHeal_Delivered(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{})
	f.bindThread(t, o, "thread-1", nil)

	var got []string
	err := f.registry.SendWithSelfHeal(context.Background(), ForOrder(o), func(ctx context.Context, threadID string) error {
		got = append(got, threadID)
		return nil
	})
	if err != nil {
		t.Fatalf("SendWithSelfHeal: %v", err)
	}
	if len(got) != 1 || got[0] != "thread-1" {
		t.Errorf("sends = %v, want [thread-1]", got)
	}
}

func TestSendWithSelfHeal_HealsOnce(t *testing.T) {
	f := newFixture(t)
	o := f.seedOrder(t, models.Order{})
	f.bindThread(t, o, "77", strp("card-1"))

	var attempts []string
	err := f.registry.SendWithSelfHeal(context.Background(), ForOrder(o), func(ctx context.Context, threadID string) error {
		attempts = append(attempts, threadID)
		// The thread vanishes between probe and send.
		f.platform.DeleteThread("77")
		_, err := f.platform.Post(ctx, threadID, Message{Text: "hello"})
		return err
	})
	if err != nil {
		t.Fatalf("SendWithSelfHeal: %v", err)
	}
	if len(attempts) != 2 || attempts[0] != "77" || attempts[1] == "77" {
		t.Errorf("attempts = %v, want 77 then a new thread", attempts)
	}
	conv := f.conv(t, o.ID)
	if *conv.ThreadID != attempts[1] {
		t.Errorf("stored thread = %s, want %s", *conv.ThreadID, attempts[1])
	}
	if conv.PinnedCardMessageID != nil && *conv.PinnedCardMessageID == "card-1" {
		t.Error("stale pinned card id survived the heal")
	}
}

func TestSendWithSelfHeal_GivesUpAfterOneRetry(t *testing.T) {
	f := newFixture(t)

	calls := 0
	err := f.registry.SendWithSelfHeal(context.Background(), ForSupport(1), func(ctx context.Context, threadID string) error {
		calls++
		return fmt.Errorf("wrapped: %w", ErrThreadGone)
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if calls != 1+MaxHealRetries {
		t.Errorf("calls = %d, want %d", calls, 1+MaxHealRetries)
	}
}

func TestSendWithSelfHeal_OtherErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("rate limited")
	calls := 0
	err := f.registry.SendWithSelfHeal(context.Background(), ForSupport(1), func(ctx context.Context, threadID string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want OutcomeKind
	}{
		{nil, Delivered},
		{fmt.Errorf("x: %w", ErrThreadGone), ThreadGone},
		{ErrMessageGone, OtherError},
		{errors.New("boom"), OtherError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err).Kind; got != tt.want {
			t.Errorf("Outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Lookups and history
// ---------------------------------------------------------------------------

func TestFindByThreadAndOrderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOrder(t, models.Order{})
	f.bindThread(t, o, "thread-9", nil)

	id, err := f.registry.OrderIDByThread(ctx, "thread-9")
	if err != nil || id != o.ID {
		t.Errorf("OrderIDByThread = %d, %v, want %d", id, err, o.ID)
	}
	if _, err := f.registry.FindByThread(ctx, "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("unknown thread err = %v", err)
	}

	supportThread, err := f.registry.GetOrCreateThread(ctx, ForSupport(300))
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if _, err := f.registry.OrderIDByThread(ctx, supportThread); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("support thread err = %v, want ErrConversationNotFound", err)
	}
}

func TestRecordMessage_PreviewAndUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.registry.Ensure(ctx, ForSupport(400))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	long := strings.Repeat("x", 300)
	steps := []struct {
		role, text string
	}{
		{RoleCustomer, "hello"},
		{RoleStaff, "hi there"},
		{RoleCustomer, long},
	}
	for _, s := range steps {
		if err := f.registry.RecordMessage(ctx, conv.ID, s.role, "someone", s.text, ""); err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
	}

	got, _ := f.registry.Get(ctx, Key(conv.Key))
	if got.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2", got.UnreadCount)
	}
	if got.LastSender != RoleCustomer {
		t.Errorf("LastSender = %q", got.LastSender)
	}
	if n := len([]rune(got.LastMessagePreview)); n != 253 {
		t.Errorf("preview length = %d, want 253", n)
	}

	if err := f.registry.MarkRead(ctx, conv.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	got, _ = f.registry.Get(ctx, Key(conv.Key))
	if got.UnreadCount != 0 {
		t.Errorf("UnreadCount after MarkRead = %d", got.UnreadCount)
	}

	hist, err := f.registry.History(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Content != "hi there" {
		t.Errorf("History = %+v, want last two oldest first", hist)
	}
}

func TestSetActiveAndUnthreaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedOrder(t, models.Order{})
	b := f.seedOrder(t, models.Order{})
	c := f.seedOrder(t, models.Order{})
	for _, o := range []*models.Order{a, b, c} {
		if _, err := f.registry.Ensure(ctx, ForOrder(o)); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	f.bindThread(t, b, "thread-b", nil)
	if err := f.registry.SetActive(ctx, OrderKey(c.ID), false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	convs, err := f.registry.Unthreaded(ctx)
	if err != nil {
		t.Fatalf("Unthreaded: %v", err)
	}
	if len(convs) != 1 || *convs[0].OrderID != a.ID {
		t.Errorf("Unthreaded = %+v, want only order %d", convs, a.ID)
	}
}
