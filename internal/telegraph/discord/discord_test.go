package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/signalbox/internal/telegraph"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	handlers    []interface{}
	removeCount int

	channels    map[string]*discordgo.Channel // REST and state lookups
	threads     []*discordgo.ThreadStart
	threadErr   error
	sent        []sentMessage
	sendErr     error
	edits       []*discordgo.MessageEdit
	editErr     error
	pins        []string
	pinErr      error
	responses   []*discordgo.InteractionResponse
	nextMessage int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession {
	return &mockSession{channels: make(map[string]*discordgo.Channel)}
}

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "error"},
	}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, restErr(http.StatusNotFound, discordgo.ErrCodeUnknownChannel)
}

func (m *mockSession) StateChannel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (m *mockSession) ThreadStartComplex(channelID string, data *discordgo.ThreadStart) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threadErr != nil {
		return nil, m.threadErr
	}
	m.threads = append(m.threads, data)
	ch := &discordgo.Channel{ID: fmt.Sprintf("thread-%d", len(m.threads)), ParentID: channelID, Type: discordgo.ChannelTypeGuildPublicThread}
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.nextMessage++
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.nextMessage)}, nil
}

func (m *mockSession) ChannelMessageEditComplex(data *discordgo.MessageEdit) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edits = append(m.edits, data)
	return &discordgo.Message{ID: data.ID}, nil
}

func (m *mockSession) ChannelMessagePin(channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinErr != nil {
		return m.pinErr
	}
	m.pins = append(m.pins, channelID+"/"+messageID)
	return nil
}

func (m *mockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

// dispatch delivers an event to every registered handler of its type.
func (m *mockSession) dispatch(event interface{}) {
	m.mu.Lock()
	handlers := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		switch e := event.(type) {
		case *discordgo.Ready:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
				fn(nil, e)
			}
		case *discordgo.MessageCreate:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
				fn(nil, e)
			}
		case *discordgo.InteractionCreate:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.InteractionCreate)); ok {
				fn(nil, e)
			}
		}
	}
}

func newTestPlatform(t *testing.T) (*Platform, *mockSession) {
	t.Helper()
	sess := newMockSession()
	p, err := New(Opts{Session: sess, ChannelID: "C_STAFF"})
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.SetBotUserID("BOT_USER_ID")
	return p, sess
}

func receive(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
		return telegraph.InboundMessage{}
	}
}

// --- New / Connect / Close ---

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("missing token err = %v", err)
	}
	if _, err := New(Opts{BotToken: "t"}); err == nil || !strings.Contains(err.Error(), "channel") {
		t.Errorf("missing channel err = %v", err)
	}
	if _, err := New(Opts{BotToken: "t", ChannelID: "C"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConnect_OpensAndCapturesBotID(t *testing.T) {
	p, sess := newTestPlatform(t)
	if !sess.opened {
		t.Error("expected session to be opened")
	}
	sess.dispatch(&discordgo.Ready{User: &discordgo.User{ID: "B1", Username: "signalbox"}})
	if p.BotUserID() != "B1" {
		t.Errorf("BotUserID = %q, want B1", p.BotUserID())
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Errorf("second connect: %v", err)
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway error")
	p, _ := New(Opts{Session: sess, ChannelID: "C"})
	if err := p.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("err = %v, want open gateway error", err)
	}
}

func TestClose_RemovesHandlersAndIsIdempotent(t *testing.T) {
	p, sess := newTestPlatform(t)
	if _, err := p.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sess.removeCount != 2 || !sess.closeCalled {
		t.Errorf("removeCount = %d closeCalled = %v", sess.removeCount, sess.closeCalled)
	}
	if err := p.Connect(context.Background()); err == nil {
		t.Error("connect after close succeeded")
	}
}

func TestOperations_RequireConnect(t *testing.T) {
	p, _ := New(Opts{Session: newMockSession(), ChannelID: "C"})
	ctx := context.Background()
	if _, err := p.Listen(ctx); err == nil {
		t.Error("Listen before connect succeeded")
	}
	if _, err := p.CreateThread(ctx, "x"); err == nil {
		t.Error("CreateThread before connect succeeded")
	}
	if _, err := p.Post(ctx, "t", telegraph.Message{Text: "x"}); err == nil {
		t.Error("Post before connect succeeded")
	}
	if err := p.Probe(ctx, "t"); err == nil {
		t.Error("Probe before connect succeeded")
	}
}

// --- Listen ---

func TestListen_ThreadMessage(t *testing.T) {
	p, sess := newTestPlatform(t)
	sess.channels["T1"] = &discordgo.Channel{ID: "T1", ParentID: "C_STAFF", Type: discordgo.ChannelTypeGuildPublicThread}
	ch, err := p.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sess.dispatch(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "123456789012345678", ChannelID: "T1", Content: "hello",
		Author: &discordgo.User{ID: "U_ALICE", Username: "Alice"},
	}})

	msg := receive(t, ch)
	if msg.Platform != "discord" || msg.ThreadID != "T1" || msg.UserID != "U_ALICE" || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.MessageID != "123456789012345678" || msg.IsClick() {
		t.Errorf("msg = %+v", msg)
	}
}

func TestListen_TopLevelMessageHasNoThread(t *testing.T) {
	p, sess := newTestPlatform(t)
	ch, _ := p.Listen(context.Background())
	sess.dispatch(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "C_STAFF", Content: "!sb help",
		Author: &discordgo.User{ID: "U1", Username: "u"},
	}})
	if msg := receive(t, ch); msg.ThreadID != "" {
		t.Errorf("ThreadID = %q, want empty", msg.ThreadID)
	}
}

func TestListen_FiltersSelfAndBots(t *testing.T) {
	p, sess := newTestPlatform(t)
	ch, _ := p.Listen(context.Background())

	for _, author := range []*discordgo.User{
		nil,
		{ID: "BOT_USER_ID", Username: "me"},
		{ID: "OTHER_BOT", Username: "bot", Bot: true},
	} {
		sess.dispatch(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", ChannelID: "C", Author: author}})
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListen_ButtonClick(t *testing.T) {
	p, sess := newTestPlatform(t)
	ch, _ := p.Listen(context.Background())

	sess.dispatch(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "T1",
		Message:   &discordgo.Message{ID: "card-1"},
		Member:    &discordgo.Member{User: &discordgo.User{ID: "U_STAFF", Username: "Kim"}},
		Data:      discordgo.MessageComponentInteractionData{CustomID: "deliver:42"},
	}})

	msg := receive(t, ch)
	if !msg.IsClick() || msg.Payload != "deliver:42" || msg.ThreadID != "T1" || msg.UserID != "U_STAFF" || msg.MessageID != "card-1" {
		t.Errorf("msg = %+v", msg)
	}
	if len(sess.responses) != 1 || sess.responses[0].Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Errorf("responses = %+v", sess.responses)
	}
}

func TestListen_IgnoresOtherInteractions(t *testing.T) {
	p, sess := newTestPlatform(t)
	ch, _ := p.Listen(context.Background())
	sess.dispatch(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
		User: &discordgo.User{ID: "U1"},
	}})
	select {
	case msg := <-ch:
		t.Errorf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- Threads and messages ---

func TestCreateThread(t *testing.T) {
	p, sess := newTestPlatform(t)
	id, err := p.CreateThread(context.Background(), "Order #42")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != "thread-1" {
		t.Errorf("id = %q", id)
	}
	ts := sess.threads[0]
	if ts.Name != "Order #42" || ts.Type != discordgo.ChannelTypeGuildPublicThread || ts.AutoArchiveDuration != threadArchiveMinutes {
		t.Errorf("thread start = %+v", ts)
	}
}

func TestPost_CardAsEmbedWithButtons(t *testing.T) {
	p, sess := newTestPlatform(t)
	buttons := make([]telegraph.Button, 7)
	for i := range buttons {
		buttons[i] = telegraph.Button{Label: fmt.Sprintf("b%d", i), Payload: fmt.Sprintf("remind:%d", i+1), Style: telegraph.ButtonDanger}
	}
	id, err := p.Post(context.Background(), "T1", telegraph.Message{Title: "Order #1", Text: "body", Color: "#36a64f", Buttons: buttons})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("id = %q", id)
	}
	sent := sess.sent[0]
	if sent.channelID != "T1" || sent.data.Content != "" {
		t.Errorf("sent = %+v", sent)
	}
	if len(sent.data.Embeds) != 1 || sent.data.Embeds[0].Title != "Order #1" || sent.data.Embeds[0].Color != 0x36a64f {
		t.Errorf("embed = %+v", sent.data.Embeds)
	}
	if len(sent.data.Components) != 2 {
		t.Fatalf("rows = %d, want 2", len(sent.data.Components))
	}
	first := sent.data.Components[0].(discordgo.ActionsRow)
	if len(first.Components) != buttonsPerRow {
		t.Errorf("first row = %d buttons", len(first.Components))
	}
	b := first.Components[0].(discordgo.Button)
	if b.CustomID != "remind:1" || b.Style != discordgo.DangerButton {
		t.Errorf("button = %+v", b)
	}
}

func TestPost_PlainText(t *testing.T) {
	p, sess := newTestPlatform(t)
	if _, err := p.Post(context.Background(), "T1", telegraph.Message{Text: "hi"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if sess.sent[0].data.Content != "hi" || len(sess.sent[0].data.Embeds) != 0 {
		t.Errorf("sent = %+v", sess.sent[0].data)
	}
}

func TestEdit_ReplacesEverything(t *testing.T) {
	p, sess := newTestPlatform(t)
	err := p.Edit(context.Background(), "T1", "M1", telegraph.Message{Title: "t", Text: "new"})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	e := sess.edits[0]
	if e.Channel != "T1" || e.ID != "M1" {
		t.Errorf("edit target = %s/%s", e.Channel, e.ID)
	}
	if e.Components == nil || len(*e.Components) != 0 {
		t.Error("edit should clear buttons")
	}
	if e.Embeds == nil || len(*e.Embeds) != 1 || (*e.Embeds)[0].Description != "new" {
		t.Errorf("embeds = %+v", e.Embeds)
	}
}

func TestPin(t *testing.T) {
	p, sess := newTestPlatform(t)
	if err := p.Pin(context.Background(), "T1", "M1"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if len(sess.pins) != 1 || sess.pins[0] != "T1/M1" {
		t.Errorf("pins = %v", sess.pins)
	}
}

func TestProbe(t *testing.T) {
	p, sess := newTestPlatform(t)
	sess.channels["T1"] = &discordgo.Channel{ID: "T1"}
	if err := p.Probe(context.Background(), "T1"); err != nil {
		t.Errorf("Probe(T1) = %v", err)
	}
	if err := p.Probe(context.Background(), "T_DELETED"); !errors.Is(err, telegraph.ErrThreadGone) {
		t.Errorf("Probe(deleted) = %v, want ErrThreadGone", err)
	}
}

// --- Error classification ---

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unknown channel", restErr(404, discordgo.ErrCodeUnknownChannel), telegraph.ErrThreadGone},
		{"unknown message", restErr(404, discordgo.ErrCodeUnknownMessage), telegraph.ErrMessageGone},
		{"missing access", restErr(403, discordgo.ErrCodeMissingAccess), telegraph.ErrPermissionDenied},
		{"missing permissions", restErr(403, discordgo.ErrCodeMissingPermissions), telegraph.ErrPermissionDenied},
		{"bare forbidden", &discordgo.RESTError{Response: &http.Response{StatusCode: 403}}, telegraph.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sess := newTestPlatform(t)
			sess.editErr = tt.err
			sess.sendErr = tt.err
			sess.pinErr = tt.err
			ctx := context.Background()
			if err := p.Edit(ctx, "T", "M", telegraph.Message{Text: "x"}); !errors.Is(err, tt.want) {
				t.Errorf("Edit err = %v, want %v", err, tt.want)
			}
			if _, err := p.Post(ctx, "T", telegraph.Message{Text: "x"}); !errors.Is(err, tt.want) {
				t.Errorf("Post err = %v, want %v", err, tt.want)
			}
			if err := p.Pin(ctx, "T", "M"); !errors.Is(err, tt.want) {
				t.Errorf("Pin err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClassify_PassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	if got := classify(boom); got != boom {
		t.Errorf("classify = %v", got)
	}
	other := restErr(500, 0)
	if got := classify(other); got != other {
		t.Errorf("classify = %v", got)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"FF9800", 0xff9800},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	p, _ := newTestPlatform(t)
	p.baseBackoff = time.Millisecond
	p.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := p.retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	p, _ := newTestPlatform(t)
	calls := 0
	err := p.retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v calls = %d, want one failed call", err, calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	p, _ := newTestPlatform(t)
	p.baseBackoff = time.Millisecond
	p.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := p.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	p, _ := newTestPlatform(t)
	p.baseBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.retryOnRateLimit(ctx, func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}

// --- Verify Platform interface compliance ---

var (
	_ telegraph.Platform    = (*Platform)(nil)
	_ telegraph.BotUserIDer = (*Platform)(nil)
)
