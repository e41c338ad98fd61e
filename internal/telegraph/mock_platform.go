package telegraph

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// MockPlatform implements Platform in memory for testing. Threads and
// messages can be deleted behind the caller's back to exercise healing.
type MockPlatform struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	botUserID string

	nextThread int
	nextMsg    int
	threads    map[string]*mockThread
	denyPins   bool
	probeErr   error

	createThreadCount int
	postCount         int
	editCount         int
	pinCount          int
}

type mockThread struct {
	name     string
	messages map[string]Message
	order    []string
	pinned   map[string]bool
}

// NewMockPlatform creates a MockPlatform with a buffered inbound channel.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		inbound: make(chan InboundMessage, 100),
		threads: make(map[string]*mockThread),
	}
}

// Name returns "mock".
func (m *MockPlatform) Name() string { return "mock" }

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockPlatform) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockPlatform) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the platform as connected.
func (m *MockPlatform) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock platform: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockPlatform) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock platform: not connected")
	}
	return m.inbound, nil
}

// CreateThread opens a thread with a sequential id.
func (m *MockPlatform) CreateThread(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextThread++
	m.createThreadCount++
	id := fmt.Sprintf("thread-%d", m.nextThread)
	m.threads[id] = &mockThread{
		name:     name,
		messages: make(map[string]Message),
		pinned:   make(map[string]bool),
	}
	return id, nil
}

// Post appends msg to a thread.
func (m *MockPlatform) Post(ctx context.Context, threadID string, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return "", fmt.Errorf("mock platform: post to %s: %w", threadID, ErrThreadGone)
	}
	m.nextMsg++
	m.postCount++
	id := fmt.Sprintf("msg-%d", m.nextMsg)
	th.messages[id] = msg
	th.order = append(th.order, id)
	return id, nil
}

// Edit replaces a message. Identical content yields ErrNotModified.
func (m *MockPlatform) Edit(ctx context.Context, threadID, messageID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("mock platform: edit in %s: %w", threadID, ErrThreadGone)
	}
	old, ok := th.messages[messageID]
	if !ok {
		return fmt.Errorf("mock platform: edit %s: %w", messageID, ErrMessageGone)
	}
	if reflect.DeepEqual(old, msg) {
		return ErrNotModified
	}
	m.editCount++
	th.messages[messageID] = msg
	return nil
}

// Pin pins a message unless pins are denied.
func (m *MockPlatform) Pin(ctx context.Context, threadID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denyPins {
		return fmt.Errorf("mock platform: pin %s: %w", messageID, ErrPermissionDenied)
	}
	th, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("mock platform: pin in %s: %w", threadID, ErrThreadGone)
	}
	if _, ok := th.messages[messageID]; !ok {
		return fmt.Errorf("mock platform: pin %s: %w", messageID, ErrMessageGone)
	}
	m.pinCount++
	th.pinned[messageID] = true
	return nil
}

// Probe reports ErrThreadGone for deleted threads.
func (m *MockPlatform) Probe(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probeErr != nil {
		return m.probeErr
	}
	if _, ok := m.threads[threadID]; !ok {
		return fmt.Errorf("mock platform: probe %s: %w", threadID, ErrThreadGone)
	}
	return nil
}

// Close closes the inbound channel.
func (m *MockPlatform) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// AddThread registers a thread with a fixed id, e.g. one created before
// the test started.
func (m *MockPlatform) AddThread(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[id] = &mockThread{
		name:     name,
		messages: make(map[string]Message),
		pinned:   make(map[string]bool),
	}
}

// DeleteThread removes a thread as if a moderator deleted it.
func (m *MockPlatform) DeleteThread(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
}

// DeleteMessage removes one message from a thread.
func (m *MockPlatform) DeleteMessage(threadID, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th, ok := m.threads[threadID]; ok {
		delete(th.messages, messageID)
		delete(th.pinned, messageID)
	}
}

// DenyPins makes every Pin fail with ErrPermissionDenied.
func (m *MockPlatform) DenyPins(deny bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denyPins = deny
}

// SetProbeError makes Probe fail with err. nil restores normal probing.
func (m *MockPlatform) SetProbeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeErr = err
}

// HasThread reports whether a thread exists.
func (m *MockPlatform) HasThread(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.threads[id]
	return ok
}

// ThreadName returns the name a thread was created with.
func (m *MockPlatform) ThreadName(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th, ok := m.threads[id]; ok {
		return th.name
	}
	return ""
}

// Messages returns the messages of a thread in posting order.
func (m *MockPlatform) Messages(threadID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	var out []Message
	for _, id := range th.order {
		if msg, ok := th.messages[id]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// Message returns one message.
func (m *MockPlatform) Message(threadID, messageID string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return Message{}, false
	}
	msg, ok := th.messages[messageID]
	return msg, ok
}

// Pinned returns the pinned message ids of a thread.
func (m *MockPlatform) Pinned(threadID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	var out []string
	for _, id := range th.order {
		if th.pinned[id] {
			out = append(out, id)
		}
	}
	return out
}

// CreateThreadCount returns how many threads were created.
func (m *MockPlatform) CreateThreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createThreadCount
}

// PostCount returns how many messages were posted.
func (m *MockPlatform) PostCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.postCount
}

// EditCount returns how many edits changed a message.
func (m *MockPlatform) EditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editCount
}

// PinCount returns how many pins succeeded.
func (m *MockPlatform) PinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinCount
}

// SimulateInbound pushes a message onto the inbound channel.
func (m *MockPlatform) SimulateInbound(msg InboundMessage) {
	if msg.Platform == "" {
		msg.Platform = "mock"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// SimulateClick pushes a button click onto the inbound channel.
func (m *MockPlatform) SimulateClick(threadID, userID, payload string) {
	m.SimulateInbound(InboundMessage{ThreadID: threadID, UserID: userID, UserName: userID, Payload: payload})
}

// MockCustomerChat implements CustomerChat in memory for testing.
type MockCustomerChat struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan CustomerMessage
	sent      []SentCustomerMessage
	failWith  error
}

// SentCustomerMessage is one message sent through MockCustomerChat.
type SentCustomerMessage struct {
	ChatID int64
	Text   string
}

// NewMockCustomerChat creates a MockCustomerChat.
func NewMockCustomerChat() *MockCustomerChat {
	return &MockCustomerChat{inbound: make(chan CustomerMessage, 100)}
}

// Connect marks the chat as connected.
func (c *MockCustomerChat) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

// Listen returns the inbound channel.
func (c *MockCustomerChat) Listen(ctx context.Context) (<-chan CustomerMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("mock customer chat: not connected")
	}
	return c.inbound, nil
}

// SendToCustomer records the message.
func (c *MockCustomerChat) SendToCustomer(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.sent = append(c.sent, SentCustomerMessage{ChatID: chatID, Text: text})
	return nil
}

// Close closes the inbound channel.
func (c *MockCustomerChat) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// FailWith makes SendToCustomer return err.
func (c *MockCustomerChat) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// Sent returns every message sent so far.
func (c *MockCustomerChat) Sent() []SentCustomerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentCustomerMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// SimulateMessage pushes a customer message onto the inbound channel.
func (c *MockCustomerChat) SimulateMessage(chatID int64, userName, text string) {
	c.inbound <- CustomerMessage{ChatID: chatID, UserName: userName, Text: text, Timestamp: time.Now()}
}
