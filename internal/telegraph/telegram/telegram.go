// Package telegram implements the customer's private chat surface on a
// Telegram bot. Customers write to the bot and staff replies arrive there.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/telegraph"
)

const (
	// pollTimeout is the long polling timeout in seconds.
	pollTimeout = 60
	// maxRetries bounds retries of rate-limited sends.
	maxRetries = 3
	// DefaultGreeting answers /start.
	DefaultGreeting = "Hi! Write your message here and our team will reply in this chat."
)

// botAPI abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Chat implements telegraph.CustomerChat with long polling.
type Chat struct {
	bot      botAPI
	token    string
	greeting string
	logger   *zap.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	listening bool
	inbound   chan telegraph.CustomerMessage
	done      chan struct{}
	cancel    context.CancelFunc
	// retryUnit scales Telegram's retry_after seconds; tests shrink it.
	retryUnit time.Duration
}

// Opts holds parameters for creating a Telegram Chat.
type Opts struct {
	Token    string
	Greeting string // reply to /start; DefaultGreeting when empty
	Logger   *zap.Logger
	// For testing: inject a mock bot instead of the real Telegram API.
	Bot botAPI
}

// New creates a Telegram customer chat.
func New(opts Opts) (*Chat, error) {
	if opts.Bot == nil && opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Chat{
		bot:       opts.Bot,
		token:     opts.Token,
		greeting:  opts.Greeting,
		logger:    opts.Logger,
		inbound:   make(chan telegraph.CustomerMessage, 100),
		done:      make(chan struct{}),
		retryUnit: time.Second,
	}, nil
}

// Connect authenticates the bot and drops any webhook so long polling works.
func (c *Chat) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("telegram: chat already closed")
	}
	if c.connected {
		return nil
	}
	if c.bot == nil {
		api, err := tgbotapi.NewBotAPI(c.token)
		if err != nil {
			return fmt.Errorf("telegram: create bot: %w", err)
		}
		c.logger.Info("telegram: authorized", zap.String("bot", api.Self.UserName))
		c.bot = api
	}
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram: delete webhook: %w", err)
	}
	c.connected = true
	return nil
}

// Listen starts long polling and returns customer messages from private
// chats. Must be called after Connect.
func (c *Chat) Listen(ctx context.Context) (<-chan telegraph.CustomerMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if c.listening {
		return c.inbound, nil
	}
	c.listening = true

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := c.bot.GetUpdatesChan(u)

	listenCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.pump(listenCtx, updates)
	return c.inbound, nil
}

func (c *Chat) pump(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate forwards text from private chats. /start is answered with
// the greeting and not forwarded.
func (c *Chat) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.Chat == nil || !m.Chat.IsPrivate() || m.From == nil || m.From.IsBot {
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if text == "" {
		return
	}
	if m.IsCommand() && m.Command() == "start" {
		if err := c.SendToCustomer(ctx, m.Chat.ID, c.greeting); err != nil {
			c.logger.Warn("telegram: greeting failed", zap.Int64("chat_id", m.Chat.ID), zap.Error(err))
		}
		return
	}

	msg := telegraph.CustomerMessage{
		ChatID:    m.Chat.ID,
		UserName:  displayName(m.From),
		Text:      text,
		Timestamp: m.Time(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbound <- msg:
	default:
		c.logger.Warn("telegram: inbound buffer full, dropping message", zap.Int64("chat_id", msg.ChatID))
	}
}

// SendToCustomer sends plain text to a private chat. A customer who blocked
// the bot yields ErrPermissionDenied.
func (c *Chat) SendToCustomer(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	bot, ok := c.bot, c.connected
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("telegram: not connected")
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true

	for attempt := 0; ; attempt++ {
		_, err := bot.Send(msg)
		if err == nil {
			return nil
		}
		var apiErr *tgbotapi.Error
		if !errors.As(err, &apiErr) {
			return fmt.Errorf("telegram: send to %d: %w", chatID, err)
		}
		if apiErr.Code == http.StatusForbidden {
			return fmt.Errorf("telegram: send to %d: %w: %v", chatID, telegraph.ErrPermissionDenied, err)
		}
		if apiErr.Code != http.StatusTooManyRequests || attempt == maxRetries {
			return fmt.Errorf("telegram: send to %d: %w", chatID, err)
		}
		wait := time.Duration(apiErr.RetryAfter) * c.retryUnit
		if wait <= 0 {
			wait = c.retryUnit
		}
		c.logger.Warn("telegram: rate limited", zap.Int64("chat_id", chatID), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close stops polling and closes the inbound channel.
func (c *Chat) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	listening := c.listening
	if c.cancel != nil {
		c.cancel()
	}
	if c.bot != nil && listening {
		c.bot.StopReceivingUpdates()
	}
	c.mu.Unlock()

	if listening {
		<-c.done
	}
	close(c.inbound)
	return nil
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return fmt.Sprintf("user %d", u.ID)
	}
	return name
}
