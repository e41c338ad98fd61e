package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/models"
)

// MaxHealRetries is how many times a send is retried after recreating a
// vanished thread.
const MaxHealRetries = 1

// Key identifies a conversation: "order:<id>" or "support:<user id>".
type Key string

// OrderKey is the conversation key of an order.
func OrderKey(id uint) Key {
	return Key("order:" + strconv.FormatUint(uint64(id), 10))
}

// SupportKey is the conversation key of the support channel of a customer
// chat. Support conversations are keyed by chat id since a chat message
// carries no account id.
func SupportKey(chatID int64) Key {
	return Key("support:" + strconv.FormatInt(chatID, 10))
}

// OrderID returns the order id of an order key.
func (k Key) OrderID() (uint, bool) {
	rest, ok := strings.CutPrefix(string(k), "order:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// Binding carries what is needed to create a conversation row on first use.
type Binding struct {
	Key     Key
	OrderID *uint
	UserID  int64
	ChatID  int64
}

// ForOrder binds the conversation of an order.
func ForOrder(o *models.Order) Binding {
	id := o.ID
	return Binding{Key: OrderKey(o.ID), OrderID: &id, UserID: o.CustomerID, ChatID: o.CustomerChatID}
}

// ForSupport binds the support conversation of a customer chat. UserID
// stays zero: the account behind a chat is unknown.
func ForSupport(chatID int64) Binding {
	return Binding{Key: SupportKey(chatID), ChatID: chatID}
}

// ThreadSpec is how a new thread is named and introduced.
type ThreadSpec struct {
	Name   string
	Header string
}

// DescribeFunc names a conversation's new thread and writes its header.
type DescribeFunc func(ctx context.Context, conv *models.Conversation) ThreadSpec

// DefaultDescribe names threads after their key.
func DefaultDescribe(_ context.Context, conv *models.Conversation) ThreadSpec {
	key := Key(conv.Key)
	if id, ok := key.OrderID(); ok {
		return ThreadSpec{
			Name:   fmt.Sprintf("Order #%d", id),
			Header: fmt.Sprintf("Discussion thread for order #%d. Messages here are relayed to the customer.", id),
		}
	}
	return ThreadSpec{
		Name:   fmt.Sprintf("Support · chat %d", conv.ChatID),
		Header: "Support thread. Messages here are relayed to the customer.",
	}
}

// SendFunc delivers something into a thread.
type SendFunc func(ctx context.Context, threadID string) error

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	DB       *gorm.DB
	Platform Platform
	Describe DescribeFunc // defaults to DefaultDescribe
	Logger   *zap.Logger
}

// Registry maps conversations to platform threads and recreates a thread
// when it has been deleted out from under us. Thread ids are only ever
// replaced with conditional updates, so concurrent healers in different
// processes converge on one thread.
type Registry struct {
	db       *gorm.DB
	platform Platform
	describe DescribeFunc
	logger   *zap.Logger

	flight singleflight.Group

	hookMu    sync.RWMutex
	onCreated func(ctx context.Context, conv *models.Conversation)
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("telegraph: registry: db is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("telegraph: registry: platform is required")
	}
	if opts.Describe == nil {
		opts.Describe = DefaultDescribe
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		db:       opts.DB,
		platform: opts.Platform,
		describe: opts.Describe,
		logger:   opts.Logger,
	}, nil
}

// OnThreadCreated registers fn to run after GetOrCreateThread or
// SendWithSelfHeal creates a thread for an order-bound conversation.
func (r *Registry) OnThreadCreated(fn func(ctx context.Context, conv *models.Conversation)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onCreated = fn
}

func (r *Registry) afterCreate(ctx context.Context, conv *models.Conversation) {
	if conv.OrderID == nil {
		return
	}
	r.hookMu.RLock()
	fn := r.onCreated
	r.hookMu.RUnlock()
	if fn != nil {
		fn(ctx, conv)
	}
}

// Ensure returns the conversation for b, creating the row on first use.
func (r *Registry) Ensure(ctx context.Context, b Binding) (*models.Conversation, error) {
	conv, err := r.Get(ctx, b.Key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}
	conv = &models.Conversation{
		Key:      string(b.Key),
		OrderID:  b.OrderID,
		UserID:   b.UserID,
		ChatID:   b.ChatID,
		IsActive: true,
	}
	err = r.db.WithContext(ctx).Create(conv).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return r.Get(ctx, b.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("telegraph: create conversation %s: %w", b.Key, err)
	}
	return conv, nil
}

// Get loads a conversation by key.
func (r *Registry) Get(ctx context.Context, key Key) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Where("`key` = ?", string(key)).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("telegraph: conversation %s: %w", key, ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("telegraph: conversation %s: %w", key, err)
	}
	return &conv, nil
}

// FindByThread returns the conversation bound to threadID.
func (r *Registry) FindByThread(ctx context.Context, threadID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("telegraph: thread %s: %w", threadID, ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("telegraph: thread %s: %w", threadID, err)
	}
	return &conv, nil
}

// OrderIDByThread returns the order bound to threadID.
func (r *Registry) OrderIDByThread(ctx context.Context, threadID string) (uint, error) {
	conv, err := r.FindByThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if conv.OrderID == nil {
		return 0, fmt.Errorf("telegraph: thread %s is not an order thread: %w", threadID, ErrConversationNotFound)
	}
	return *conv.OrderID, nil
}

// GetOrCreateThread returns a live thread id for b, creating the thread if
// none exists and replacing it if it was deleted. When a thread is created
// for an order, the OnThreadCreated hook runs before returning.
func (r *Registry) GetOrCreateThread(ctx context.Context, b Binding) (string, error) {
	conv, created, err := r.ensureThread(ctx, b, "")
	if err != nil {
		return "", err
	}
	if created {
		r.afterCreate(ctx, conv)
	}
	return *conv.ThreadID, nil
}

// SendWithSelfHeal runs send against b's thread. If the thread turns out
// to be gone, it is recreated and send is retried once.
func (r *Registry) SendWithSelfHeal(ctx context.Context, b Binding, send SendFunc) error {
	stale := ""
	for attempt := 0; attempt <= MaxHealRetries; attempt++ {
		conv, created, err := r.ensureThread(ctx, b, stale)
		if err != nil {
			return err
		}
		if created {
			r.afterCreate(ctx, conv)
		}
		threadID := *conv.ThreadID

		out := Outcome(send(ctx, threadID))
		switch out.Kind {
		case Delivered:
			return nil
		case ThreadGone:
			r.logger.Warn("registry: thread gone during send",
				zap.String("conversation", string(b.Key)), zap.String("thread_id", threadID), zap.Int("attempt", attempt))
			stale = threadID
		default:
			return fmt.Errorf("telegraph: send to %s: %w", b.Key, out.Err)
		}
	}
	return fmt.Errorf("telegraph: send to %s: %w", b.Key, ErrDeliveryFailed)
}

// creation is the shared result of one thread creation. claimed hands the
// "you created it" signal to exactly one of the callers sharing it.
type creation struct {
	conv    *models.Conversation
	fresh   bool
	claimed atomic.Bool
}

// ensureThread returns b's conversation with a live thread. stale, when
// non-empty, is a thread id the caller already knows to be gone, which
// skips the probe. created is true for exactly one caller per new thread.
func (r *Registry) ensureThread(ctx context.Context, b Binding, stale string) (*models.Conversation, bool, error) {
	conv, err := r.Ensure(ctx, b)
	if err != nil {
		return nil, false, err
	}

	if conv.ThreadID != nil {
		current := *conv.ThreadID
		if current != stale {
			err := r.platform.Probe(ctx, current)
			if err == nil {
				return conv, false, nil
			}
			if !errors.Is(err, ErrThreadGone) {
				return nil, false, fmt.Errorf("telegraph: probe thread %s: %w", current, err)
			}
		}
		r.logger.Info("registry: thread gone, recreating",
			zap.String("conversation", conv.Key), zap.String("thread_id", current))
		if err := r.invalidate(ctx, conv.ID, current); err != nil {
			return nil, false, err
		}
	}

	v, err, _ := r.flight.Do(conv.Key, func() (interface{}, error) {
		return r.createThread(ctx, conv.ID)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(*creation)
	fresh := *res.conv
	return &fresh, res.fresh && res.claimed.CompareAndSwap(false, true), nil
}

// invalidate clears the thread and the pinned card together, but only if
// the row still points at the stale thread.
func (r *Registry) invalidate(ctx context.Context, convID uint, stale string) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND thread_id = ?", convID, stale).
		Updates(map[string]interface{}{
			"thread_id":              nil,
			"pinned_card_message_id": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("telegraph: invalidate thread %s: %w", stale, err)
	}
	return nil
}

func (r *Registry) createThread(ctx context.Context, convID uint) (*creation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, convID).Error; err != nil {
		return nil, fmt.Errorf("telegraph: reload conversation %d: %w", convID, err)
	}
	if conv.ThreadID != nil {
		// Someone else recreated it first.
		return &creation{conv: &conv}, nil
	}

	desc := r.describe(ctx, &conv)
	threadID, err := r.platform.CreateThread(ctx, desc.Name)
	if err != nil {
		return nil, fmt.Errorf("telegraph: create thread for %s: %w", conv.Key, err)
	}

	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND thread_id IS NULL", conv.ID).
		Updates(map[string]interface{}{
			"thread_id":              threadID,
			"pinned_card_message_id": nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("telegraph: store thread for %s: %w", conv.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Warn("registry: lost thread creation race, orphaning thread",
			zap.String("conversation", conv.Key), zap.String("thread_id", threadID))
		if err := r.db.WithContext(ctx).First(&conv, convID).Error; err != nil {
			return nil, fmt.Errorf("telegraph: reload conversation %d: %w", convID, err)
		}
		return &creation{conv: &conv}, nil
	}

	conv.ThreadID = &threadID
	conv.PinnedCardMessageID = nil
	r.logger.Info("registry: thread created",
		zap.String("conversation", conv.Key), zap.String("thread_id", threadID))

	if desc.Header != "" {
		if _, err := r.platform.Post(ctx, threadID, Message{Text: desc.Header}); err != nil {
			r.logger.Warn("registry: post thread header", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return &creation{conv: &conv, fresh: true}, nil
}

// SetPinnedCard records msgID as the conversation's card, provided the
// conversation is still on threadID and has no other card. It reports
// whether the id was stored.
func (r *Registry) SetPinnedCard(ctx context.Context, convID uint, threadID, msgID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND thread_id = ? AND (pinned_card_message_id IS NULL OR pinned_card_message_id = ?)",
			convID, threadID, msgID).
		Update("pinned_card_message_id", msgID)
	if res.Error != nil {
		return false, fmt.Errorf("telegraph: set pinned card %d: %w", convID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClearPinnedCard forgets msgID if it is still the conversation's card.
func (r *Registry) ClearPinnedCard(ctx context.Context, convID uint, msgID string) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND pinned_card_message_id = ?", convID, msgID).
		Update("pinned_card_message_id", nil).Error
	if err != nil {
		return fmt.Errorf("telegraph: clear pinned card %d: %w", convID, err)
	}
	return nil
}

// Message roles recorded in conversation history.
const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
	RoleSystem   = "system"
)

// RecordMessage appends a message to the conversation history and updates
// the preview. Customer messages count as unread until MarkRead.
func (r *Registry) RecordMessage(ctx context.Context, convID uint, role, userName, text, platformMsgID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := models.ConversationMessage{
			ConversationID: convID,
			Role:           role,
			UserName:       userName,
			Content:        text,
			PlatformMsgID:  platformMsgID,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("telegraph: record message: %w", err)
		}
		updates := map[string]interface{}{
			"last_message_preview": truncate(text, 250),
			"last_sender":          role,
		}
		if role == RoleCustomer {
			updates["unread_count"] = gorm.Expr("unread_count + 1")
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", convID).Updates(updates).Error; err != nil {
			return fmt.Errorf("telegraph: update preview: %w", err)
		}
		return nil
	})
}

// MarkRead resets the unread counter.
func (r *Registry) MarkRead(ctx context.Context, convID uint) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", convID).Update("unread_count", 0).Error
	if err != nil {
		return fmt.Errorf("telegraph: mark read %d: %w", convID, err)
	}
	return nil
}

// SetActive flips the conversation's active flag. Rows are never deleted.
func (r *Registry) SetActive(ctx context.Context, key Key, active bool) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("`key` = ?", string(key)).Update("is_active", active).Error
	if err != nil {
		return fmt.Errorf("telegraph: set active %s: %w", key, err)
	}
	return nil
}

// History returns the last limit messages of a conversation, oldest first.
func (r *Registry) History(ctx context.Context, convID uint, limit int) ([]models.ConversationMessage, error) {
	var msgs []models.ConversationMessage
	q := r.db.WithContext(ctx).Where("conversation_id = ?", convID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("telegraph: history %d: %w", convID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Unthreaded lists active order conversations that currently have no
// thread, typically because creation failed during a platform outage.
func (r *Registry) Unthreaded(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND thread_id IS NULL AND order_id IS NOT NULL", true).
		Order("id").Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("telegraph: list unthreaded: %w", err)
	}
	return convs, nil
}
