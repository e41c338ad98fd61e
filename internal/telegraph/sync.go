package telegraph

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
)

// CardSyncerOpts holds parameters for creating a CardSyncer.
type CardSyncerOpts struct {
	Registry *Registry
	Platform Platform
	Orders   order.Store
	Logger   *zap.Logger
}

// CardSyncer keeps exactly one pinned card per order thread in step with
// the order. Every upsert re-renders from the order it is given, so the
// last write wins.
type CardSyncer struct {
	registry *Registry
	platform Platform
	orders   order.Store
	logger   *zap.Logger
	locks    keyedMutex
}

// NewCardSyncer creates a CardSyncer and registers it to re-render cards
// whenever the registry creates a thread for an order.
func NewCardSyncer(opts CardSyncerOpts) (*CardSyncer, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("telegraph: card syncer: registry is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("telegraph: card syncer: platform is required")
	}
	if opts.Orders == nil {
		return nil, fmt.Errorf("telegraph: card syncer: orders store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &CardSyncer{
		registry: opts.Registry,
		platform: opts.Platform,
		orders:   opts.Orders,
		logger:   opts.Logger,
	}
	opts.Registry.OnThreadCreated(func(ctx context.Context, conv *models.Conversation) {
		if err := s.Resync(ctx, *conv.OrderID); err != nil {
			s.logger.Warn("cards: render after thread creation",
				zap.Uintp("order_id", conv.OrderID), zap.Error(err))
		}
	})
	return s, nil
}

// Upsert renders o and makes the thread's pinned card show it: the stored
// card is edited in place, or a new card is posted, stored and pinned when
// there is none. A vanished thread is recreated once.
func (s *CardSyncer) Upsert(ctx context.Context, o *models.Order, note string) error {
	b := ForOrder(o)
	unlock := s.locks.Lock(string(b.Key))
	defer unlock()

	msg := Render(o, note).Message()
	stale := ""
	for attempt := 0; attempt <= MaxHealRetries; attempt++ {
		// The internal path never fires the thread-created hook; the
		// caller is already rendering.
		conv, _, err := s.registry.ensureThread(ctx, b, stale)
		if err != nil {
			return fmt.Errorf("telegraph: upsert card %d: %w", o.ID, err)
		}
		threadID := *conv.ThreadID

		if conv.PinnedCardMessageID != nil {
			pinned := *conv.PinnedCardMessageID
			err := s.platform.Edit(ctx, threadID, pinned, msg)
			switch {
			case err == nil || errors.Is(err, ErrNotModified):
				return nil
			case errors.Is(err, ErrMessageGone):
				s.logger.Info("cards: pinned card gone, reposting",
					zap.Uint("order_id", o.ID), zap.String("thread_id", threadID), zap.String("message_id", pinned))
				if err := s.registry.ClearPinnedCard(ctx, conv.ID, pinned); err != nil {
					return err
				}
			case errors.Is(err, ErrThreadGone):
				stale = threadID
				continue
			default:
				return fmt.Errorf("telegraph: edit card %d: %w", o.ID, err)
			}
		}

		msgID, err := s.platform.Post(ctx, threadID, msg)
		if errors.Is(err, ErrThreadGone) {
			stale = threadID
			continue
		}
		if err != nil {
			return fmt.Errorf("telegraph: post card %d: %w", o.ID, err)
		}

		stored, err := s.registry.SetPinnedCard(ctx, conv.ID, threadID, msgID)
		if err != nil {
			return err
		}
		if !stored {
			s.logger.Warn("cards: conversation moved on while posting, card left unpinned",
				zap.Uint("order_id", o.ID), zap.String("thread_id", threadID), zap.String("message_id", msgID))
			return nil
		}

		if err := s.platform.Pin(ctx, threadID, msgID); err != nil {
			s.logger.Warn("cards: pin card",
				zap.Uint("order_id", o.ID), zap.String("thread_id", threadID), zap.Error(err))
		}
		return nil
	}
	return fmt.Errorf("telegraph: upsert card %d: %w", o.ID, ErrDeliveryFailed)
}

// Resync loads the order and upserts its card.
func (s *CardSyncer) Resync(ctx context.Context, orderID uint) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("telegraph: resync %d: %w", orderID, err)
	}
	return s.Upsert(ctx, o, "")
}
