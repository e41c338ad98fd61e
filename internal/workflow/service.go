// Package workflow runs order operations end to end: it asks the state
// machine to apply a change, then brings the staff card, the customer's
// live sessions and the customer chat up to date.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/order"
	"github.com/zulandar/signalbox/internal/telegraph"
)

// DefaultSyncTimeout bounds the side effects of one operation.
const DefaultSyncTimeout = 30 * time.Second

// ErrNoRecipient is returned when a relayed message reached nobody.
var ErrNoRecipient = errors.New("workflow: no recipient")

// BonusRefunder returns bonus points spent on an order to the customer's
// balance. It reports the balance after the refund.
type BonusRefunder interface {
	Refund(ctx context.Context, customerID int64, orderID uint, amount int64) (int64, error)
}

// Opts holds parameters for creating a Service.
type Opts struct {
	Machine     *order.Machine
	Registry    *telegraph.Registry
	Cards       *telegraph.CardSyncer
	Platform    telegraph.Platform
	Hub         *notify.Hub
	Customer    telegraph.CustomerChat // optional
	Risk        order.RiskClassifier   // defaults to order.DefaultClassifier
	Refunder    BonusRefunder          // optional; bonuses are not refunded without one
	SyncTimeout time.Duration
	Logger      *zap.Logger
}

// Service implements every state-changing order operation. A committed
// transition is never rolled back because a card, push or chat message
// failed; those failures are logged.
type Service struct {
	machine     *order.Machine
	registry    *telegraph.Registry
	cards       *telegraph.CardSyncer
	platform    telegraph.Platform
	hub         *notify.Hub
	customer    telegraph.CustomerChat
	risk        order.RiskClassifier
	refunder    BonusRefunder
	syncTimeout time.Duration
	logger      *zap.Logger
}

var _ telegraph.Operator = (*Service)(nil)

// New creates a Service.
func New(opts Opts) (*Service, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("workflow: machine is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("workflow: registry is required")
	}
	if opts.Cards == nil {
		return nil, fmt.Errorf("workflow: card syncer is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("workflow: platform is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("workflow: hub is required")
	}
	if opts.Risk == nil {
		opts.Risk = order.DefaultClassifier
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		machine:     opts.Machine,
		registry:    opts.Registry,
		cards:       opts.Cards,
		platform:    opts.Platform,
		hub:         opts.Hub,
		customer:    opts.Customer,
		risk:        opts.Risk,
		refunder:    opts.Refunder,
		syncTimeout: opts.SyncTimeout,
		logger:      opts.Logger,
	}, nil
}

// Orders returns the order store behind the state machine.
func (s *Service) Orders() order.Store {
	return s.machine.Store()
}

// Create stores a new order in the status the risk classifier picks and
// opens its conversation.
func (s *Service) Create(ctx context.Context, o *models.Order) (*models.Order, error) {
	if o.Status == "" {
		st, err := s.risk.Classify(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("workflow: classify: %w", err)
		}
		o.Status = string(st)
	}
	if err := s.machine.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("workflow: create: %w", err)
	}
	if _, err := s.registry.Ensure(ctx, telegraph.ForOrder(o)); err != nil {
		s.logger.Warn("workflow: open conversation", zap.Uint("order_id", o.ID), zap.Error(err))
	}
	s.logger.Info("workflow: order created", zap.Uint("order_id", o.ID), zap.String("status", o.Status))
	s.publish(ctx, o, effects{note: "🆕 New order", notifyCustomer: true})
	return o, nil
}

// Submit sends a draft for estimation.
func (s *Service) Submit(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "submit", id, order.StatusPendingEstimation, by, "📝 Submitted for estimation")
}

// SetPrice records the estimate and asks the customer to pay.
func (s *Service) SetPrice(ctx context.Context, id uint, price int64, discount int, by order.Actor) (*models.Order, error) {
	o, err := s.machine.SetPrice(ctx, id, price, discount, by)
	if err != nil {
		return nil, fmt.Errorf("workflow: set price %d: %w", id, err)
	}
	s.publish(ctx, o, effects{note: fmt.Sprintf("💰 Priced at %s", telegraph.FormatMoney(order.FinalPrice(o))), notifyCustomer: true})
	return o, nil
}

// ClaimPayment records the customer's claim that they paid.
func (s *Service) ClaimPayment(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "claim payment", id, order.StatusPaymentVerification, by, "🧾 Customer reports a payment")
}

// ConfirmPayment books amount against the order.
func (s *Service) ConfirmPayment(ctx context.Context, id uint, amount int64, by order.Actor) (*models.Order, error) {
	o, err := s.machine.ConfirmPayment(ctx, id, amount, by)
	if err != nil {
		return nil, fmt.Errorf("workflow: confirm payment %d: %w", id, err)
	}
	s.publish(ctx, o, effects{note: fmt.Sprintf("✅ Payment of %s confirmed", telegraph.FormatMoney(amount)), notifyCustomer: true})
	return o, nil
}

// ConfirmFull books whatever remains to be paid.
func (s *Service) ConfirmFull(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	o, err := s.machine.Store().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflow: confirm full %d: %w", id, err)
	}
	return s.ConfirmPayment(ctx, id, order.Remaining(o), by)
}

// RejectPayment sends a claimed payment back to awaiting_payment.
func (s *Service) RejectPayment(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "reject payment", id, order.StatusAwaitingPayment, by, "❌ Payment not found")
}

// StartProduction moves a paid order into production.
func (s *Service) StartProduction(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "start production", id, order.StatusInProduction, by, "🛠 Work started")
}

// Deliver hands the work to the customer for review.
func (s *Service) Deliver(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "deliver", id, order.StatusClientReview, by, "📦 Delivered for review")
}

// Accept completes the order once the customer or staff is satisfied.
func (s *Service) Accept(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "accept", id, order.StatusCompleted, by, "🏁 Completed")
}

// RequestRevision sends delivered work back for changes.
func (s *Service) RequestRevision(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "request revision", id, order.StatusRevision, by, "🔁 Revision requested")
}

// Reject ends the order from staff's side.
func (s *Service) Reject(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	return s.transition(ctx, "reject", id, order.StatusRejected, by, "⛔ Rejected")
}

// Cancel ends the order on the customer's request and refunds any bonus
// points spent on it.
func (s *Service) Cancel(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	o, err := s.machine.Apply(ctx, id, order.StatusCancelled, by, nil)
	if err != nil {
		return nil, fmt.Errorf("workflow: cancel %d: %w", id, err)
	}
	s.publish(ctx, o, effects{note: "🚫 Cancelled by the customer", notifyCustomer: true, refund: true})
	return o, nil
}

// Reopen starts a fresh lifecycle for a finished order and reactivates its
// conversation.
func (s *Service) Reopen(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	o, err := s.machine.Reopen(ctx, id, by)
	if err != nil {
		return nil, fmt.Errorf("workflow: reopen %d: %w", id, err)
	}
	if err := s.registry.SetActive(ctx, telegraph.OrderKey(id), true); err != nil {
		s.logger.Warn("workflow: reactivate conversation", zap.Uint("order_id", id), zap.Error(err))
	}
	s.publish(ctx, o, effects{note: "♻️ Reopened", notifyCustomer: true})
	return o, nil
}

// UpdateProgress records manual progress. The customer's sessions get a
// progress_update rather than a full order_update, and the chat stays quiet.
func (s *Service) UpdateProgress(ctx context.Context, id uint, pct int, by order.Actor) (*models.Order, error) {
	o, err := s.machine.SetProgress(ctx, id, pct, by)
	if err != nil {
		return nil, fmt.Errorf("workflow: update progress %d: %w", id, err)
	}
	ev := notify.ProgressUpdateEvent(o.ID, o.ProgressPercent)
	s.publish(ctx, o, effects{note: fmt.Sprintf("📈 Progress %d%%", o.ProgressPercent), event: &ev})
	return o, nil
}

// Remind nudges the customer about the order's current step without
// changing it.
func (s *Service) Remind(ctx context.Context, id uint, by order.Actor) (*models.Order, error) {
	o, err := s.machine.Store().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflow: remind %d: %w", id, err)
	}
	st := order.Status(o.Status)
	if st.Terminal() {
		return nil, fmt.Errorf("workflow: remind %d: %w",
			id, &order.TransitionError{From: st, To: st, Actor: by, Reason: "the order is finished"})
	}
	if s.customer == nil || o.CustomerChatID == 0 {
		return nil, fmt.Errorf("workflow: remind %d: %w", id, ErrNoRecipient)
	}
	ctx, cancel := s.syncContext(ctx)
	defer cancel()
	if err := s.tellCustomer(ctx, o, reminderText(o)); err != nil {
		return nil, fmt.Errorf("workflow: remind %d: %w", id, err)
	}
	if err := s.cards.Upsert(ctx, o, "🔔 Reminder sent to the customer"); err != nil {
		s.logger.Warn("workflow: card after reminder", zap.Uint("order_id", id), zap.Error(err))
	}
	return o, nil
}

// Transition moves an order to target through the operation that owns the
// edge. paid_partial needs an amount and is refused here.
func (s *Service) Transition(ctx context.Context, id uint, target order.Status, by order.Actor) (*models.Order, error) {
	switch target {
	case order.StatusCancelled:
		return s.Cancel(ctx, id, by)
	case order.StatusPaidFull:
		return s.ConfirmFull(ctx, id, by)
	case order.StatusPaidPartial:
		return nil, fmt.Errorf("workflow: transition %d to %s needs an amount: %w", id, target, order.ErrInvalidAmount)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("workflow: transition %d: unknown status %q: %w", id, target, order.ErrInvalidTransition)
	}
	return s.transition(ctx, "transition", id, target, by, fmt.Sprintf("Status set to %s", target))
}

// Resync re-renders the order's card from the store.
func (s *Service) Resync(ctx context.Context, id uint) (*models.Order, error) {
	o, err := s.machine.Store().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflow: resync %d: %w", id, err)
	}
	if err := s.cards.Upsert(ctx, o, ""); err != nil {
		return nil, fmt.Errorf("workflow: resync %d: %w", id, err)
	}
	return o, nil
}

// Perform dispatches a decoded button or command action.
func (s *Service) Perform(ctx context.Context, a telegraph.Action, by order.Actor) (*models.Order, error) {
	switch a := a.(type) {
	case telegraph.SetPrice:
		return s.SetPrice(ctx, a.Order, a.Amount, a.Discount, by)
	case telegraph.ConfirmFull:
		return s.ConfirmFull(ctx, a.Order, by)
	case telegraph.ConfirmPartial:
		return s.ConfirmPayment(ctx, a.Order, a.Amount, by)
	case telegraph.RejectPayment:
		return s.RejectPayment(ctx, a.Order, by)
	case telegraph.StartProduction:
		return s.StartProduction(ctx, a.Order, by)
	case telegraph.SetProgress:
		return s.UpdateProgress(ctx, a.Order, a.Percent, by)
	case telegraph.Deliver:
		return s.Deliver(ctx, a.Order, by)
	case telegraph.Complete:
		return s.Accept(ctx, a.Order, by)
	case telegraph.Remind:
		return s.Remind(ctx, a.Order, by)
	case telegraph.Reject:
		return s.Reject(ctx, a.Order, by)
	case telegraph.Reopen:
		return s.Reopen(ctx, a.Order, by)
	case telegraph.Resync:
		return s.Resync(ctx, a.Order)
	default:
		return nil, fmt.Errorf("workflow: perform %T: %w", a, telegraph.ErrBadPayload)
	}
}

// RelayToCustomer delivers a staff reply to the customer's chat and, for
// order conversations, to their live sessions.
func (s *Service) RelayToCustomer(ctx context.Context, conv *models.Conversation, from, text string) error {
	delivered := 0
	if conv.OrderID != nil {
		delivered += s.hub.SendToUser(ctx, conv.UserID, notify.ChatMessageEvent(*conv.OrderID, from, text))
	}
	if s.customer != nil && conv.ChatID != 0 {
		if err := s.customer.SendToCustomer(ctx, conv.ChatID, text); err != nil {
			return fmt.Errorf("workflow: relay to customer %s: %w", conv.Key, err)
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("workflow: relay to customer %s: %w", conv.Key, ErrNoRecipient)
	}
	return nil
}

// RelayFromCustomer files a customer's chat message under their active
// order, or their support conversation when they have none, and posts it
// to the thread.
func (s *Service) RelayFromCustomer(ctx context.Context, msg telegraph.CustomerMessage) error {
	b := telegraph.ForSupport(msg.ChatID)
	o, err := s.machine.Store().FindActiveByChat(ctx, msg.ChatID)
	switch {
	case err == nil:
		b = telegraph.ForOrder(o)
	case !errors.Is(err, order.ErrNotFound):
		return fmt.Errorf("workflow: relay from customer: %w", err)
	}

	conv, err := s.registry.Ensure(ctx, b)
	if err != nil {
		return fmt.Errorf("workflow: relay from customer: %w", err)
	}
	if err := s.registry.RecordMessage(ctx, conv.ID, telegraph.RoleCustomer, msg.UserName, msg.Text, ""); err != nil {
		s.logger.Warn("workflow: record customer message", zap.String("conversation", conv.Key), zap.Error(err))
	}
	post := telegraph.Message{Text: fmt.Sprintf("💬 **%s**: %s", msg.UserName, msg.Text)}
	err = s.registry.SendWithSelfHeal(ctx, b, func(ctx context.Context, threadID string) error {
		_, err := s.platform.Post(ctx, threadID, post)
		return err
	})
	if err != nil {
		return fmt.Errorf("workflow: relay from customer %s: %w", conv.Key, err)
	}
	return nil
}

// transition applies a plain status change and publishes it.
func (s *Service) transition(ctx context.Context, op string, id uint, target order.Status, by order.Actor, note string) (*models.Order, error) {
	o, err := s.machine.Apply(ctx, id, target, by, nil)
	if err != nil {
		return nil, fmt.Errorf("workflow: %s %d: %w", op, id, err)
	}
	s.logger.Info("workflow: transition",
		zap.Uint("order_id", id), zap.String("status", o.Status), zap.String("actor", string(by)))
	s.publish(ctx, o, effects{note: note, notifyCustomer: true})
	return o, nil
}

// effects selects what publish does after a committed change.
type effects struct {
	note           string
	event          *notify.Event // defaults to an order_update
	notifyCustomer bool
	refund         bool
}

func (s *Service) syncContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.syncTimeout)
}

// publish brings the card, the customer's live sessions and the customer
// chat in line with o. The three run in parallel under a detached
// deadline; their errors are logged and never returned.
func (s *Service) publish(ctx context.Context, o *models.Order, fx effects) {
	ctx, cancel := s.syncContext(ctx)
	defer cancel()
	log := s.logger.With(zap.Uint("order_id", o.ID), zap.String("status", o.Status))

	ev := notify.OrderUpdateEvent(o)
	if fx.event != nil {
		ev = *fx.event
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := s.cards.Upsert(ctx, o, fx.note); err != nil {
			log.Warn("workflow: card sync", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		n := s.hub.SendToUser(ctx, o.CustomerID, ev)
		log.Debug("workflow: pushed", zap.String("event", string(ev.Type())), zap.Int("sessions", n))
		return nil
	})
	if fx.notifyCustomer {
		g.Go(func() error {
			if err := s.tellCustomer(ctx, o, telegraph.FormatStatusChange(o)); err != nil && !errors.Is(err, ErrNoRecipient) {
				log.Warn("workflow: customer chat", zap.Error(err))
			}
			return nil
		})
	}
	if fx.refund {
		g.Go(func() error {
			s.refundBonus(ctx, o, log)
			return nil
		})
	}
	_ = g.Wait()

	if order.Status(o.Status).Terminal() {
		if err := s.registry.SetActive(ctx, telegraph.OrderKey(o.ID), false); err != nil {
			log.Warn("workflow: deactivate conversation", zap.Error(err))
		}
	}
}

// tellCustomer sends text to the customer's chat and files it in the
// order's history.
func (s *Service) tellCustomer(ctx context.Context, o *models.Order, text string) error {
	if s.customer == nil || o.CustomerChatID == 0 {
		return ErrNoRecipient
	}
	if err := s.customer.SendToCustomer(ctx, o.CustomerChatID, text); err != nil {
		return err
	}
	conv, err := s.registry.Ensure(ctx, telegraph.ForOrder(o))
	if err != nil {
		return err
	}
	return s.registry.RecordMessage(ctx, conv.ID, telegraph.RoleSystem, "", text, "")
}

func (s *Service) refundBonus(ctx context.Context, o *models.Order, log *zap.Logger) {
	if s.refunder == nil || o.BonusApplied <= 0 {
		return
	}
	balance, err := s.refunder.Refund(ctx, o.CustomerID, o.ID, o.BonusApplied)
	if err != nil {
		log.Error("workflow: bonus refund", zap.Int64("amount", o.BonusApplied), zap.Error(err))
		return
	}
	s.hub.SendToUser(ctx, o.CustomerID, notify.BalanceUpdateEvent(o.ID, o.BonusApplied, balance))
}

func reminderText(o *models.Order) string {
	switch order.Status(o.Status) {
	case order.StatusAwaitingPayment, order.StatusPaidPartial:
		return fmt.Sprintf("Reminder: order #%d is waiting for your payment of %s.", o.ID, telegraph.FormatMoney(order.Remaining(o)))
	case order.StatusClientReview:
		return fmt.Sprintf("Reminder: order #%d is ready for your review.", o.ID)
	case order.StatusDraft:
		return fmt.Sprintf("Reminder: order #%d is still a draft. Submit it when you are ready.", o.ID)
	default:
		return "Reminder: " + telegraph.FormatStatusChange(o)
	}
}
