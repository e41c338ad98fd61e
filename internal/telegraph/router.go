package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
)

// commandPrefix is the prefix that triggers staff command handling.
const commandPrefix = "!sb"

// Operator carries out order actions and relays chat to customers. The
// workflow service implements it.
type Operator interface {
	Perform(ctx context.Context, a Action, by order.Actor) (*models.Order, error)
	RelayToCustomer(ctx context.Context, conv *models.Conversation, from, text string) error
	RelayFromCustomer(ctx context.Context, msg CustomerMessage) error
}

// Router classifies inbound platform traffic: button clicks become
// actions, "!sb" lines become commands, and plain thread messages are
// relayed to the customer.
type Router struct {
	registry   *Registry
	platform   Platform
	operator   Operator
	cmdHandler *CommandHandler
	isAdmin    func(userID string) bool
	botUserID  string
	logger     *zap.Logger
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Registry   *Registry
	Platform   Platform
	Operator   Operator
	CmdHandler *CommandHandler
	IsAdmin    func(userID string) bool // nil treats everyone as staff
	BotUserID  string                   // bot's user ID for self-message filtering
	Logger     *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("telegraph: router: registry is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("telegraph: router: platform is required")
	}
	if opts.Operator == nil {
		return nil, fmt.Errorf("telegraph: router: operator is required")
	}
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("telegraph: router: command handler is required")
	}
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(string) bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	botUserID := opts.BotUserID
	if botUserID == "" {
		if b, ok := opts.Platform.(BotUserIDer); ok {
			botUserID = b.BotUserID()
		}
	}
	return &Router{
		registry:   opts.Registry,
		platform:   opts.Platform,
		operator:   opts.Operator,
		cmdHandler: opts.CmdHandler,
		isAdmin:    opts.IsAdmin,
		botUserID:  botUserID,
		logger:     opts.Logger,
	}, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. Button click → decode the action and perform it
//  3. Command prefix "!sb" → command handler
//  4. Message in a known thread → record and relay to the customer
//  5. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}
	actor := r.actor(msg.UserID)

	if msg.IsClick() {
		r.logger.Debug("router: click",
			zap.String("thread_id", msg.ThreadID), zap.String("user_id", msg.UserID), zap.String("payload", msg.Payload))
		r.handleClick(ctx, msg, actor)
		return
	}

	text := strings.TrimSpace(msg.Text)
	r.logger.Debug("router: recv",
		zap.String("thread_id", msg.ThreadID), zap.String("user", msg.UserName), zap.String("text", truncate(text, 80)))

	if isCommand(text) {
		r.reply(ctx, msg.ThreadID, r.cmdHandler.Execute(ctx, text, actor))
		return
	}

	if msg.ThreadID == "" || text == "" {
		return
	}
	conv, err := r.registry.FindByThread(ctx, msg.ThreadID)
	if errors.Is(err, ErrConversationNotFound) {
		return
	}
	if err != nil {
		r.logger.Error("router: find thread", zap.String("thread_id", msg.ThreadID), zap.Error(err))
		return
	}
	if err := r.registry.RecordMessage(ctx, conv.ID, RoleStaff, msg.UserName, text, msg.MessageID); err != nil {
		r.logger.Error("router: record staff message", zap.String("conversation", conv.Key), zap.Error(err))
	} else if err := r.registry.MarkRead(ctx, conv.ID); err != nil {
		// A staff reply means the customer's messages were seen.
		r.logger.Warn("router: mark read", zap.String("conversation", conv.Key), zap.Error(err))
	}
	if err := r.operator.RelayToCustomer(ctx, conv, msg.UserName, text); err != nil {
		r.logger.Warn("router: relay to customer", zap.String("conversation", conv.Key), zap.Error(err))
		r.reply(ctx, msg.ThreadID, "⚠️ Could not deliver that message to the customer.")
	}
}

func (r *Router) handleClick(ctx context.Context, msg InboundMessage, actor order.Actor) {
	a, err := ParseAction(msg.Payload)
	if err != nil {
		r.logger.Warn("router: bad payload", zap.String("payload", msg.Payload), zap.Error(err))
		return
	}
	switch a := a.(type) {
	case SetPrice:
		if a.Amount == 0 {
			r.reply(ctx, msg.ThreadID, fmt.Sprintf("Reply with `%s price %d <amount> [discount%%]` to set the price.", commandPrefix, a.Order))
			return
		}
	case ConfirmPartial:
		if a.Amount == 0 {
			r.reply(ctx, msg.ThreadID, fmt.Sprintf("Reply with `%s paid %d <amount>` to book the received amount.", commandPrefix, a.Order))
			return
		}
	}
	if _, err := r.operator.Perform(ctx, a, actor); err != nil {
		r.logger.Info("router: action failed",
			zap.Uint("order_id", a.OrderID()), zap.String("verb", a.Verb()), zap.String("user_id", msg.UserID), zap.Error(err))
		r.reply(ctx, msg.ThreadID, FormatError(err))
	}
}

func (r *Router) actor(userID string) order.Actor {
	if r.isAdmin(userID) {
		return order.ActorAdmin
	}
	return order.ActorStaff
}

func (r *Router) reply(ctx context.Context, threadID, text string) {
	if threadID == "" || text == "" {
		return
	}
	if _, err := r.platform.Post(ctx, threadID, Message{Text: text}); err != nil {
		r.logger.Warn("router: reply", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

// FormatError turns an action error into the reply staff see.
func FormatError(err error) string {
	var te *order.TransitionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		msg := fmt.Sprintf("⚠️ Not possible: %s → %s is not allowed for %s.", te.From, te.To, te.Actor)
		if te.Reason != "" {
			msg += " " + te.Reason + "."
		}
		return msg
	case errors.Is(err, order.ErrInvalidTransition):
		return "⚠️ That step is not possible in the order's current state."
	case errors.Is(err, order.ErrInvalidAmount):
		return "⚠️ Invalid amount."
	case errors.Is(err, order.ErrNotFound):
		return "⚠️ Order not found."
	case errors.Is(err, order.ErrConflict):
		return "⚠️ The order was changed concurrently, please try again."
	case errors.Is(err, ErrBadPayload):
		return "⚠️ Could not understand that action."
	default:
		return "⚠️ Something went wrong, the error was logged."
	}
}
