package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/signalbox/internal/order"
)

// CommandHandler processes "!sb" commands typed by staff. Reads go
// straight to the stores; changes go through the Operator like button
// clicks do.
type CommandHandler struct {
	orders   order.Store
	registry *Registry
	operator Operator
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Orders   order.Store
	Registry *Registry
	Operator Operator
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Orders == nil {
		return nil, fmt.Errorf("telegraph: command handler: orders store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("telegraph: command handler: registry is required")
	}
	if opts.Operator == nil {
		return nil, fmt.Errorf("telegraph: command handler: operator is required")
	}
	return &CommandHandler{orders: opts.Orders, registry: opts.Registry, operator: opts.Operator}, nil
}

// historyLimit is how many messages "!sb history" shows by default.
const historyLimit = 10

// Execute parses and executes a "!sb" command string on behalf of actor.
// Returns the response text to send back to the thread.
func (ch *CommandHandler) Execute(ctx context.Context, text string, actor order.Actor) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help":
		return ch.helpText()
	case "status":
		return ch.cmdStatus(ctx, rest)
	case "history":
		return ch.cmdHistory(ctx, rest)
	}

	a, usage, err := buildAction(cmd, rest)
	if usage != "" {
		return usage
	}
	if err != nil {
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", cmd, ch.helpText())
	}
	o, err := ch.operator.Perform(ctx, a, actor)
	if err != nil {
		return FormatError(err)
	}
	if _, ok := a.(Resync); ok {
		return fmt.Sprintf("✅ Card for order #%d refreshed.", o.ID)
	}
	return fmt.Sprintf("✅ Order #%d: %s (%s).", o.ID, StageLabel(order.DeriveStage(order.Status(o.Status))), o.Status)
}

var errUnknownCommand = errors.New("unknown command")

// buildAction turns a mutating command into its Action. A non-empty usage
// means the arguments were wrong.
func buildAction(cmd string, args []string) (Action, string, error) {
	usage := func(form string) string {
		return fmt.Sprintf("Usage: `%s %s`", commandPrefix, form)
	}
	forms := map[string]string{
		"price":    "price <order> <amount> [discount%]",
		"paid":     "paid <order> <amount>",
		"progress": "progress <order> <percent>",
		"card":     "card <order>",
		"start":    "start <order>",
		"deliver":  "deliver <order>",
		"complete": "complete <order>",
		"remind":   "remind <order>",
		"reject":   "reject <order>",
		"reopen":   "reopen <order>",
	}
	form, ok := forms[cmd]
	if !ok {
		return nil, "", errUnknownCommand
	}
	if len(args) == 0 {
		return nil, usage(form), nil
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return nil, usage(form), nil
	}
	oid := uint(id)
	nums := make([]int64, 0, len(args)-1)
	for _, s := range args[1:] {
		v, err := strconv.ParseInt(strings.TrimSuffix(s, "%"), 10, 64)
		if err != nil {
			return nil, usage(form), nil
		}
		nums = append(nums, v)
	}

	switch cmd {
	case "price":
		if len(nums) < 1 || len(nums) > 2 {
			return nil, usage(form), nil
		}
		a := SetPrice{Order: oid, Amount: nums[0]}
		if len(nums) == 2 {
			a.Discount = int(nums[1])
		}
		return a, "", nil
	case "paid":
		if len(nums) != 1 {
			return nil, usage(form), nil
		}
		return ConfirmPartial{Order: oid, Amount: nums[0]}, "", nil
	case "progress":
		if len(nums) != 1 {
			return nil, usage(form), nil
		}
		return SetProgress{Order: oid, Percent: int(nums[0])}, "", nil
	}

	if len(nums) != 0 {
		return nil, usage(form), nil
	}
	switch cmd {
	case "card":
		return Resync{Order: oid}, "", nil
	case "start":
		return StartProduction{Order: oid}, "", nil
	case "deliver":
		return Deliver{Order: oid}, "", nil
	case "complete":
		return Complete{Order: oid}, "", nil
	case "remind":
		return Remind{Order: oid}, "", nil
	case "reject":
		return Reject{Order: oid}, "", nil
	default:
		return Reopen{Order: oid}, "", nil
	}
}

// parseCommand strips the "!sb" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

func orderArg(args []string) (uint, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// cmdStatus shows the order as its card would.
func (ch *CommandHandler) cmdStatus(ctx context.Context, args []string) string {
	id, ok := orderArg(args)
	if !ok {
		return fmt.Sprintf("Usage: `%s status <order>`", commandPrefix)
	}
	o, err := ch.orders.Get(ctx, id)
	if err != nil {
		return FormatError(err)
	}
	c := Render(o, "")
	return c.Title + "\n" + c.Text
}

// cmdHistory lists the latest relayed messages of an order.
func (ch *CommandHandler) cmdHistory(ctx context.Context, args []string) string {
	id, ok := orderArg(args)
	if !ok {
		return fmt.Sprintf("Usage: `%s history <order> [count]`", commandPrefix)
	}
	limit := historyLimit
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			limit = n
		}
	}
	conv, err := ch.registry.Get(ctx, OrderKey(id))
	if errors.Is(err, ErrConversationNotFound) {
		return fmt.Sprintf("No conversation for order #%d yet.", id)
	}
	if err != nil {
		return FormatError(err)
	}
	msgs, err := ch.registry.History(ctx, conv.ID, limit)
	if err != nil {
		return FormatError(err)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No messages for order #%d yet.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Order #%d** · last %d messages\n", id, len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&b, "`%s` %s (%s): %s\n", m.CreatedAt.Format("01-02 15:04"), m.UserName, m.Role, truncate(m.Content, 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

// helpText returns the help message listing available commands.
func (ch *CommandHandler) helpText() string {
	return "**Signalbox commands**\n" +
		"`!sb status <order>` show an order\n" +
		"`!sb history <order> [count]` recent customer conversation\n" +
		"`!sb price <order> <amount> [discount%]` set the estimate\n" +
		"`!sb paid <order> <amount>` book a received payment\n" +
		"`!sb start <order>` start production\n" +
		"`!sb progress <order> <percent>` report progress\n" +
		"`!sb deliver <order>` send the work for review\n" +
		"`!sb complete <order>` close a reviewed order\n" +
		"`!sb remind <order>` nudge the customer\n" +
		"`!sb reject <order>` reject the order\n" +
		"`!sb reopen <order>` reopen a finished order (admin)\n" +
		"`!sb card <order>` refresh the pinned card\n" +
		"`!sb help` this message"
}
