package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
	"github.com/zulandar/signalbox/internal/telegraph"
)

const historyLimit = 20

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect and repair orders",
	}

	cmd.AddCommand(newOrderShowCmd())
	cmd.AddCommand(newOrderReopenCmd())
	cmd.AddCommand(newOrderResyncCmd())
	cmd.AddCommand(newOrderTransitionCmd())
	return cmd
}

func parseOrderID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid order id %q", arg)
	}
	return uint(id), nil
}

func newOrderShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an order, its thread binding and recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return runOrderShow(cmd, a, id)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runOrderShow(cmd *cobra.Command, a *app, id uint) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	o, err := a.orders.Get(ctx, id)
	if err != nil {
		return err
	}
	printOrder(out, o)

	conv, err := a.registry.Get(ctx, telegraph.OrderKey(id))
	if errors.Is(err, telegraph.ErrConversationNotFound) {
		fmt.Fprintln(out, "\nNo conversation yet.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConversation %s (active: %t, unread: %d)\n", conv.Key, conv.IsActive, conv.UnreadCount)
	fmt.Fprintf(out, "  Thread: %s\n", orNone(conv.ThreadID))
	fmt.Fprintf(out, "  Card:   %s\n", orNone(conv.PinnedCardMessageID))

	msgs, err := a.registry.History(ctx, conv.ID, historyLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nRecent messages:")
	for _, m := range msgs {
		name := m.Role
		if m.UserName != "" {
			name = m.Role + "/" + m.UserName
		}
		fmt.Fprintf(out, "  %s  %-16s %s\n", m.CreatedAt.Format("2006-01-02 15:04"), name, firstLine(m.Content))
	}
	return nil
}

func printOrder(out io.Writer, o *models.Order) {
	status := order.Status(o.Status)
	fmt.Fprintf(out, "Order #%d: %s\n", o.ID, o.Subject)
	fmt.Fprintf(out, "  Status:   %s (%s)\n", status, order.DeriveStage(status))
	fmt.Fprintf(out, "  Customer: %d (chat %d) %s\n", o.CustomerID, o.CustomerChatID, o.CustomerName)
	fmt.Fprintf(out, "  Price:    %d (paid %d, remaining %d)\n", order.FinalPrice(o), o.PaidAmount, order.Remaining(o))
	fmt.Fprintf(out, "  Progress: %d%%\n", o.ProgressPercent)
	if o.RevisionCount > 0 {
		fmt.Fprintf(out, "  Revisions: %d\n", o.RevisionCount)
	}
}

func newOrderReopenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a closed order (admin)",
		Long:  "Returns a completed, cancelled or rejected order to pending_estimation and re-activates its conversation.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrderMutation(cmd, configPath, args[0], func(a *app, id uint) (*models.Order, error) {
				return a.svc.Reopen(cmd.Context(), id, order.ActorAdmin)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newOrderResyncCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resync <id>",
		Short: "Re-render an order's pinned card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrderMutation(cmd, configPath, args[0], func(a *app, id uint) (*models.Order, error) {
				return a.svc.Resync(cmd.Context(), id)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newOrderTransitionCmd() *cobra.Command {
	var (
		configPath string
		as         string
	)

	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move an order to another status",
		Long: `Applies one lifecycle transition as the given actor and runs the usual
side effects: card update, live push and customer message.

Statuses: ` + strings.Join(statusNames(), ", "),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := parseActor(as)
			if err != nil {
				return err
			}
			target := order.Status(args[1])
			return runOrderMutation(cmd, configPath, args[0], func(a *app, id uint) (*models.Order, error) {
				return a.svc.Transition(cmd.Context(), id, target, actor)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&as, "as", string(order.ActorStaff), "actor: customer, staff, admin or system")
	return cmd
}

func runOrderMutation(cmd *cobra.Command, configPath, rawID string, fn func(*app, uint) (*models.Order, error)) error {
	id, err := parseOrderID(rawID)
	if err != nil {
		return err
	}
	a, err := loadApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connect(cmd.Context()); err != nil {
		return err
	}

	o, err := fn(a, id)
	if err != nil {
		return err
	}
	printOrder(cmd.OutOrStdout(), o)
	return nil
}

func parseActor(s string) (order.Actor, error) {
	switch a := order.Actor(s); a {
	case order.ActorCustomer, order.ActorStaff, order.ActorAdmin, order.ActorSystem:
		return a, nil
	}
	return "", fmt.Errorf("invalid actor %q (supported: customer, staff, admin, system)", s)
}

func statusNames() []string {
	var names []string
	for _, s := range order.AllStatuses() {
		names = append(names, string(s))
	}
	return names
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return "(none)"
	}
	return *s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
