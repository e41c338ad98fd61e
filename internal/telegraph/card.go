package telegraph

import (
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
)

// Card is the rendered staff summary of an order.
type Card struct {
	Title   string
	Text    string
	Tag     string
	Stage   order.Stage
	Color   string
	Buttons []Button
}

// Message converts the card into a thread message.
func (c Card) Message() Message {
	return Message{Title: c.Title, Text: c.Text, Color: c.Color, Buttons: c.Buttons}
}

// cardButton is a button template. target is the status the action moves
// the order to; an empty target means the action does not transition.
type cardButton struct {
	label  string
	style  ButtonStyle
	target order.Status
	action func(o *models.Order) Action
	show   func(o *models.Order) bool
}

var (
	btnSetPrice = cardButton{"Set price", ButtonPrimary, order.StatusAwaitingPayment,
		func(o *models.Order) Action { return SetPrice{Order: o.ID} }, nil}
	btnConfirmFull = cardButton{"Confirm full payment", ButtonPrimary, order.StatusPaidFull,
		func(o *models.Order) Action { return ConfirmFull{Order: o.ID} }, nil}
	btnConfirmPartial = cardButton{"Confirm partial", ButtonSecondary, order.StatusPaidPartial,
		func(o *models.Order) Action { return ConfirmPartial{Order: o.ID} }, nil}
	btnRejectPayment = cardButton{"Payment not received", ButtonDanger, order.StatusAwaitingPayment,
		func(o *models.Order) Action { return RejectPayment{Order: o.ID} }, nil}
	btnStartProduction = cardButton{"Start work", ButtonPrimary, order.StatusInProduction,
		func(o *models.Order) Action { return StartProduction{Order: o.ID} }, nil}
	btnProgress = cardButton{"Progress +25%", ButtonSecondary, "",
		func(o *models.Order) Action { return SetProgress{Order: o.ID, Percent: nextQuartile(o.ProgressPercent)} },
		func(o *models.Order) bool {
			return order.CanSetProgress(order.Status(o.Status)) && o.ProgressPercent < 100
		}}
	btnDeliver = cardButton{"Deliver", ButtonPrimary, order.StatusClientReview,
		func(o *models.Order) Action { return Deliver{Order: o.ID} }, nil}
	btnComplete = cardButton{"Complete", ButtonPrimary, order.StatusCompleted,
		func(o *models.Order) Action { return Complete{Order: o.ID} }, nil}
	btnRemind = cardButton{"Remind customer", ButtonSecondary, "",
		func(o *models.Order) Action { return Remind{Order: o.ID} }, nil}
	btnReject = cardButton{"Reject", ButtonDanger, order.StatusRejected,
		func(o *models.Order) Action { return Reject{Order: o.ID} }, nil}
	btnReopen = cardButton{"Reopen", ButtonSecondary, "",
		func(o *models.Order) Action { return Reopen{Order: o.ID} },
		func(o *models.Order) bool { return order.Status(o.Status).Terminal() }}
)

// stageButtons lists each stage's actions in display order.
var stageButtons = map[order.Stage][]cardButton{
	order.StageNew:                 {btnSetPrice, btnReject},
	order.StageAwaitingPayment:     {btnRemind, btnReject},
	order.StagePaymentVerification: {btnConfirmFull, btnConfirmPartial, btnRejectPayment, btnReject},
	order.StageInProduction:        {btnStartProduction, btnProgress, btnDeliver, btnReject},
	order.StageClientReview:        {btnComplete, btnRemind, btnReject},
	order.StageRevision:            {btnDeliver, btnProgress, btnReject},
	order.StageDone:                {btnReopen},
	order.StageClosed:              {btnReopen},
}

func nextQuartile(pct int) int {
	return min((pct/25+1)*25, 100)
}

// Render builds the card for o. It is pure: the same order and note always
// produce the same card. Buttons whose transition staff may not take from
// the current status are left out.
func Render(o *models.Order, note string) Card {
	status := order.Status(o.Status)
	stage := order.DeriveStage(status)
	style, ok := stageStyles[stage]
	if !ok {
		style = stageStyles[order.StageClosed]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", StatusTag(status))
	if o.Subject != "" {
		fmt.Fprintf(&b, "**%s**\n", o.Subject)
	}
	if o.CustomerName != "" {
		fmt.Fprintf(&b, "Customer: %s\n", o.CustomerName)
	}
	if o.WorkCategory != "" {
		fmt.Fprintf(&b, "Category: %s\n", o.WorkCategory)
	}
	if o.DeadlineLabel != "" {
		fmt.Fprintf(&b, "Deadline: %s\n", o.DeadlineLabel)
	}

	b.WriteString("\n")
	if o.Price > 0 {
		fmt.Fprintf(&b, "Price: %s\n", FormatMoney(o.Price))
		if o.DiscountPercent > 0 {
			fmt.Fprintf(&b, "Discount: %d%%\n", o.DiscountPercent)
		}
		if o.BonusApplied > 0 {
			fmt.Fprintf(&b, "Bonus: -%s\n", FormatMoney(o.BonusApplied))
		}
		fmt.Fprintf(&b, "Final: %s\n", FormatMoney(order.FinalPrice(o)))
		fmt.Fprintf(&b, "Paid: %s · Remaining: %s\n", FormatMoney(o.PaidAmount), FormatMoney(order.Remaining(o)))
	} else {
		b.WriteString("Price: not set\n")
	}

	fmt.Fprintf(&b, "\nProgress: %s\n", progressBar(o.ProgressPercent))
	if o.RevisionCount > 0 {
		fmt.Fprintf(&b, "Revisions: %d\n", o.RevisionCount)
	}
	if note != "" {
		fmt.Fprintf(&b, "\n_%s_\n", note)
	}

	var buttons []Button
	for _, tmpl := range stageButtons[stage] {
		if tmpl.target != "" && !order.Allowed(status, tmpl.target, order.ActorStaff) {
			continue
		}
		if tmpl.show != nil && !tmpl.show(o) {
			continue
		}
		buttons = append(buttons, Button{
			Label:   tmpl.label,
			Payload: tmpl.action(o).Payload(),
			Style:   tmpl.style,
		})
	}

	return Card{
		Title:   fmt.Sprintf("%s Order #%d · %s", style.marker, o.ID, style.label),
		Text:    strings.TrimRight(b.String(), "\n"),
		Tag:     StatusTag(status),
		Stage:   stage,
		Color:   style.color,
		Buttons: buttons,
	}
}
