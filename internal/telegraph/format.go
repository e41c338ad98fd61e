package telegraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
)

// Color constants for card sidebars.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
	ColorNeutral = "#9e9e9e"
	ColorWork    = "#7e57c2"
)

// stageStyle is how a stage is presented on a card.
type stageStyle struct {
	label  string
	marker string
	color  string
}

var stageStyles = map[order.Stage]stageStyle{
	order.StageNew:                 {"New", "🆕", ColorInfo},
	order.StageAwaitingPayment:     {"Awaiting payment", "💳", ColorWarning},
	order.StagePaymentVerification: {"Payment check", "🔎", ColorWarning},
	order.StageInProduction:        {"In production", "🛠", ColorWork},
	order.StageClientReview:        {"Client review", "👀", ColorInfo},
	order.StageRevision:            {"Revision", "✏️", ColorWarning},
	order.StageDone:                {"Done", "✅", ColorSuccess},
	order.StageClosed:              {"Closed", "⛔", ColorNeutral},
}

// StageLabel returns the human label of a stage.
func StageLabel(s order.Stage) string {
	if st, ok := stageStyles[s]; ok {
		return st.label
	}
	return string(s)
}

// statusTags are the searchable hashtags shown on a card.
var statusTags = map[order.Status]string{
	order.StatusDraft:               "#draft",
	order.StatusPendingEstimation:   "#estimate",
	order.StatusAwaitingPayment:     "#awaiting_payment",
	order.StatusPaymentVerification: "#check_payment",
	order.StatusPaidPartial:         "#partial",
	order.StatusPaidFull:            "#paid",
	order.StatusInProduction:        "#in_work",
	order.StatusClientReview:        "#review",
	order.StatusRevision:            "#revision",
	order.StatusCompleted:           "#done",
	order.StatusCancelled:           "#cancelled",
	order.StatusRejected:            "#rejected",
}

// StatusTag returns the hashtag for a status.
func StatusTag(s order.Status) string {
	if tag, ok := statusTags[s]; ok {
		return tag
	}
	return "#" + string(s)
}

// statusPhrase is the customer-facing description of a status.
func statusPhrase(s order.Status) string {
	switch s {
	case order.StatusDraft:
		return "saved as a draft"
	case order.StatusPendingEstimation:
		return "waiting for an estimate"
	case order.StatusAwaitingPayment:
		return "priced and awaiting payment"
	case order.StatusPaymentVerification:
		return "having its payment checked"
	case order.StatusPaidPartial:
		return "partially paid"
	case order.StatusPaidFull:
		return "paid in full"
	case order.StatusInProduction:
		return "in production"
	case order.StatusClientReview:
		return "ready for your review"
	case order.StatusRevision:
		return "being revised"
	case order.StatusCompleted:
		return "completed"
	case order.StatusCancelled:
		return "cancelled"
	case order.StatusRejected:
		return "rejected"
	default:
		return string(s)
	}
}

// FormatStatusChange is the customer chat message sent after a transition.
func FormatStatusChange(o *models.Order) string {
	s := order.Status(o.Status)
	msg := fmt.Sprintf("Your order #%d is now %s.", o.ID, statusPhrase(s))
	if s == order.StatusAwaitingPayment {
		msg += fmt.Sprintf(" Amount due: %s.", FormatMoney(order.Remaining(o)))
	}
	return msg
}

// FormatMoney renders whole currency units with thin-space grouping,
// e.g. 15000 -> "15 000".
func FormatMoney(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	digits := strconv.FormatInt(v, 10)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteString(" ")
		}
		b.WriteRune(c)
	}
	return b.String()
}

// progressBar draws pct as ten cells.
func progressBar(pct int) string {
	pct = max(0, min(pct, 100))
	filled := pct / 10
	return strings.Repeat("▰", filled) + strings.Repeat("▱", 10-filled) + fmt.Sprintf(" %d%%", pct)
}

// truncate returns s truncated to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
