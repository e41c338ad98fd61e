package telegraph

import (
	"errors"
	"testing"
)

func TestParseAction_Valid(t *testing.T) {
	tests := []struct {
		payload string
		want    Action
	}{
		{"price:5", SetPrice{Order: 5}},
		{"price:5:15000", SetPrice{Order: 5, Amount: 15000}},
		{"price:5:15000:10", SetPrice{Order: 5, Amount: 15000, Discount: 10}},
		{"pay_full:5", ConfirmFull{Order: 5}},
		{"pay_part:5", ConfirmPartial{Order: 5}},
		{"pay_part:5:2500", ConfirmPartial{Order: 5, Amount: 2500}},
		{"pay_reject:5", RejectPayment{Order: 5}},
		{"produce:5", StartProduction{Order: 5}},
		{"progress:5:75", SetProgress{Order: 5, Percent: 75}},
		{"deliver:5", Deliver{Order: 5}},
		{"complete:5", Complete{Order: 5}},
		{"remind:5", Remind{Order: 5}},
		{"reject:5", Reject{Order: 5}},
		{"reopen:5", Reopen{Order: 5}},
		{"resync:5", Resync{Order: 5}},
		{" deliver:5 ", Deliver{Order: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseAction(tt.payload)
			if err != nil {
				t.Fatalf("ParseAction: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseAction_Invalid(t *testing.T) {
	for _, p := range []string{
		"",
		"deliver",
		"deliver:",
		"deliver:abc",
		"deliver:0",
		"deliver:-3",
		"deliver:5:extra",
		"progress:5",
		"progress:5:lots",
		"price:5:1:2:3",
		"pay_part:5:x",
		"teleport:5",
	} {
		t.Run(p, func(t *testing.T) {
			if _, err := ParseAction(p); !errors.Is(err, ErrBadPayload) {
				t.Errorf("ParseAction(%q) err = %v, want ErrBadPayload", p, err)
			}
		})
	}
}

func TestAction_PayloadRoundTrip(t *testing.T) {
	actions := []Action{
		SetPrice{Order: 1}, SetPrice{Order: 1, Amount: 900}, SetPrice{Order: 1, Amount: 900, Discount: 5},
		ConfirmFull{Order: 2}, ConfirmPartial{Order: 2, Amount: 10}, RejectPayment{Order: 3},
		StartProduction{Order: 4}, SetProgress{Order: 4, Percent: 50}, Deliver{Order: 5},
		Complete{Order: 5}, Remind{Order: 6}, Reject{Order: 7}, Reopen{Order: 8}, Resync{Order: 9},
	}
	for _, a := range actions {
		got, err := ParseAction(a.Payload())
		if err != nil {
			t.Errorf("%s: %v", a.Payload(), err)
			continue
		}
		if got != a {
			t.Errorf("%s decoded to %#v", a.Payload(), got)
		}
	}
}
