package main

import (
	"fmt"
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/order"
)

func TestCardPreview(t *testing.T) {
	mock := useMockPlatform(t)
	path := writeConfig(t, "")
	o := seedOrder(t, path, models.Order{
		Subject: "Poster",
		Status:  string(order.StatusPaymentVerification),
		Price:   500,
	})

	out, err := run(t, "card", "preview", fmt.Sprint(o.ID), "--note", "Payment claimed", "-c", path)
	if err != nil {
		t.Fatalf("card preview: %v", err)
	}
	for _, want := range []string{
		"#check_payment",
		"stage: payment_verification",
		"Payment claimed",
		fmt.Sprintf("pay_full:%d", o.ID),
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
	if mock.PostCount() != 0 {
		t.Errorf("preview posted %d messages, want 0", mock.PostCount())
	}
}

func TestCardPreview_ClosedOrderHasNoButtons(t *testing.T) {
	useMockPlatform(t)
	path := writeConfig(t, "")
	o := seedOrder(t, path, models.Order{Status: string(order.StatusCancelled)})

	out, err := run(t, "card", "preview", fmt.Sprint(o.ID), "-c", path)
	if err != nil {
		t.Fatalf("card preview: %v", err)
	}
	if strings.Contains(out, "[") {
		t.Errorf("closed card should render no buttons: %s", out)
	}
}

func TestCardPreview_BadID(t *testing.T) {
	if _, err := run(t, "card", "preview", "nope"); err == nil || !strings.Contains(err.Error(), "invalid order id") {
		t.Fatalf("err = %v, want invalid order id", err)
	}
}
