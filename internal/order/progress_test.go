package order

import "testing"

func TestAutoProgress(t *testing.T) {
	tests := []struct {
		status Status
		want   int
	}{
		{StatusDraft, 0},
		{StatusPendingEstimation, 0},
		{StatusAwaitingPayment, 10},
		{StatusPaymentVerification, 15},
		{StatusPaidPartial, 20},
		{StatusPaidFull, 25},
		{StatusInProduction, 30},
		{StatusClientReview, 90},
		{StatusRevision, 90},
		{StatusCompleted, 100},
		{StatusCancelled, 0},
		{StatusRejected, 0},
	}
	for _, tt := range tests {
		if got := AutoProgress(tt.status); got != tt.want {
			t.Errorf("AutoProgress(%s) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestNextProgress(t *testing.T) {
	tests := []struct {
		name    string
		current int
		target  Status
		want    int
	}{
		{"raises to floor", 0, StatusAwaitingPayment, 10},
		{"keeps higher manual value", 60, StatusPaidFull, 60},
		{"revision keeps review floor", 90, StatusRevision, 90},
		{"completed is full", 95, StatusCompleted, 100},
		{"cancel resets", 10, StatusCancelled, 0},
		{"reject resets", 75, StatusRejected, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextProgress(tt.current, tt.target); got != tt.want {
				t.Errorf("NextProgress(%d, %s) = %d, want %d", tt.current, tt.target, got, tt.want)
			}
		})
	}
}

func TestNextProgress_MonotonicAlongLifecycle(t *testing.T) {
	path := []Status{
		StatusPendingEstimation, StatusAwaitingPayment, StatusPaymentVerification,
		StatusPaidPartial, StatusPaymentVerification, StatusPaidFull, StatusInProduction,
		StatusClientReview, StatusRevision, StatusClientReview, StatusCompleted,
	}
	p := 0
	for _, s := range path {
		next := NextProgress(p, s)
		if next < p {
			t.Fatalf("progress decreased from %d to %d entering %s", p, next, s)
		}
		p = next
	}
	if p != 100 {
		t.Errorf("final progress = %d, want 100", p)
	}
}

func TestClampProgress(t *testing.T) {
	tests := []struct {
		status Status
		pct    int
		want   int
	}{
		{StatusInProduction, 55, 55},
		{StatusInProduction, 10, 30},
		{StatusInProduction, 150, 100},
		{StatusRevision, 50, 90},
		{StatusRevision, -5, 90},
	}
	for _, tt := range tests {
		if got := ClampProgress(tt.status, tt.pct); got != tt.want {
			t.Errorf("ClampProgress(%s, %d) = %d, want %d", tt.status, tt.pct, got, tt.want)
		}
	}
}

func TestCanSetProgress(t *testing.T) {
	for _, s := range AllStatuses() {
		want := s == StatusInProduction || s == StatusRevision
		if got := CanSetProgress(s); got != want {
			t.Errorf("CanSetProgress(%s) = %v, want %v", s, got, want)
		}
	}
}
