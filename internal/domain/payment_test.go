package domain

import (
	"errors"
	"testing"
)

func TestNewPayment_Validation(t *testing.T) {
	tests := []struct {
		name     string
		orderID  string
		provider string
		wantErr  error
	}{
		{name: "valid payment", orderID: "order-123", provider: "stripe"},
		{name: "missing order ID", provider: "stripe", wantErr: ErrOrderIDRequired},
		{name: "missing provider", orderID: "order-123", wantErr: ErrProviderRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPayment(tt.orderID, tt.provider)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Status != PaymentStatusPending || p.PaidAt != nil {
				t.Fatalf("new payment must be pending without paid_at: %+v", p)
			}
		})
	}
}

func TestPayment_MarkAsPaid(t *testing.T) {
	p, _ := NewPayment("order-1", "stripe")

	if err := p.MarkAsPaid(); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !p.IsPaid() || p.PaidAt == nil {
		t.Fatalf("expected paid with timestamp: %+v", p)
	}
	paidAt := *p.PaidAt

	err := p.MarkAsPaid()
	if !errors.Is(err, ErrAlreadyPaid) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected already paid, got %v", err)
	}
	if !p.PaidAt.Equal(paidAt) {
		t.Fatal("paid_at changed on repeated call")
	}

	if err := p.MarkAsFailed(); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("paid payment must not fail, got %v", err)
	}
	if p.Status != PaymentStatusPaid {
		t.Fatalf("status changed: %s", p.Status)
	}
}

func TestPayment_FailedThenPaid(t *testing.T) {
	p, _ := NewPayment("order-1", "stripe")

	if err := p.MarkAsFailed(); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if p.PaidAt != nil {
		t.Fatal("failed payment must not have paid_at")
	}
	if err := p.MarkAsFailed(); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected payment failed, got %v", err)
	}

	if err := p.MarkAsPaid(); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if !p.IsPaid() {
		t.Fatalf("expected paid, got %s", p.Status)
	}
}
