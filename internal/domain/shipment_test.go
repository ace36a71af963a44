package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/somenicecode/dayx/internal/domain"
)

func TestShipmentStages(t *testing.T) {
	s, err := domain.NewShipment("order-1", "method-1", "TRK-1")
	if err != nil {
		t.Fatalf("new shipment: %v", err)
	}
	if s.Stage() != domain.ShipmentStageCreated {
		t.Fatalf("expected created, got %s", s.Stage())
	}

	if err := s.MarkAsDelivered(); !errors.Is(err, domain.ErrNotYetShipped) {
		t.Fatalf("expected not yet shipped, got %v", err)
	}
	if s.DeliveredAt != nil {
		t.Fatal("delivered_at set before shipping")
	}

	if err := s.MarkAsShipped(); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if err := s.MarkAsShipped(); !errors.Is(err, domain.ErrAlreadyShipped) {
		t.Fatalf("expected already shipped, got %v", err)
	}
	if err := s.MarkAsDelivered(); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := s.MarkAsDelivered(); !errors.Is(err, domain.ErrAlreadyDelivered) {
		t.Fatalf("expected already delivered, got %v", err)
	}
	if s.Stage() != domain.ShipmentStageDelivered {
		t.Fatalf("expected delivered, got %s", s.Stage())
	}
	if s.DeliveredAt.Before(*s.ShippedAt) {
		t.Fatal("delivered before shipped")
	}
}

func TestNewShipment_Validation(t *testing.T) {
	cases := []struct {
		name                      string
		orderID, method, tracking string
		wantErr                   error
	}{
		{"no order", "", "m", "t", domain.ErrOrderIDRequired},
		{"no method", "o", "", "t", domain.ErrDeliveryMethodRequired},
		{"no tracking", "o", "m", " ", domain.ErrTrackingRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := domain.NewShipment(tc.orderID, tc.method, tc.tracking); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNewDeliveryMethod(t *testing.T) {
	m, err := domain.NewDeliveryMethod("Courier", decimal.RequireFromString("4.99"), 48*time.Hour)
	if err != nil {
		t.Fatalf("new method: %v", err)
	}
	if m.EstimatedTime != 48*time.Hour {
		t.Fatalf("unexpected estimate %s", m.EstimatedTime)
	}

	if _, err := domain.NewDeliveryMethod("Courier", decimal.NewFromInt(-1), time.Hour); !errors.Is(err, domain.ErrPriceNegative) {
		t.Fatalf("expected price error, got %v", err)
	}
	if _, err := domain.NewDeliveryMethod("Courier", decimal.Zero, 0); !errors.Is(err, domain.ErrEstimatedTimeInvalid) {
		t.Fatalf("expected estimate error, got %v", err)
	}
	if _, err := domain.NewDeliveryMethod("Courier", decimal.Zero, -time.Hour); !errors.Is(err, domain.ErrEstimatedTimeInvalid) {
		t.Fatalf("expected estimate error, got %v", err)
	}
	if _, err := domain.NewDeliveryMethod("Courier", decimal.Zero, 1500*time.Millisecond); !errors.Is(err, domain.ErrEstimatedTimeInvalid) {
		t.Fatalf("expected estimate error for fractional seconds, got %v", err)
	}
	express, err := domain.NewDeliveryMethod("Drone", decimal.Zero, 30*time.Second)
	if err != nil {
		t.Fatalf("sub-minute estimate must be accepted: %v", err)
	}
	if express.EstimatedTime != 30*time.Second {
		t.Fatalf("unexpected estimate %s", express.EstimatedTime)
	}
	if _, err := domain.NewDeliveryMethod("", decimal.Zero, time.Hour); !errors.Is(err, domain.ErrNameRequired) {
		t.Fatalf("expected name error, got %v", err)
	}
}
