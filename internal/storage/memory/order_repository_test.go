package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/storage/memory"
)

func newOrder(t *testing.T, userID string) *domain.Order {
	t.Helper()
	order, err := domain.NewOrder(userID, "addr-1")
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	item, err := domain.NewOrderItem(order.ID, "variant-1", 5, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("new item: %v", err)
	}
	if err := order.AddItem(item); err != nil {
		t.Fatalf("add item: %v", err)
	}
	return order
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder(t, "user-1")

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, order); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != order.ID || stored.ItemCount() != 1 {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	if !stored.Total().Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected total 500, got %s", stored.Total())
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRepository_ListByUser(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	for i := 0; i < 3; i++ {
		if err := repo.Create(ctx, newOrder(t, "user-1")); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if err := repo.Create(ctx, newOrder(t, "user-2")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	list, err := repo.ListByUser(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(list))
	}
	all, _ := repo.ListByUser(ctx, "user-1", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(all))
	}
}

func TestOrderRepository_UpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder(t, "user-1")
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, _ := repo.Get(ctx, order.ID)
	second, _ := repo.Get(ctx, order.ID)

	if err := first.MarkAsPaid(); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := repo.UpdateStatus(ctx, first, domain.OrderStatusPending); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	if err := second.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.UpdateStatus(ctx, second, domain.OrderStatusPending); !errors.Is(err, domain.ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}

	stored, _ := repo.Get(ctx, order.ID)
	if stored.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", stored.Status)
	}
}

func TestOrderRepository_AppendItem(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder(t, "user-1")
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	item, _ := domain.NewOrderItem(order.ID, "variant-2", 1, decimal.NewFromInt(7))
	if err := order.AddItem(item); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if err := repo.AppendItem(ctx, order, item); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	stored, _ := repo.Get(ctx, order.ID)
	if stored.ItemCount() != 2 || stored.Version != 1 {
		t.Fatalf("unexpected stored order: items=%d version=%d", stored.ItemCount(), stored.Version)
	}

	stale := newOrder(t, "user-1")
	stale.ID = order.ID
	if err := repo.AppendItem(ctx, stale, item); !errors.Is(err, domain.ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}
}
