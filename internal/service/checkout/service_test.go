package checkout_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
	"github.com/somenicecode/dayx/internal/service/checkout"
	"github.com/somenicecode/dayx/internal/service/inventory"
	"github.com/somenicecode/dayx/internal/service/orders"
	"github.com/somenicecode/dayx/internal/storage/memory"
)

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	ledger   *inventory.Ledger
	service  *checkout.Service
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	ledger := inventory.NewLedger(store, nil, nil, nil)
	return newFixtureWith(t, store, ledger, store)
}

func newFixtureWith(t *testing.T, store *memory.Store, ledger *inventory.Ledger, tx domain.TxManager) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		ledger:   ledger,
		registry: reg,
	}
	f.service = checkout.NewService(tx, ledger, metrics.NewCheckoutMetricsWithRegisterer(reg), nil)
	return f
}

func (f *fixture) variant(t *testing.T, price string, stock int) *domain.ProductVariant {
	t.Helper()
	v, err := f.ledger.RegisterVariant(f.ctx, "product-1", "variant", decimal.RequireFromString(price), stock, nil)
	require.NoError(t, err)
	return v
}

func (f *fixture) stock(t *testing.T, variantID string) int {
	t.Helper()
	report, err := f.ledger.VerifyStock(f.ctx, variantID)
	require.NoError(t, err)
	return report.Materialized
}

func TestCheckout_CreatesOrderWithFrozenPrices(t *testing.T) {
	f := newFixture(t)
	a := f.variant(t, "10.00", 5)
	b := f.variant(t, "2.50", 5)

	_, err := f.service.AddToCart(f.ctx, "user-1", a.ID, 2)
	require.NoError(t, err)
	_, err = f.service.AddToCart(f.ctx, "user-1", b.ID, 3)
	require.NoError(t, err)

	order, err := f.service.Checkout(f.ctx, "user-1", "addr-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, order.Status)
	require.Equal(t, 2, order.ItemCount())
	require.True(t, order.Total().Equal(decimal.RequireFromString("27.50")))

	require.Equal(t, 3, f.stock(t, a.ID))
	require.Equal(t, 2, f.stock(t, b.ID))

	history, err := f.ledger.History(f.ctx, a.ID, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StockReasonSale, history[0].Reason)
	require.Equal(t, -2, history[0].Delta)
	require.Equal(t, "order:"+order.ID, history[0].Reference)

	cart, err := f.service.GetCart(f.ctx, "user-1")
	require.NoError(t, err)
	require.True(t, cart.IsEmpty())

	_, err = f.ledger.UpdatePrice(f.ctx, a.ID, decimal.RequireFromString("99.00"))
	require.NoError(t, err)

	view, err := orders.NewManager(f.store, nil, nil).Get(f.ctx, order.ID)
	require.NoError(t, err)
	for _, item := range view.Order.Items() {
		if item.VariantID == a.ID {
			require.True(t, item.UnitPrice.Equal(decimal.RequireFromString("10.00")))
		}
	}

	events, err := orders.NewManager(f.store, nil, nil).Timeline(f.ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventOrderCreated, events[0].Type)

	require.Equal(t, 1.0, counterValue(t, f.registry, "dayx_checkout_completed_total"))
}

func TestCheckout_InsufficientStockCompensatesAppliedLines(t *testing.T) {
	f := newFixture(t)
	first := f.variant(t, "1.00", 0)
	second := f.variant(t, "1.00", 0)
	// Строки обрабатываются по возрастанию VariantID.
	if first.ID > second.ID {
		first, second = second, first
	}
	_, _, err := f.ledger.AdjustStock(f.ctx, first.ID, 10, domain.StockReasonRestock, "")
	require.NoError(t, err)
	_, _, err = f.ledger.AdjustStock(f.ctx, second.ID, 1, domain.StockReasonRestock, "")
	require.NoError(t, err)

	_, err = f.service.AddToCart(f.ctx, "user-1", first.ID, 3)
	require.NoError(t, err)
	_, err = f.service.AddToCart(f.ctx, "user-1", second.ID, 2)
	require.NoError(t, err)

	_, err = f.service.Checkout(f.ctx, "user-1", "addr-1")
	require.ErrorIs(t, err, domain.ErrCheckoutFailed)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var failed *domain.CheckoutFailedError
	require.True(t, errors.As(err, &failed))
	require.Equal(t, second.ID, failed.VariantID)

	require.Equal(t, 10, f.stock(t, first.ID))
	require.Equal(t, 1, f.stock(t, second.ID))

	history, err := f.ledger.History(f.ctx, first.ID, 2)
	require.NoError(t, err)
	require.Equal(t, domain.StockReasonSale, history[0].Reason)
	require.Equal(t, domain.StockReasonCorrection, history[1].Reason)
	require.Equal(t, 3, history[1].Delta)

	cart, err := f.service.GetCart(f.ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items(), 2)

	list, err := orders.NewManager(f.store, nil, nil).ListByUser(f.ctx, "user-1", 0)
	require.NoError(t, err)
	require.Empty(t, list)

	require.Equal(t, 1.0, counterValue(t, f.registry, "dayx_checkout_compensations_total"))
}

func TestCheckout_EmptyOrMissingCart(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, "1.00", 1)

	_, err := f.service.Checkout(f.ctx, "user-1", "addr-1")
	require.ErrorIs(t, err, domain.ErrEmptyCart)

	_, err = f.service.AddToCart(f.ctx, "user-1", v.ID, 1)
	require.NoError(t, err)
	_, err = f.service.RemoveCartItem(f.ctx, "user-1", v.ID)
	require.NoError(t, err)

	_, err = f.service.Checkout(f.ctx, "user-1", "addr-1")
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestCheckout_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Checkout(f.ctx, "user-1", " ")
	require.ErrorIs(t, err, domain.ErrAddressIDRequired)
	_, err = f.service.Checkout(f.ctx, "", "addr")
	require.ErrorIs(t, err, domain.ErrUserIDRequired)
}

// recordingLedger пишет порядок вызовов и может отказывать на выбранных причинах.
type recordingLedger struct {
	*inventory.Ledger
	mu       sync.Mutex
	calls    []string
	failWith map[domain.StockReason]error
}

func (r *recordingLedger) AdjustStock(ctx context.Context, variantID string, delta int, reason domain.StockReason, reference string) (domain.StockEntry, *domain.ProductVariant, error) {
	r.mu.Lock()
	r.calls = append(r.calls, variantID)
	err := r.failWith[reason]
	r.mu.Unlock()
	if err != nil {
		return domain.StockEntry{}, nil, err
	}
	return r.Ledger.AdjustStock(ctx, variantID, delta, reason, reference)
}

func TestCheckout_ProcessesLinesInVariantOrder(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		v := f.variant(t, "1.00", 5)
		ids = append(ids, v.ID)
		_, err := f.service.AddToCart(f.ctx, "user-1", v.ID, 1)
		require.NoError(t, err)
	}

	rec := &recordingLedger{Ledger: f.ledger}
	svc := checkout.NewService(f.store, rec, nil, nil)
	_, err := svc.Checkout(f.ctx, "user-1", "addr-1")
	require.NoError(t, err)

	sort.Strings(ids)
	require.Equal(t, ids, rec.calls)
}

func TestCheckout_CompensationFailureIsReported(t *testing.T) {
	f := newFixture(t)
	a := f.variant(t, "1.00", 5)
	b := f.variant(t, "1.00", 0)
	_, err := f.service.AddToCart(f.ctx, "user-1", a.ID, 1)
	require.NoError(t, err)
	_, err = f.service.AddToCart(f.ctx, "user-1", b.ID, 1)
	require.NoError(t, err)

	compErr := errors.New("ledger unavailable")
	rec := &recordingLedger{
		Ledger:   f.ledger,
		failWith: map[domain.StockReason]error{domain.StockReasonCorrection: compErr},
	}
	svc := checkout.NewService(f.store, rec, nil, nil)

	_, err = svc.Checkout(f.ctx, "user-1", "addr-1")
	require.ErrorIs(t, err, domain.ErrCheckoutFailed)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	if a.ID < b.ID {
		// a списан до отказа на b, его компенсация упала.
		require.ErrorIs(t, err, compErr)
	}
}

// failingOrdersTx ломает сохранение заказа, оставляя остальные репозитории рабочими.
type failingOrdersTx struct {
	inner domain.TxManager
	err   error
}

func (f failingOrdersTx) WithinTx(ctx context.Context, fn func(ctx context.Context, uow domain.UnitOfWork) error) error {
	return f.inner.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		return fn(ctx, failingUoW{UnitOfWork: uow, err: f.err})
	})
}

type failingUoW struct {
	domain.UnitOfWork
	err error
}

func (u failingUoW) Orders() domain.OrderRepository {
	return failingOrders{OrderRepository: u.UnitOfWork.Orders(), err: u.err}
}

type failingOrders struct {
	domain.OrderRepository
	err error
}

func (r failingOrders) Create(context.Context, *domain.Order) error { return r.err }

func TestCheckout_PersistFailureCompensatesEverything(t *testing.T) {
	store := memory.NewStore()
	ledger := inventory.NewLedger(store, nil, nil, nil)
	boom := errors.New("disk full")
	f := newFixtureWith(t, store, ledger, failingOrdersTx{inner: store, err: boom})

	a := f.variant(t, "3.00", 4)
	b := f.variant(t, "4.00", 4)
	_, err := f.service.AddToCart(f.ctx, "user-1", a.ID, 1)
	require.NoError(t, err)
	_, err = f.service.AddToCart(f.ctx, "user-1", b.ID, 2)
	require.NoError(t, err)

	_, err = f.service.Checkout(f.ctx, "user-1", "addr-1")
	require.ErrorIs(t, err, domain.ErrCheckoutFailed)
	require.ErrorIs(t, err, boom)

	require.Equal(t, 4, f.stock(t, a.ID))
	require.Equal(t, 4, f.stock(t, b.ID))

	cart, err := f.service.GetCart(f.ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items(), 2)
}

// interleavingLedger один раз вызывает after сразу после первого успешного списания,
// имитируя операцию, попавшую между чтением корзины и сохранением заказа.
type interleavingLedger struct {
	*inventory.Ledger
	mu    sync.Mutex
	fired bool
	after func()
}

func (l *interleavingLedger) AdjustStock(ctx context.Context, variantID string, delta int, reason domain.StockReason, reference string) (domain.StockEntry, *domain.ProductVariant, error) {
	entry, variant, err := l.Ledger.AdjustStock(ctx, variantID, delta, reason, reference)
	if err != nil || reason != domain.StockReasonSale {
		return entry, variant, err
	}
	l.mu.Lock()
	run := !l.fired
	l.fired = true
	l.mu.Unlock()
	if run {
		l.after()
	}
	return entry, variant, nil
}

func TestCheckout_InterleavedCheckoutOfSameCartCreatesOneOrder(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, "5.00", 10)
	_, err := f.service.AddToCart(f.ctx, "user-1", v.ID, 3)
	require.NoError(t, err)

	ledger := &interleavingLedger{Ledger: f.ledger}
	svc := checkout.NewService(f.store, ledger, nil, nil)

	var inner *domain.Order
	var innerErr error
	ledger.after = func() {
		inner, innerErr = svc.Checkout(f.ctx, "user-1", "addr-1")
	}

	_, err = svc.Checkout(f.ctx, "user-1", "addr-1")
	require.ErrorIs(t, err, domain.ErrCheckoutFailed)
	require.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	require.NoError(t, innerErr)
	require.NotNil(t, inner)

	placed, err := f.store.Orders().ListByUser(f.ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, placed, 1)
	require.Equal(t, inner.ID, placed[0].ID)

	require.Equal(t, 7, f.stock(t, v.ID))

	cart, err := f.service.GetCart(f.ctx, "user-1")
	require.NoError(t, err)
	require.True(t, cart.IsEmpty())
}

func TestCheckout_KeepsLinesAddedDuringCheckout(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, "5.00", 10)
	w := f.variant(t, "1.00", 10)
	_, err := f.service.AddToCart(f.ctx, "user-1", v.ID, 3)
	require.NoError(t, err)

	ledger := &interleavingLedger{Ledger: f.ledger}
	svc := checkout.NewService(f.store, ledger, nil, nil)
	ledger.after = func() {
		_, err := svc.AddToCart(f.ctx, "user-1", w.ID, 2)
		require.NoError(t, err)
	}

	order, err := svc.Checkout(f.ctx, "user-1", "addr-1")
	require.NoError(t, err)
	require.Equal(t, 1, order.ItemCount())
	require.Equal(t, v.ID, order.Items()[0].VariantID)

	cart, err := f.service.GetCart(f.ctx, "user-1")
	require.NoError(t, err)
	items := cart.Items()
	require.Len(t, items, 1)
	require.Equal(t, w.ID, items[0].VariantID)
	require.Equal(t, 2, items[0].Quantity)

	require.Equal(t, 7, f.stock(t, v.ID))
	require.Equal(t, 10, f.stock(t, w.ID))
}

func TestCheckout_LastUnitSoldOnce(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, "1.00", 1)

	const buyers = 6
	for i := 0; i < buyers; i++ {
		_, err := f.service.AddToCart(f.ctx, userID(i), v.ID, 1)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.service.Checkout(f.ctx, userID(i), "addr")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, domain.ErrInsufficientStock)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 0, f.stock(t, v.ID))
}

func TestCartOperations(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, "1.00", 1)

	cart, err := f.service.AddToCart(f.ctx, "user-1", v.ID, 1)
	require.NoError(t, err)
	cart, err = f.service.AddToCart(f.ctx, "user-1", v.ID, 2)
	require.NoError(t, err)
	require.Len(t, cart.Items(), 1)
	require.Equal(t, 3, cart.Items()[0].Quantity)

	cart, err = f.service.SetCartItem(f.ctx, "user-1", v.ID, 5)
	require.NoError(t, err)
	require.Equal(t, 5, cart.Items()[0].Quantity)

	cart, err = f.service.SetCartItem(f.ctx, "user-1", v.ID, 0)
	require.NoError(t, err)
	require.True(t, cart.IsEmpty())

	_, err = f.service.AddToCart(f.ctx, "user-1", "ghost", 1)
	require.ErrorIs(t, err, domain.ErrVariantNotFound)
	_, err = f.service.AddToCart(f.ctx, "user-1", v.ID, 0)
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)

	_, err = f.service.GetCart(f.ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrCartNotFound)
}

func userID(i int) string {
	return "user-" + string(rune('a'+i))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
