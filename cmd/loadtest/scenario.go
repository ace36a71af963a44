package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	SoldOutScenarios  int64                   `json:"sold_out_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Stock             *stockReport            `json:"stock,omitempty"`
}

// failed сообщает, должен ли процесс завершиться с ненулевым кодом.
func (r report) failed() bool {
	return r.FailedScenarios > 0 || (r.Stock != nil && (!r.Stock.Consistent || r.Stock.Oversold))
}

func buildReport(col *collector, startedAt time.Time, elapsed time.Duration) report {
	r := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         col.methods(),
	}
	if s, ok := r.Methods[scenarioMethod]; ok {
		r.TotalScenarios = s.Calls
		r.SuccessScenarios = s.Success
		r.FailedScenarios = s.Failed
		r.SoldOutScenarios = s.Codes[outcomeSoldOut]
		r.ErrorRate = s.ErrorRate
		r.ScenarioLatencyMs = s.LatencyMs
	}
	if elapsed > 0 {
		r.RPS = float64(r.TotalScenarios) / elapsed.Seconds()
	}
	return r
}

// loadRun: состояние одного прогона.
type loadRun struct {
	cfg    config
	api    *apiClient
	id     string
	sold   atomic.Int64
	logger *log.Entry
}

// run готовит вариант, прогоняет сценарии и сверяет журнал остатков.
func run(ctx context.Context, cfg config, httpClient *http.Client, col *collector) (report, error) {
	lr := &loadRun{
		cfg:    cfg,
		api:    &apiClient{base: strings.TrimRight(cfg.addr, "/"), http: httpClient, timeout: cfg.timeout, col: col},
		logger: log.WithField("component", "loadtest"),
	}

	seeded := strings.TrimSpace(cfg.variantID) == ""
	if seeded {
		id, err := lr.api.registerVariant(ctx, "load-"+cfg.customerTag, cfg.price, cfg.seedStock)
		if err != nil {
			return report{}, fmt.Errorf("register variant: %w", err)
		}
		lr.cfg.variantID = id
		lr.logger.WithFields(log.Fields{"variant_id": id, "stock": cfg.seedStock}).Info("load variant registered")
	}

	startedAt := time.Now()
	lr.id = fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	launched := dispatch(ctx, lr.cfg, lr.scenario)
	result := buildReport(col, startedAt, time.Since(startedAt))
	lr.logger.WithFields(log.Fields{"scenarios": launched, "elapsed": time.Since(startedAt)}).Info("load run finished")

	stock, err := lr.api.verifyStock(ctx, lr.cfg.variantID)
	if err != nil {
		return result, fmt.Errorf("verify stock: %w", err)
	}
	stock.UnitsSold = lr.sold.Load()
	stock.Oversold = stock.Materialized < 0
	if seeded {
		// Отмена не возвращает остаток: после прогона на складе ровно seed - sold.
		stock.InitialStock = cfg.seedStock
		expected := cfg.seedStock - int(stock.UnitsSold)
		stock.Oversold = stock.Oversold || expected < 0 || stock.Materialized != expected
	}
	result.Stock = &stock
	return result, nil
}

// dispatch запускает сценарии не более чем в cfg.concurrency горутинах. В режиме
// счётчика запускает ровно cfg.total; в режиме длительности до истечения cfg.duration
// (и не больше total, если он задан явно). Возвращает число запущенных сценариев.
func dispatch(ctx context.Context, cfg config, scenario func(ctx context.Context, index int)) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	bounded := cfg.duration <= 0 || cfg.totalSet

	launched := 0
	for ; !bounded || launched < cfg.total; launched++ {
		select {
		case <-deadline:
			_ = g.Wait()
			return launched
		case <-gctx.Done():
			_ = g.Wait()
			return launched
		default:
		}
		index := launched
		g.Go(func() error {
			scenario(gctx, index)
			return nil
		})
	}
	_ = g.Wait()
	return launched
}

// scenario кладёт вариант в корзину, оформляет заказ и, в зависимости от режима,
// оплачивает и отменяет его.
func (lr *loadRun) scenario(ctx context.Context, index int) {
	started := time.Now()
	outcome, sold := lr.checkoutFlow(ctx, index)
	if sold > 0 {
		lr.sold.Add(int64(sold))
	}
	ok := outcome == outcomeOK || outcome == outcomeSoldOut
	lr.api.col.record(scenarioMethod, time.Since(started), outcome, ok)
}

// checkoutFlow возвращает исход сценария и число проданных единиц.
func (lr *loadRun) checkoutFlow(ctx context.Context, index int) (string, int) {
	cfg := lr.cfg
	user := fmt.Sprintf("%s-%s-%d", cfg.customerTag, lr.id, index)

	status, err := lr.api.call(ctx, "AddToCart", http.MethodPost, "/api/v1/carts/"+url.PathEscape(user)+"/items",
		map[string]any{"variant_id": cfg.variantID, "quantity": cfg.quantity}, nil)
	if err != nil {
		return statusCode(status), 0
	}

	var order struct {
		ID string `json:"id"`
	}
	status, err = lr.api.call(ctx, "Checkout", http.MethodPost, "/api/v1/checkout",
		map[string]any{"user_id": user, "address_id": "addr-" + user}, &order)
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.Kind == kindCheckoutFailed:
		// Нехватка остатка при распродаже.
		return outcomeSoldOut, 0
	case err != nil:
		return statusCode(status), 0
	case order.ID == "":
		return "empty_order_id", 0
	}
	sold := cfg.quantity

	if cfg.mode == modeCheckout {
		return outcomeOK, sold
	}
	orderPath := "/api/v1/orders/" + url.PathEscape(order.ID)
	if status, err := lr.api.call(ctx, "PayOrder", http.MethodPost, orderPath+"/pay", nil, nil); err != nil {
		return statusCode(status), sold
	}

	if cfg.mode == modeCheckoutPayCancel || (cfg.mode == modeCheckoutPay && cancelled(index, cfg.cancelRate)) {
		if status, err := lr.api.call(ctx, "CancelOrder", http.MethodPost, orderPath+"/cancel",
			map[string]any{"reason": "load-cancel"}, nil); err != nil {
			return statusCode(status), sold
		}
	}
	return outcomeOK, sold
}

// cancelled детерминированно отбирает rate процентов сценариев для отмены.
func cancelled(index, rate int) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 100:
		return true
	default:
		return index%100 < rate
	}
}
