// Command loadtest гоняет сценарии покупки через HTTP API и проверяет, что склад
// не ушёл в минус, а журнал остатков сходится с материализованным значением.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type loadMode string

const (
	modeCheckout          loadMode = "checkout"
	modeCheckoutPay       loadMode = "checkout-pay"
	modeCheckoutPayCancel loadMode = "checkout-pay-cancel"
)

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCheckout, modeCheckoutPay, modeCheckoutPayCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	variantID   string
	seedStock   int
	quantity    int
	price       string
	customerTag string
	outputPath  string
	metricsAddr string
}

func parseArgs(args []string) (config, error) {
	var (
		cfg  config
		mode string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "marketplace HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration only an upper bound when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "concurrent scenarios")
	fs.IntVar(&cfg.connections, "connections", 20, "idle keep-alive connections to the API")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeCheckout), "checkout | checkout-pay | checkout-pay-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of paid orders to cancel in checkout-pay mode")
	fs.StringVar(&cfg.variantID, "variant", "", "existing variant to buy; empty registers one with -seed-stock")
	fs.IntVar(&cfg.seedStock, "seed-stock", 100, "initial stock of the registered variant")
	fs.IntVar(&cfg.quantity, "quantity", 1, "units per checkout")
	fs.StringVar(&cfg.price, "price", "9.99", "price of the registered variant")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "user id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve live load metrics on this address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	var err error
	if cfg.mode, err = parseMode(mode); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if _, err := url.ParseRequestURI(c.addr); err != nil {
		return fmt.Errorf("addr must be an absolute URL: %w", err)
	}
	switch {
	case c.duration < 0:
		return errors.New("duration must be >= 0")
	case c.duration == 0 && c.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case c.duration > 0 && c.totalSet && c.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case c.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case c.connections <= 0:
		return errors.New("connections must be > 0")
	case c.timeout <= 0:
		return errors.New("timeout must be > 0")
	case c.quantity <= 0:
		return errors.New("quantity must be > 0")
	case c.cancelRate < 0 || c.cancelRate > 100:
		return errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(c.variantID) == "" && c.seedStock < 0:
		return errors.New("seed-stock must be >= 0")
	case strings.TrimSpace(c.customerTag) == "":
		return errors.New("customer-tag is required")
	}
	return nil
}

func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	default:
		return fmt.Sprintf("duration:%s", c.duration)
	}
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	col := newCollector()
	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(col.reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("load metrics server failed")
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	result, err := run(ctx, cfg, newHTTPClient(cfg.connections), col)
	if err != nil {
		log.WithError(err).Fatal("load test failed")
	}

	if err := printReport(os.Stdout, result, cfg); err != nil {
		log.WithError(err).Warn("failed to print report")
	}
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Fatal("failed to write report")
		}
	}
	if result.failed() {
		stop()
		os.Exit(1)
	}
}

func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	// #nosec G306 -- локальный отчёт нагрузочного прогона.
	return os.WriteFile(clean, append(raw, '\n'), 0o644)
}

func printReport(w io.Writer, r report, cfg config) error {
	lat := r.ScenarioLatencyMs
	lines := []string{
		"Load test summary",
		fmt.Sprintf("mode=%s run=%s total=%d success=%d sold_out=%d failed=%d error_rate=%.4f",
			cfg.mode, cfg.target(), r.TotalScenarios, r.SuccessScenarios, r.SoldOutScenarios, r.FailedScenarios, r.ErrorRate),
		fmt.Sprintf("duration=%.2fs rps=%.2f", r.DurationSeconds, r.RPS),
		fmt.Sprintf("scenario latency ms: avg=%.2f p50=%.2f p95=%.2f p99=%.2f", lat.Avg, lat.P50, lat.P95, lat.P99),
	}

	names := make([]string, 0, len(r.Methods))
	for name := range r.Methods {
		if name != scenarioMethod {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		m := r.Methods[name]
		lines = append(lines, fmt.Sprintf("%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms",
			name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95))
	}

	if s := r.Stock; s != nil {
		lines = append(lines, fmt.Sprintf("stock variant=%s sold=%d materialized=%d ledger_sum=%d consistent=%t oversold=%t",
			s.VariantID, s.UnitsSold, s.Materialized, s.LedgerSum, s.Consistent, s.Oversold))
	}

	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}
