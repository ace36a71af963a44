// Package health отдаёт состояние зависимостей сервиса для probe'ов оркестратора.
//
// Обязательные зависимости (хранилище) при ошибке делают сервис unhealthy и снимают
// готовность. Необязательные (кэш остатков) переводят его в degraded: заказы
// продолжают оформляться напрямую через хранилище.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultCheckTimeout = 2 * time.Second

// Status: состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// severity упорядочивает статусы для сведения общего.
func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check: результат проверки компонента.
type Check struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Message    string        `json:"message,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Duration   time.Duration `json:"-"`
}

// Response: тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Failing возвращает отсортированные имена компонентов с указанным статусом.
func (r Response) Failing(status Status) []string {
	var names []string
	for name, c := range r.Checks {
		if c.Status == status {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler обслуживает /healthz и /readyz.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration

	version string
	started time.Time
	now     func() time.Time
}

// NewHandler создаёт handler без проверок; version попадает в отчёт.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		timeout:  defaultCheckTimeout,
		version:  version,
		started:  time.Now(),
		now:      time.Now,
	}
}

// RegisterChecker добавляет или заменяет проверку с именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	if checker == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// SetTimeout ограничивает время всех проверок одного запроса.
func (h *Handler) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = timeout
}

// Report выполняет все проверки параллельно и сводит общий статус по худшей.
func (h *Handler) Report(ctx context.Context) Response {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for name, c := range h.checkers {
		checkers[name] = c
	}
	timeout := h.timeout
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		checks = make(map[string]Check, len(checkers))
		g      errgroup.Group
	)
	for name, c := range checkers {
		g.Go(func() error {
			res := c.Check(ctx)
			mu.Lock()
			checks[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, c := range checks {
		if c.Status.severity() > overall.severity() {
			overall = c.Status
		}
	}

	now := h.now()
	return Response{
		Status:        overall,
		Timestamp:     now.UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
	}
}

// ServeHTTP отдаёт полный отчёт; 503, если сервис unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Report(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler отвечает 503, пока недоступна хотя бы одна обязательная зависимость.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	report := h.Report(r.Context())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %s", strings.Join(report.Failing(StatusUnhealthy), ","))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler отвечает 200, пока процесс способен обслуживать HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// FuncChecker оборачивает функцию проверки; onError: статус при ошибке.
type FuncChecker struct {
	name    string
	fn      func(ctx context.Context) error
	onError Status
}

// NewSimpleChecker создаёт проверку обязательной зависимости.
func NewSimpleChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn, onError: StatusUnhealthy}
}

// NewOptionalChecker создаёт проверку зависимости, без которой сервис работает в degraded.
func NewOptionalChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn, onError: StatusDegraded}
}

// Check вызывает функцию; panic считается ошибкой проверки.
func (c *FuncChecker) Check(ctx context.Context) (res Check) {
	start := time.Now()
	res = Check{Name: c.name, Status: StatusHealthy}

	defer func() {
		if p := recover(); p != nil {
			res.Status = c.onError
			res.Message = fmt.Sprintf("check panicked: %v", p)
		}
		res.Duration = time.Since(start)
		res.DurationMs = res.Duration.Milliseconds()
	}()

	if err := c.fn(ctx); err != nil {
		res.Status = c.onError
		res.Message = err.Error()
	}
	return res
}
