package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
	"github.com/somenicecode/dayx/internal/storage/memory"
)

func orderEvent(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-" + id,
		EventType:     domain.EventOrderStatusChanged,
		Payload:       []byte(`{"status":"paid"}`),
	}
}

func TestWorker_ProcessOnce(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker unavailable")
	tests := []struct {
		name      string
		errs      []error
		attempts  int
		want      BatchResult
		wantCalls int
		wantSent  int
		wantFail  int
	}{
		{name: "first try", attempts: 3, want: BatchResult{Pulled: 1, Sent: 1}, wantCalls: 1, wantSent: 1},
		{name: "after retries", errs: []error{boom, boom, nil}, attempts: 3, want: BatchResult{Pulled: 1, Sent: 1}, wantCalls: 3, wantSent: 1},
		{name: "exhausted", errs: []error{boom, boom, boom}, attempts: 3, want: BatchResult{Pulled: 1, Failed: 1}, wantCalls: 3, wantFail: 1},
		{name: "single attempt", errs: []error{boom}, attempts: 1, want: BatchResult{Pulled: 1, Failed: 1}, wantCalls: 1, wantFail: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := &fakeOutbox{pending: []domain.OutboxMessage{orderEvent("1")}}
			pub := &fakePublisher{errs: tc.errs}
			w := NewWorker(repo, pub, WithRetryBaseDelay(0), WithMaxAttempts(tc.attempts))

			got := w.ProcessOnce(context.Background())
			if got != tc.want {
				t.Fatalf("unexpected result: got=%+v want=%+v", got, tc.want)
			}
			if pub.calls() != tc.wantCalls {
				t.Fatalf("unexpected publish calls: got=%d want=%d", pub.calls(), tc.wantCalls)
			}
			if len(repo.sent) != tc.wantSent || len(repo.failed) != tc.wantFail {
				t.Fatalf("unexpected marks: sent=%v failed=%v", repo.sent, repo.failed)
			}
		})
	}
}

func TestWorker_DeadLetterCarriesOriginalEvent(t *testing.T) {
	t.Parallel()

	repo := &fakeOutbox{pending: []domain.OutboxMessage{orderEvent("7")}}
	dlq := &fakePublisher{}
	w := NewWorker(repo, &fakePublisher{fail: errors.New("timeout")},
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
	)

	w.ProcessOnce(context.Background())

	if len(dlq.published) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dlq.published))
	}
	dead := dlq.published[0]
	if dead.ID != "7" || dead.AggregateID != "order-7" || dead.EventType != domain.EventOrderStatusChanged {
		t.Fatalf("dead letter must keep routing fields: %+v", dead)
	}

	var record DeadLetter
	if err := json.Unmarshal(dead.Payload, &record); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if string(record.Payload) != `{"status":"paid"}` {
		t.Fatalf("original payload must be embedded unchanged, got %s", record.Payload)
	}
	if record.OutboxID != "7" || record.PublishError == "" || record.FailedAt.IsZero() {
		t.Fatalf("unexpected dead letter record: %+v", record)
	}
	if len(repo.failed) != 1 {
		t.Fatalf("message must be marked failed even with DLQ, got %v", repo.failed)
	}
}

func TestWorker_DeadLetterFailureStillMarksFailed(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	repo := &fakeOutbox{pending: []domain.OutboxMessage{orderEvent("8")}}
	w := NewWorker(repo, &fakePublisher{fail: errors.New("down")},
		WithDLQPublisher(&fakePublisher{fail: errors.New("dlq down")}),
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(reg)),
		WithRetryBaseDelay(0),
		WithMaxAttempts(1),
	)

	if got := w.ProcessOnce(context.Background()); got.Failed != 1 {
		t.Fatalf("expected one failed message, got %+v", got)
	}
	if len(repo.failed) != 1 {
		t.Fatalf("expected failed mark, got %v", repo.failed)
	}
	if got := counterValue(t, reg, "dayx_outbox_publish_attempts_total", "dlq_failed"); got != 1 {
		t.Fatalf("expected dlq_failed attempt, got %v", got)
	}
}

func TestWorker_CancelDuringBackoffKeepsMessagePending(t *testing.T) {
	t.Parallel()

	repo := &fakeOutbox{pending: []domain.OutboxMessage{orderEvent("9"), orderEvent("10")}}
	dlq := &fakePublisher{}
	pub := &fakePublisher{fail: errors.New("down")}
	w := NewWorker(repo, pub,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(time.Second),
		WithMaxAttempts(5),
	)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	got := w.ProcessOnce(ctx)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("backoff must be interrupted by cancellation")
	}
	if got.Sent != 0 || got.Failed != 0 {
		t.Fatalf("aborted delivery must not count, got %+v", got)
	}
	if len(repo.sent)+len(repo.failed) != 0 || len(dlq.published) != 0 {
		t.Fatalf("aborted message must stay pending: sent=%v failed=%v dlq=%d", repo.sent, repo.failed, len(dlq.published))
	}
	if pub.calls() != 1 {
		t.Fatalf("second message must not be attempted after cancel, calls=%d", pub.calls())
	}
}

func TestWorker_PullErrorAndCancelledContext(t *testing.T) {
	t.Parallel()

	repo := &fakeOutbox{pullErr: errors.New("db down")}
	pub := &fakePublisher{}
	w := NewWorker(repo, pub)

	if got := w.ProcessOnce(context.Background()); got != (BatchResult{}) {
		t.Fatalf("pull error must yield empty result, got %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo.pullErr = nil
	repo.pending = []domain.OutboxMessage{orderEvent("11")}
	if got := w.ProcessOnce(ctx); got != (BatchResult{}) {
		t.Fatalf("cancelled context must skip the batch, got %+v", got)
	}
	if pub.calls() != 0 {
		t.Fatalf("nothing must be published, got %d calls", pub.calls())
	}
}

func TestWorker_RetryDelay(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil, nil, WithRetryBaseDelay(100*time.Millisecond))
	cases := map[int]time.Duration{
		0:  0,
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		3:  400 * time.Millisecond,
		7:  maxRetryDelay,
		64: maxRetryDelay,
	}
	for attempt, want := range cases {
		if got := w.retryDelay(attempt); got != want {
			t.Fatalf("retryDelay(%d) = %s, want %s", attempt, got, want)
		}
	}

	if got := NewWorker(nil, nil, WithRetryBaseDelay(-time.Second)).retryDelay(3); got != 0 {
		t.Fatalf("negative base must disable backoff, got %s", got)
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil, nil, WithPollInterval(0), WithBatchSize(-1), WithMaxAttempts(0))
	if w.pollInterval != defaultPollInterval || w.batchSize != defaultBatchSize || w.maxAttempts != defaultMaxAttempts {
		t.Fatalf("invalid options must fall back to defaults: %+v", w)
	}
	if w.logger == nil {
		t.Fatal("logger must be set")
	}
}

func TestWorker_Run(t *testing.T) {
	t.Parallel()

	repo := &fakeOutbox{pending: []domain.OutboxMessage{orderEvent("12")}}
	pub := &fakePublisher{}
	w := NewWorker(repo, pub, WithPollInterval(5*time.Millisecond), WithRetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for pub.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
	if pub.calls() == 0 {
		t.Fatal("first poll must run immediately")
	}

	disabled := make(chan struct{})
	go func() {
		defer close(disabled)
		NewWorker(nil, pub).Run(context.Background())
	}()
	select {
	case <-disabled:
	case <-time.After(time.Second):
		t.Fatal("worker without repo must return immediately")
	}
}

func TestWorker_DrainsMemoryOutbox(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	for i := 0; i < 3; i++ {
		_, err := store.Outbox().Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateVariant,
			AggregateID:   "variant-1",
			EventType:     domain.EventStockAdjusted,
			Payload:       []byte(`{"delta":-1}`),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	pub := &fakePublisher{}
	w := NewWorker(store.Outbox(), pub,
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(reg)),
		WithBatchSize(2),
		WithRetryBaseDelay(0),
	)

	first := w.ProcessOnce(ctx)
	second := w.ProcessOnce(ctx)
	if first.Sent != 2 || second.Sent != 1 {
		t.Fatalf("batch size must bound each cycle: first=%+v second=%+v", first, second)
	}
	for i, msg := range pub.published {
		if msg.AggregateID != "variant-1" {
			t.Fatalf("message %d published with wrong aggregate: %+v", i, msg)
		}
	}

	stats, err := store.Outbox().Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected empty backlog, got %d", stats.PendingCount)
	}
	if got := gaugeValue(t, reg, "dayx_outbox_pending_records"); got != 0 {
		t.Fatalf("expected pending gauge 0, got %v", got)
	}
	if got := counterValue(t, reg, "dayx_outbox_publish_attempts_total", "sent"); got != 3 {
		t.Fatalf("expected 3 sent attempts, got %v", got)
	}
}

type fakeOutbox struct {
	domain.OutboxRepository

	mu      sync.Mutex
	pending []domain.OutboxMessage
	pullErr error
	sent    []string
	failed  []string
}

func (f *fakeOutbox) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	n := len(f.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]domain.OutboxMessage(nil), f.pending[:n]...), nil
}

func (f *fakeOutbox) Stats(context.Context) (domain.OutboxStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.OutboxStats{PendingCount: len(f.pending)}, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	f.drop(id)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	f.drop(id)
	return nil
}

func (f *fakeOutbox) drop(id string) {
	for i, msg := range f.pending {
		if msg.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

// fakePublisher возвращает ошибки из errs по очереди, затем fail.
type fakePublisher struct {
	mu        sync.Mutex
	errs      []error
	fail      error
	n         int
	published []domain.OutboxMessage
}

func (f *fakePublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.n++
	err := f.fail
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err == nil {
		f.published = append(f.published, msg)
	}
	return err
}

func (f *fakePublisher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if result == "" {
				return m.GetCounter().GetValue()
			}
			for _, label := range m.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
