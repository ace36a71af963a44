// Package outbox доставляет события из таблицы outbox в брокер и чистит отправленные.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics задаёт метрики публикации.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, не доставленных за все попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

// WithBatchSize задаёт, сколько сообщений забирать за цикл.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) { w.maxAttempts = n }
}

// WithRetryBaseDelay задаёт паузу после первой неудачи; дальше она удваивается
// до maxRetryDelay. 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// Worker публикует pending-сообщения outbox.
// Сообщение, не доставленное за maxAttempts, помечается failed и уходит в DLQ, если он задан.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.OutboxMetrics

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// BatchResult: итог одного цикла ProcessOnce.
type BatchResult struct {
	Pulled int
	Sent   int
	Failed int
}

// NewWorker создаёт outbox worker; некорректные значения опций заменяются значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.retryBaseDelay < 0 {
		w.retryBaseDelay = 0
	}
	return w
}

// Run опрашивает outbox каждые pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	w.logger.WithFields(log.Fields{
		"poll_interval": w.pollInterval,
		"batch_size":    w.batchSize,
		"max_attempts":  w.maxAttempts,
		"dlq":           w.dlq != nil,
	}).Info("outbox worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч и доставляет сообщения по порядку.
// При отмене ctx недоставленные сообщения остаются pending.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var res BatchResult
	if ctx.Err() != nil {
		return res
	}

	w.refreshBacklog(ctx)
	defer w.refreshBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return res
	}
	res.Pulled = len(batch)

	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		switch w.deliver(ctx, msg) {
		case deliverySent:
			res.Sent++
		case deliveryFailed:
			res.Failed++
		}
	}

	if res.Pulled > 0 {
		w.logger.WithFields(log.Fields{
			"pulled": res.Pulled,
			"sent":   res.Sent,
			"failed": res.Failed,
		}).Debug("outbox batch processed")
	}
	return res
}

type delivery int

const (
	deliveryAborted delivery = iota
	deliverySent
	deliveryFailed
)

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) delivery {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	})

	err := w.publishWithRetry(ctx, msg)
	switch {
	case err == nil:
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox message as sent")
		}
		return deliverySent
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return deliveryAborted
	}

	logger.WithError(err).Error("outbox message not delivered")
	w.metrics.RecordAttempt("failed")

	if w.dlq != nil {
		if dlqErr := w.publishDeadLetter(ctx, msg, err); dlqErr != nil {
			logger.WithError(dlqErr).Warn("failed to publish outbox message to DLQ")
			w.metrics.RecordAttempt("dlq_failed")
		}
	}
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("failed to mark outbox message as failed")
	}
	return deliveryFailed
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err = w.publisher.Publish(ctx, msg); err == nil {
			w.metrics.RecordAttempt("sent")
			return nil
		}
		w.metrics.RecordAttempt("retry_error")

		if attempt == w.maxAttempts {
			break
		}
		if !sleep(ctx, w.retryDelay(attempt)) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, err)
}

// retryDelay это пауза после attempt-й неудачи: base, 2*base, 4*base... не больше maxRetryDelay.
func (w *Worker) retryDelay(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	w.metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt)
}

// DeadLetter: payload записи DLQ для недоставленного outbox-сообщения.
// Исходный payload вложен без изменений, чтобы событие можно было переотправить.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"dlq_published_at"`
}

func (w *Worker) publishDeadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	record := DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		PublishError:  cause.Error(),
		FailedAt:      time.Now().UTC(),
	}
	if len(msg.Payload) > 0 {
		record.Payload = json.RawMessage(msg.Payload)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	dead := msg
	dead.Payload = payload
	if err := w.dlq.Publish(ctx, dead); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
