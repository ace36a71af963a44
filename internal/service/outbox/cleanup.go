package outbox

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	defaultRetention        = 24 * time.Hour
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithCleanupLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

func WithCleanupMetrics(m *metrics.OutboxMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

func WithCleanupInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.interval = interval }
}

// WithRetention задаёт, сколько хранить отправленные сообщения.
func WithRetention(retention time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.retention = retention }
}

// WithCleanupBatchSize ограничивает число строк, удаляемых одним запросом.
func WithCleanupBatchSize(n int) CleanupOption {
	return func(w *CleanupWorker) { w.batchSize = n }
}

// CleanupWorker удаляет отправленные сообщения outbox старше retention.
// Pending и failed остаются: первые ещё доставляются, вторые нужны для разбора.
type CleanupWorker struct {
	repo    domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.OutboxMetrics

	interval  time.Duration
	retention time.Duration
	batchSize int
	now       func() time.Time
}

func NewCleanupWorker(repo domain.OutboxRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		interval:  defaultCleanupInterval,
		retention: defaultRetention,
		batchSize: defaultCleanupBatchSize,
		now:       domain.Now,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-cleanup-worker")
	}
	if w.interval <= 0 {
		w.interval = defaultCleanupInterval
	}
	if w.retention <= 0 {
		w.retention = defaultRetention
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultCleanupBatchSize
	}
	return w
}

// Run чистит outbox сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("outbox cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	cutoff := w.now().Add(-w.retention)
	deleted, err := w.PurgeSent(ctx, cutoff)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.RecordCleanup("error", deleted)
		w.logger.WithError(err).WithField("deleted", deleted).Warn("outbox cleanup run failed")
		return
	}

	w.metrics.RecordCleanup("ok", deleted)
	if deleted > 0 {
		w.logger.WithFields(log.Fields{"deleted": deleted, "cutoff": cutoff}).Info("sent outbox messages purged")
	}
}

// PurgeSent удаляет отправленные до before сообщения порциями по batchSize и
// возвращает их число. Нулевой before означает now-retention.
func (w *CleanupWorker) PurgeSent(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().Add(-w.retention)
	}

	total := 0
	for ctx.Err() == nil {
		n, err := w.repo.PurgeSent(ctx, before, w.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.batchSize {
			return total, nil
		}
	}
	return total, ctx.Err()
}
