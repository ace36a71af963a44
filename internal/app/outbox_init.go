package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/messaging/kafka"
	"github.com/somenicecode/dayx/internal/messaging/rabbitmq"
	"github.com/somenicecode/dayx/internal/service/outbox"
)

const outboxShutdownTimeout = 5 * time.Second

// brokers: подключения к брокерам сообщений, открытые при старте.
type brokers struct {
	publisher     domain.OutboxPublisher
	dlqPublisher  domain.OutboxPublisher
	kafkaProducer *kafka.Producer
	closeFn       func()
}

// initBrokers выбирает транспорт outbox. Kafka producer создаётся и тогда, когда
// он нужен только консьюмеру складских команд для DLQ.
func initBrokers(ctx context.Context, cfg Config, logger *log.Entry) (*brokers, error) {
	b := &brokers{closeFn: func() {}}

	if cfg.OutboxBroker == OutboxBrokerKafka || cfg.KafkaGroup != "" {
		producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return nil, fmt.Errorf("init kafka producer: %w", err)
		}
		b.kafkaProducer = producer
		b.closeFn = func() { closeKafkaProducer(producer, logger) }
	}

	switch cfg.OutboxBroker {
	case OutboxBrokerKafka:
		b.publisher = kafka.NewOutboxPublisher(b.kafkaProducer, cfg.KafkaTopic, cfg.KafkaStockTopic)
		b.dlqPublisher = kafka.NewOutboxPublisher(b.kafkaProducer, kafka.TopicDeadLetterQueue, kafka.TopicDeadLetterQueue)
		logger.WithFields(log.Fields{
			"topic":       cfg.KafkaTopic,
			"stock_topic": cfg.KafkaStockTopic,
		}).Info("outbox publishes to kafka")

	case OutboxBrokerRabbitMQ:
		conn, ch, err := rabbitmq.SetupConn(ctx, cfg.RabbitMQURL)
		if err != nil {
			b.closeFn()
			return nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		b.publisher = rabbitmq.NewOutboxPublisher(ch, rabbitmq.ExchangeName)
		closeKafka := b.closeFn
		b.closeFn = func() {
			if err := ch.Close(); err != nil {
				logger.WithError(err).Warn("failed to close rabbitmq channel")
			}
			if err := conn.Close(); err != nil {
				logger.WithError(err).Warn("failed to close rabbitmq connection")
			}
			closeKafka()
		}
		logger.WithField("exchange", rabbitmq.ExchangeName).Info("outbox publishes to rabbitmq")

	default:
		logger.Info("outbox broker is not configured, events stay in outbox")
	}

	return b, nil
}

// startOutboxWorker запускает worker и, если задан retention, очистку отправленных сообщений.
// Возвращает cancel и канал, закрывающийся после остановки обоих; при отсутствии publisher: nil, nil.
func startOutboxWorker(ctx context.Context, cfg Config, deps *runtimeDependencies, b *brokers, logger *log.Entry) (context.CancelFunc, <-chan struct{}) {
	if b == nil || b.publisher == nil {
		return nil, nil
	}

	options := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(deps.outboxMetrics),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if b.dlqPublisher != nil {
		options = append(options, outbox.WithDLQPublisher(b.dlqPublisher))
	}
	worker := outbox.NewWorker(deps.outboxRepo, b.publisher, options...)

	workerCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workerCtx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	if cfg.OutboxRetention > 0 {
		cleanup := outbox.NewCleanupWorker(deps.outboxRepo,
			outbox.WithCleanupLogger(logger.WithField("component", "outbox-cleanup-worker")),
			outbox.WithCleanupMetrics(deps.outboxMetrics),
			outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
			outbox.WithRetention(cfg.OutboxRetention),
		)
		g.Go(func() error {
			cleanup.Run(gctx)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Wait()
	}()
	return cancel, done
}

// shutdownOutboxWorker останавливает worker и ждёт завершения текущего цикла.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info("outbox worker stopped")
	case <-time.After(outboxShutdownTimeout):
		logger.Warn("outbox worker did not stop in time")
	}
}
