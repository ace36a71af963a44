package app

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/messaging/kafka"
	"github.com/somenicecode/dayx/internal/metrics"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafkaProducer закрывает Kafka producer если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// initStockCommandConsumer создаёт консьюмер складских команд, если задана группа.
// Сообщения, которые не удалось применить, уходят в DLQ через dlqProducer.
func initStockCommandConsumer(cfg Config, ledger kafka.StockAdjuster, dlqProducer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	if cfg.KafkaGroup == "" {
		return nil, nil
	}
	brokers := cfg.kafkaBrokerList()
	if len(brokers) == 0 {
		return nil, errors.New("stock command consumer requires kafka brokers")
	}

	handler := kafka.NewStockCommandHandler(ledger, logger.WithField("component", "stock-commands"))
	consumer, err := kafka.NewConsumer(brokers, cfg.KafkaGroup, []string{kafka.TopicStockCommands}, handler,
		kafka.WithConsumerLogger(logger.WithField("component", "stock-command-consumer")),
		kafka.WithConsumerMetrics(metrics.NewConsumerMetrics()),
		kafka.WithDeadLetter(dlqProducer),
		kafka.WithMaxRetries(cfg.StockCommandMaxRetries),
	)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{
		"group": cfg.KafkaGroup,
		"topic": kafka.TopicStockCommands,
	}).Info("stock command consumer initialized")
	return consumer, nil
}

// stopConsumer останавливает консьюмер если он не nil.
func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop stock command consumer")
	}
}
