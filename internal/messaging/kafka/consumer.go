package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/metrics"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
)

// MessageHandler применяет одно сообщение.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// PermanentError помечает ошибку, которую бессмысленно повторять.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent оборачивает err в PermanentError; nil остаётся nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ConsumerDeadLetter: запись DLQ о сообщении, которое консьюмер не смог применить.
// Исходные ключ и значение сохраняются строками, чтобы запись можно было переиграть.
type ConsumerDeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

func WithConsumerMetrics(m *metrics.ConsumerMetrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithDeadLetter задаёт producer, через который необработанные сообщения уходят в TopicDeadLetterQueue.
// Без него такие сообщения не коммитятся и будут перечитаны.
func WithDeadLetter(producer *Producer) ConsumerOption {
	return func(c *Consumer) { c.dlq = producer }
}

// WithMaxRetries ограничивает число попыток с учётом заголовка HeaderRetryCount.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = n }
}

// WithRetryDelay задаёт паузу между попытками; 0 отключает паузу.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = d }
}

// Consumer читает топики через consumer group, повторяет обработку и пишет отказы в DLQ.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	logger  *log.Entry
	metrics *metrics.ConsumerMetrics
	dlq     *Producer

	maxRetries int
	retryDelay time.Duration

	wg sync.WaitGroup
}

// ConsumerConfig: настройки sarama для консьюмеров сервиса.
func ConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "dayx"
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

// NewConsumer подключается к брокерам группой groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, ConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %s: %w", groupID, err)
	}
	return NewConsumerFromGroup(group, topics, handler, options...), nil
}

// NewConsumerFromGroup оборачивает готовую группу.
func NewConsumerFromGroup(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "kafka-consumer")
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 1
	}
	if c.retryDelay < 0 {
		c.retryDelay = 0
	}
	return c
}

// Start запускает чтение в фоне; остановка через отмену ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.group == nil {
		return errors.New("kafka consumer group is not configured")
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance.
		for ctx.Err() == nil {
			err := c.group.Consume(ctx, c.topics, c)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("consumer group session ended with error")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("kafka consumer error")
		}
	}()

	c.logger.WithFields(log.Fields{
		"topics":      c.topics,
		"max_retries": c.maxRetries,
		"dlq":         c.dlq != nil,
	}).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if c.group == nil {
		return nil
	}
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения партиции по порядку. Offset коммитится,
// только если сообщение применено или записано в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			if err := c.process(ctx, msg); err != nil {
				c.logger.WithError(err).WithFields(messageFields(msg)).Error("kafka message left uncommitted")
				continue
			}
			session.MarkMessage(msg, "")
		}
	}
}

// process применяет сообщение с повторами; после последней неудачи или
// permanent-ошибки пишет его в DLQ.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	attempts := retryCount(msg)
	var err error
	for {
		if err = c.handler(ctx, msg); err == nil {
			c.metrics.RecordMessage(msg.Topic, "handled")
			return nil
		}
		attempts++
		if IsPermanent(err) || attempts >= c.maxRetries {
			break
		}

		c.metrics.RecordRetry(msg.Topic)
		c.logger.WithError(err).WithFields(messageFields(msg)).WithField("attempt", attempts).Warn("kafka message failed, retrying")
		if !c.wait(ctx) {
			c.metrics.RecordMessage(msg.Topic, "abandoned")
			return errors.Join(err, ctx.Err())
		}
	}

	if c.dlq == nil {
		c.metrics.RecordMessage(msg.Topic, "abandoned")
		return err
	}
	if dlqErr := c.deadLetter(ctx, msg, err, attempts); dlqErr != nil {
		c.metrics.RecordMessage(msg.Topic, "dlq_failed")
		return fmt.Errorf("dead-letter %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, dlqErr)
	}
	c.metrics.RecordMessage(msg.Topic, "dead_lettered")
	c.logger.WithError(err).WithFields(messageFields(msg)).WithField("attempts", attempts).Warn("kafka message moved to DLQ")
	return nil
}

func (c *Consumer) wait(ctx context.Context) bool {
	if c.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error, attempts int) error {
	record := ConsumerDeadLetter{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		OriginalKey:       string(msg.Key),
		OriginalValue:     string(msg.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          time.Now().UTC(),
		RetryCount:        attempts,
	}
	headers := map[string]string{
		HeaderRetryCount:    strconv.Itoa(attempts),
		HeaderOriginalTopic: msg.Topic,
		HeaderErrorMessage:  record.ErrorMessage,
		HeaderFailedAt:      record.FailedAt.Format(time.RFC3339),
	}
	// Запись в DLQ завершается даже при остановке сессии.
	return c.dlq.PublishEvent(context.WithoutCancel(ctx), TopicDeadLetterQueue, record.OriginalKey, record, headers)
}

// retryCount читает HeaderRetryCount; отсутствующий или битый заголовок даёт 0.
func retryCount(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h == nil || string(h.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func messageFields(msg *sarama.ConsumerMessage) log.Fields {
	return log.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}
}
