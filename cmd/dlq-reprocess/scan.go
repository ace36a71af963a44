package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/messaging/kafka"
)

// offsetSource: часть sarama.Client, нужная для границ партиций.
type offsetSource interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
	Close() error
}

// partitionReader: часть sarama.Consumer.
type partitionReader interface {
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
	Close() error
}

// kafkaConn: открытые подключения; producer равен nil в режиме dry-run.
type kafkaConn struct {
	offsets  offsetSource
	reader   partitionReader
	producer *kafka.Producer
}

func (c *kafkaConn) close(logger *log.Entry) {
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close replay producer")
		}
	}
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			logger.WithError(err).Warn("failed to close dlq consumer")
		}
	}
	if c.offsets != nil {
		if err := c.offsets.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka client")
		}
	}
}

// connect открывает клиент, консьюмер и, для -execute, producer.
// Переменная, чтобы тесты подменяли подключение.
var connect = func(opts options) (*kafkaConn, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "dayx-dlq-reprocess"
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	conn := &kafkaConn{offsets: client, reader: consumer}
	if !opts.execute {
		return conn, nil
	}

	producer, err := kafka.NewProducer(opts.brokers)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, err
	}
	conn.producer = producer
	return conn, nil
}

// replayer просматривает партиции DLQ по порядку и переотправляет подходящие записи.
type replayer struct {
	opts   options
	conn   *kafkaConn
	events *kafka.OutboxTopicPublisher
	logger *log.Entry
}

func newReplayer(opts options, conn *kafkaConn, logger *log.Entry) *replayer {
	var producer *kafka.Producer
	if conn != nil {
		producer = conn.producer
	}
	if logger == nil {
		logger = log.WithField("component", "dlq-reprocess")
	}
	return &replayer{
		opts:   opts,
		conn:   conn,
		events: kafka.NewOutboxPublisher(producer, opts.orderTopic, opts.stockTopic),
		logger: logger,
	}
}

// Run просматривает не больше opts.limit записей.
func (r *replayer) Run(ctx context.Context) (replaySummary, error) {
	summary := newSummary()
	if r.conn == nil || r.conn.offsets == nil || r.conn.reader == nil {
		return summary, fmt.Errorf("kafka client and consumer are required")
	}
	if r.opts.execute && r.conn.producer == nil {
		return summary, fmt.Errorf("producer is required with -execute")
	}

	partitions, err := r.conn.offsets.Partitions(r.opts.dlqTopic)
	if err != nil {
		return summary, fmt.Errorf("list partitions of %s: %w", r.opts.dlqTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		budget := r.opts.limit - summary.Scanned
		if budget <= 0 {
			break
		}
		if err := r.scanPartition(ctx, partition, budget, &summary); err != nil {
			return summary, err
		}
	}

	r.logger.WithFields(log.Fields{
		"scanned":  summary.Scanned,
		"replayed": summary.Replayed,
		"filtered": summary.Filtered,
		"invalid":  summary.Invalid,
	}).Info("dlq replay finished")
	return summary, nil
}

// scanPartition читает партицию до сохранённого при старте конца,
// исчерпания budget или паузы дольше idleTimeout.
func (r *replayer) scanPartition(ctx context.Context, partition int32, budget int, summary *replaySummary) error {
	topic := r.opts.dlqTopic
	oldest, err := r.conn.offsets.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err := r.conn.offsets.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if end <= oldest {
		return nil
	}

	start := oldest
	if r.opts.tail && end-int64(budget) > oldest {
		start = end - int64(budget)
	}

	pc, err := r.conn.reader.ConsumePartition(topic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	messages, errs := pc.Messages(), pc.Errors()
	for scanned := 0; scanned < budget; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Debug("partition idle, moving on")
			return nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if cerr != nil {
				return fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-messages:
			if !ok || msg == nil || msg.Offset >= end {
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.idleTimeout)

			scanned++
			if err := r.handle(ctx, msg, summary); err != nil {
				return err
			}
			if msg.Offset+1 >= end {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage, summary *replaySummary) error {
	summary.Scanned++
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	dl, err := decodeDeadLetter(msg, r.opts.commandTopic)
	if err != nil {
		summary.Invalid++
		logger.WithError(err).Warn("dlq record skipped")
		return nil
	}
	if !r.opts.filter.match(dl) {
		summary.Filtered++
		return nil
	}

	target := dl.topic
	if dl.kind == kindEvent {
		target = r.events.TopicFor(dl.event)
	}
	logger = logger.WithFields(log.Fields{"kind": dl.kind, "target_topic": target, "key": dl.key})

	if r.opts.execute {
		if err := r.publish(ctx, dl); err != nil {
			return fmt.Errorf("replay partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}
		logger.Debug("dlq record replayed")
	} else {
		logger.Info("dlq replay candidate")
	}

	summary.Replayed++
	summary.ByTopic[target]++
	return nil
}

// publish отправляет событие через outbox-паблишер, команду без изменений.
func (r *replayer) publish(ctx context.Context, dl deadLetter) error {
	if dl.kind == kindEvent {
		return r.events.Publish(ctx, dl.event)
	}
	return r.conn.producer.PublishRaw(ctx, dl.topic, dl.key, dl.value, nil)
}
