// Command dlq-reprocess возвращает записи из DLQ в рабочие топики.
//
// Без -execute утилита только показывает, что и куда будет отправлено.
// Складские команды перед повтором проверяются заново: команда, которую
// консьюмер всё равно отвергнет, не переотправляется.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/messaging/kafka"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
)

type options struct {
	brokers      []string
	dlqTopic     string
	orderTopic   string
	stockTopic   string
	commandTopic string
	limit        int
	execute      bool
	tail         bool
	idleTimeout  time.Duration
	filter       replayFilter
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseArgs(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.WithError(err).Fatal("некорректные аргументы")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.WithError(err).Fatal("повтор DLQ прерван")
	}
}

// parseArgs разбирает флаги; брокеры берутся из DAYX_KAFKA_BROKERS, если -brokers пуст.
func parseArgs(args []string, getenv func(string) string) (options, error) {
	var (
		opts    options
		brokers string
		only    string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: DAYX_KAFKA_BROKERS)")
	fs.StringVar(&opts.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.orderTopic, "order-topic", kafka.TopicOrderEvents, "destination for order events")
	fs.StringVar(&opts.stockTopic, "stock-topic", kafka.TopicStockEvents, "destination for variant stock events")
	fs.StringVar(&opts.commandTopic, "command-topic", kafka.TopicStockCommands, "stock command topic; its records are revalidated")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max records to scan across partitions")
	fs.BoolVar(&opts.execute, "execute", false, "publish records; without it only the plan is printed")
	fs.BoolVar(&opts.tail, "tail", false, "scan the newest records of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this much silence")
	fs.StringVar(&only, "only", "all", "record kind to replay: all|commands|events")
	fs.StringVar(&opts.filter.eventType, "event-type", "", "replay only outbox events of this type")
	fs.StringVar(&opts.filter.variantID, "variant", "", "replay only records about this variant")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv("DAYX_KAFKA_BROKERS")
	}
	opts.brokers = splitList(brokers)
	if len(opts.brokers) == 0 {
		return options{}, errors.New("DAYX_KAFKA_BROKERS (or -brokers) is required")
	}

	for flagName, topic := range map[string]*string{
		"dlq-topic":     &opts.dlqTopic,
		"order-topic":   &opts.orderTopic,
		"stock-topic":   &opts.stockTopic,
		"command-topic": &opts.commandTopic,
	} {
		*topic = strings.TrimSpace(*topic)
		if *topic == "" {
			return options{}, fmt.Errorf("-%s must not be empty", flagName)
		}
	}
	if opts.limit <= 0 {
		return options{}, fmt.Errorf("limit must be > 0, got %d", opts.limit)
	}
	if opts.idleTimeout <= 0 {
		return options{}, fmt.Errorf("idle-timeout must be > 0, got %s", opts.idleTimeout)
	}

	kind, err := parseKind(only)
	if err != nil {
		return options{}, err
	}
	opts.filter.kind = kind
	opts.filter.eventType = strings.TrimSpace(opts.filter.eventType)
	opts.filter.variantID = strings.TrimSpace(opts.filter.variantID)
	return opts, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// run подключается к Kafka, просматривает DLQ и печатает итог в out.
// Итог печатается и тогда, когда просмотр прерван ошибкой.
func run(ctx context.Context, opts options, out io.Writer) error {
	logger := log.WithField("component", "dlq-reprocess")
	logger.WithFields(log.Fields{
		"dlq_topic": opts.dlqTopic,
		"limit":     opts.limit,
		"execute":   opts.execute,
		"tail":      opts.tail,
	}).Info("dlq replay started")

	conn, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.close(logger)

	r := newReplayer(opts, conn, logger)
	summary, err := r.Run(ctx)
	if werr := summary.write(out, opts.execute); werr != nil && err == nil {
		err = werr
	}
	return err
}
