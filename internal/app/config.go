package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

const (
	OutboxBrokerNone     = "none"
	OutboxBrokerKafka    = "kafka"
	OutboxBrokerRabbitMQ = "rabbitmq"
)

const envPrefix = "DAYX_"

// Config описывает настройки запуска приложения.
// Все поля сравнимы, чтобы конфигурации можно было сравнивать через ==.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	// PostgresMaxConns и PostgresConnMaxLifetime: 0 оставляет значения пула по умолчанию.
	PostgresMaxConns        int
	PostgresConnMaxLifetime time.Duration

	// RedisAddr включает кэш остатков; пусто: без кэша.
	RedisAddr string

	OutboxBroker    string
	KafkaBrokers    string // список через запятую
	KafkaTopic      string
	KafkaStockTopic string
	// KafkaGroup включает консьюмер складских команд; пусто: консьюмер не стартует.
	KafkaGroup  string
	RabbitMQURL string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxRetention: сколько хранить отправленные сообщения; 0 отключает очистку.
	OutboxRetention       time.Duration
	OutboxCleanupInterval time.Duration

	StockCommandMaxRetries int

	OTelEndpoint string
	LogLevel     string
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:               ":8080",
		GRPCAddr:               ":50051",
		MetricsAddr:            ":9090",
		StorageDriver:          StorageDriverMemory,
		PostgresAutoMigrate:    true,
		OutboxBroker:           OutboxBrokerNone,
		KafkaTopic:             "dayx.order.events",
		KafkaStockTopic:        "dayx.stock.events",
		OutboxPollInterval:     time.Second,
		OutboxBatchSize:        100,
		OutboxMaxAttempts:      3,
		OutboxRetryDelay:       50 * time.Millisecond,
		OutboxRetention:        24 * time.Hour,
		OutboxCleanupInterval:  10 * time.Minute,
		StockCommandMaxRetries: 3,
		LogLevel:               "info",
	}
}

// LoadConfigFromEnv накладывает переменные DAYX_* на DefaultConfig и проверяет результат.
func LoadConfigFromEnv() (Config, error) {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	env := func(name string) string { return strings.TrimSpace(getenv(envPrefix + name)) }

	setString := func(dst *string, name string) {
		if v := env(name); v != "" {
			*dst = v
		}
	}
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.GRPCAddr, "GRPC_ADDR")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")
	setString(&cfg.StorageDriver, "STORAGE_DRIVER")
	setString(&cfg.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.OutboxBroker, "OUTBOX_BROKER")
	setString(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	setString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setString(&cfg.KafkaStockTopic, "KAFKA_STOCK_TOPIC")
	setString(&cfg.KafkaGroup, "KAFKA_GROUP")
	setString(&cfg.RabbitMQURL, "RABBITMQ_URL")
	setString(&cfg.OTelEndpoint, "OTEL_ENDPOINT")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	var errs []string
	if v := env("POSTGRES_AUTO_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sPOSTGRES_AUTO_MIGRATE: %v", envPrefix, err))
		}
		cfg.PostgresAutoMigrate = b
	}
	for name, dst := range map[string]*time.Duration{
		"POSTGRES_CONN_MAX_LIFETIME": &cfg.PostgresConnMaxLifetime,
		"OUTBOX_POLL_INTERVAL":       &cfg.OutboxPollInterval,
		"OUTBOX_RETRY_DELAY":         &cfg.OutboxRetryDelay,
		"OUTBOX_RETENTION":           &cfg.OutboxRetention,
		"OUTBOX_CLEANUP_INTERVAL":    &cfg.OutboxCleanupInterval,
	} {
		v := env(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
			continue
		}
		*dst = d
	}
	for name, dst := range map[string]*int{
		"POSTGRES_MAX_CONNS":        &cfg.PostgresMaxConns,
		"OUTBOX_BATCH_SIZE":         &cfg.OutboxBatchSize,
		"OUTBOX_MAX_ATTEMPTS":       &cfg.OutboxMaxAttempts,
		"STOCK_COMMAND_MAX_RETRIES": &cfg.StockCommandMaxRetries,
	} {
		v := env(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
			continue
		}
		*dst = n
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	// Брокер выводится из KAFKA_BROKERS, если явно не задан.
	if env("OUTBOX_BROKER") == "" && cfg.KafkaBrokers != "" {
		cfg.OutboxBroker = OutboxBrokerKafka
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage requires %sPOSTGRES_DSN", envPrefix)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.StorageDriver)
	}
	if c.PostgresMaxConns < 0 {
		return fmt.Errorf("postgres max conns must not be negative, got %d", c.PostgresMaxConns)
	}
	if c.PostgresConnMaxLifetime < 0 {
		return fmt.Errorf("postgres conn max lifetime must not be negative, got %s", c.PostgresConnMaxLifetime)
	}

	switch c.OutboxBroker {
	case OutboxBrokerNone, "":
	case OutboxBrokerKafka:
		if len(c.kafkaBrokerList()) == 0 {
			return fmt.Errorf("kafka outbox broker requires %sKAFKA_BROKERS", envPrefix)
		}
	case OutboxBrokerRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("rabbitmq outbox broker requires %sRABBITMQ_URL", envPrefix)
		}
	default:
		return fmt.Errorf("unsupported outbox broker: %q", c.OutboxBroker)
	}

	if c.KafkaGroup != "" && len(c.kafkaBrokerList()) == 0 {
		return fmt.Errorf("stock command consumer requires %sKAFKA_BROKERS", envPrefix)
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("outbox poll interval must be positive, got %s", c.OutboxPollInterval)
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive, got %d", c.OutboxBatchSize)
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("outbox max attempts must be positive, got %d", c.OutboxMaxAttempts)
	}
	if c.OutboxRetryDelay < 0 {
		return fmt.Errorf("outbox retry delay must not be negative, got %s", c.OutboxRetryDelay)
	}
	if c.OutboxRetention < 0 {
		return fmt.Errorf("outbox retention must not be negative, got %s", c.OutboxRetention)
	}
	if c.OutboxRetention > 0 && c.OutboxCleanupInterval <= 0 {
		return fmt.Errorf("outbox cleanup interval must be positive, got %s", c.OutboxCleanupInterval)
	}
	return nil
}

// kafkaBrokerList разбирает KafkaBrokers, отбрасывая пустые элементы и пробелы.
func (c Config) kafkaBrokerList() []string {
	return splitBrokers(c.KafkaBrokers)
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
