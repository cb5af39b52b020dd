package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Log   LogConfig   `yaml:"log"`
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
	Kafka KafkaConfig `yaml:"kafka"`

	Lock        LockConfig        `yaml:"lock"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	OrdersTopic  string   `yaml:"orders_topic"`
	GroupID      string   `yaml:"group_id"`
	StockTopic   string   `yaml:"stock_topic"`
	DisableKafka bool     `yaml:"disabled"`
}

type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type IdempotencyConfig struct {
	OrderTTL   time.Duration `yaml:"order_ttl"`
	WebhookTTL time.Duration `yaml:"webhook_ttl"`
	StockTTL   time.Duration `yaml:"stock_ttl"`
}

type ReconcilerConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Log:      LogConfig{Level: "info"},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/stockledger?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 100},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			OrdersTopic: "marketplace.orders",
			GroupID:     "stock-ledger",
			StockTopic:  "inventory.stock-changed",
		},
		Lock: LockConfig{
			TTL:           30 * time.Second,
			RetryAttempts: 5,
			RetryBackoff:  20 * time.Millisecond,
			SweepInterval: 10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			OrderTTL:   24 * time.Hour,
			WebhookTTL: 24 * time.Hour,
			StockTTL:   24 * time.Hour,
		},
		Reconciler: ReconcilerConfig{Workers: 10, QueueSize: 10000, Timeout: 30 * time.Second},
	}
}

// Load reads the YAML file named by CONFIG_FILE, if any, then applies
// environment overrides on top of the defaults.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := Parse(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Parse decodes YAML over cfg, keeping fields the document does not set.
func Parse(raw []byte, cfg *Config) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errors.Wrap(err, "parse config")
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.MySQL.DSN == "":
		return errors.New("mysql dsn is required")
	case c.Lock.TTL <= 0:
		return errors.New("lock ttl must be positive")
	case c.Lock.RetryAttempts < 1:
		return errors.New("lock retry attempts must be at least 1")
	case c.Reconciler.Workers < 1:
		return errors.New("reconciler needs at least one worker")
	case c.Idempotency.OrderTTL <= 0 || c.Idempotency.WebhookTTL <= 0 || c.Idempotency.StockTTL <= 0:
		return errors.New("idempotency ttls must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getenv("GRPC_ADDR", cfg.GRPCAddr)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
	cfg.MySQL.DSN = getenv("MYSQL_DSN", cfg.MySQL.DSN)
	cfg.Redis.Addr = getenv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("REDIS_PASSWORD", cfg.Redis.Password)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	cfg.Kafka.OrdersTopic = getenv("KAFKA_ORDERS_TOPIC", cfg.Kafka.OrdersTopic)
	cfg.Kafka.StockTopic = getenv("KAFKA_STOCK_TOPIC", cfg.Kafka.StockTopic)
	cfg.Kafka.DisableKafka = boolEnv("KAFKA_DISABLED", cfg.Kafka.DisableKafka)
	cfg.Lock.TTL = durationEnv("LOCK_TTL", cfg.Lock.TTL)
	cfg.Lock.SweepInterval = durationEnv("LOCK_SWEEP_INTERVAL", cfg.Lock.SweepInterval)
	cfg.Reconciler.Workers = atoiEnv("RECONCILER_WORKERS", cfg.Reconciler.Workers)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoiEnv(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func boolEnv(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func durationEnv(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
