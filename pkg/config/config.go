// Package config loads the environment shared by every binary.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	BackendScylla = "scylla"
	BackendMongo  = "mongo"
	BackendMemory = "memory"

	NotifyInline = "inline"
	NotifyKafka  = "kafka"

	NodeLease = -1
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogDev   bool   `env:"LOG_DEV,default=false"`

	HTTPAddr     string `env:"HTTP_ADDR,default=:8080"`
	APIAddr      string `env:"API_ADDR,default=:8081"`
	NotifierAddr string `env:"NOTIFIER_ADDR,default=:8082"`
	JWTSecret    string `env:"JWT_SECRET,required=true"`

	// InstanceID names this process across restarts. Empty falls back to the hostname.
	InstanceID string `env:"INSTANCE_ID"`

	// NodeID pins the snowflake node. NodeLease (-1) leases a free node from Redis.
	NodeID       int64         `env:"NODE_ID,default=-1"`
	NodeLeaseTTL time.Duration `env:"NODE_LEASE_TTL,default=30s"`

	StoreBackend   string        `env:"STORE_BACKEND,default=scylla"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT,default=5s"`
	ScyllaHosts    string        `env:"SCYLLA_HOSTS,default=localhost:9042"`
	ScyllaKeyspace string        `env:"SCYLLA_KEYSPACE,default=campus"`
	MongoURI       string        `env:"MONGO_URI,default=mongodb://localhost:27017"`
	MongoDatabase  string        `env:"MONGO_DATABASE,default=campus"`

	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB,default=0"`
	PresenceMirror bool   `env:"PRESENCE_MIRROR,default=true"`

	KafkaBrokers       string `env:"KAFKA_BROKERS,default=localhost:19092"`
	KafkaNotifyTopic   string `env:"KAFKA_NOTIFY_TOPIC,default=notification-events"`
	KafkaDeliveryTopic string `env:"KAFKA_DELIVERY_TOPIC,default=notification-deliveries"`
	KafkaGroupID       string `env:"KAFKA_GROUP_ID,default=notifier-group"`

	NotifyMode      string `env:"NOTIFY_MODE,default=inline"`
	NotifyWorkers   int    `env:"NOTIFY_WORKERS,default=4"`
	NotifyQueueSize int    `env:"NOTIFY_QUEUE_SIZE,default=1024"`

	// NotifyLiveChannel carries records written outside the gateway to its channels in inline mode.
	NotifyLiveChannel string `env:"NOTIFY_LIVE_CHANNEL,default=notifications:live"`

	CallRingTimeout time.Duration `env:"CALL_RING_TIMEOUT,default=0s"`

	WSMaxMessageBytes int64   `env:"WS_MAX_MESSAGE_BYTES,default=65536"`
	WSSendBuffer      int     `env:"WS_SEND_BUFFER,default=256"`
	WSRatePerSecond   float64 `env:"WS_RATE_PER_SECOND,default=20"`
	WSRateBurst       int     `env:"WS_RATE_BURST,default=40"`

	HistoryPageSize int `env:"HISTORY_PAGE_SIZE,default=50"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendScylla, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of scylla, mongo, memory, got %q", c.StoreBackend)
	}
	switch c.NotifyMode {
	case NotifyInline, NotifyKafka:
	default:
		return fmt.Errorf("NOTIFY_MODE must be inline or kafka, got %q", c.NotifyMode)
	}
	if c.NotifyWorkers < 1 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive, got %d", c.NotifyWorkers)
	}
	if c.CallRingTimeout < 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must not be negative, got %s", c.CallRingTimeout)
	}
	if c.NodeID < NodeLease || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be -1 (lease) or between 0 and 1023, got %d", c.NodeID)
	}
	if c.NodeID == NodeLease && c.NodeLeaseTTL < time.Second {
		return fmt.Errorf("NODE_LEASE_TTL must be at least 1s, got %s", c.NodeLeaseTTL)
	}
	if c.HistoryPageSize < 1 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive, got %d", c.HistoryPageSize)
	}
	return nil
}

// Instance returns InstanceID, or the hostname when it is unset.
func (c *Config) Instance() string {
	if c.InstanceID != "" {
		return c.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) Scylla() []string {
	return splitList(c.ScyllaHosts)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
