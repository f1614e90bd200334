// Package config provides configuration loading and management for zkqueue.
// It supports loading configuration from YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names the coordination service implementation.
type Backend string

const (
	// BackendMemory runs an in-process coordination service.
	BackendMemory Backend = "memory"
	// BackendZookeeper connects to a ZooKeeper ensemble.
	BackendZookeeper Backend = "zookeeper"
	// BackendEtcd connects to an etcd cluster.
	BackendEtcd Backend = "etcd"
	// BackendRedis stores the tree in Redis.
	BackendRedis Backend = "redis"
	// BackendPostgres stores the tree in PostgreSQL.
	BackendPostgres Backend = "postgres"
)

// IsValid returns true if the backend is known.
func (b Backend) IsValid() bool {
	switch b {
	case BackendMemory, BackendZookeeper, BackendEtcd, BackendRedis, BackendPostgres:
		return true
	}
	return false
}

// Relay sinks and sources.
const (
	SinkNone    = "none"
	SinkLog     = "log"
	SinkKafka   = "kafka"
	SourceNone  = "none"
	SourceKafka = "kafka"
)

// Environment variables that override the file.
const (
	EnvBackend = "ZKQUEUE_BACKEND"
	EnvPath    = "ZKQUEUE_PATH"
	EnvServers = "ZKQUEUE_SERVERS"
)

// Config represents the complete application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Queue        QueueConfig        `yaml:"queue"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Relay        RelayConfig        `yaml:"relay"`
	Logger       LoggerConfig       `yaml:"logger"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// QueueConfig holds the queue recipe settings shared by the service's
// producer and consumer.
type QueueConfig struct {
	Path             string        `yaml:"path"`
	Prefix           string        `yaml:"prefix"`
	Width            int           `yaml:"width"`
	HighWaterMark    int           `yaml:"high_water_mark"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// CoordinationConfig selects and configures the coordination backend.
type CoordinationConfig struct {
	Backend   Backend         `yaml:"backend"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

// ZookeeperConfig holds ZooKeeper ensemble settings.
type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	SpinDelay      time.Duration `yaml:"spin_delay"`
	Retries        int           `yaml:"retries"`
}

// EtcdConfig holds etcd cluster settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Namespace   string        `yaml:"namespace"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int32         `yaml:"max_open_conns"`
	MaxIdleConns int32         `yaml:"max_idle_conns"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// RelayConfig selects where consumed items go and where produced items
// come from besides HTTP.
type RelayConfig struct {
	Sink   string      `yaml:"sink"`
	Source string      `yaml:"source"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds Kafka connection and topic settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	SinkTopic     string   `yaml:"sink_topic"`
	SourceTopic   string   `yaml:"source_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads configuration from the specified YAML file path, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with ZKQUEUE_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBackend); v != "" {
		cfg.Coordination.Backend = Backend(v)
	}
	if v := os.Getenv(EnvPath); v != "" {
		cfg.Queue.Path = v
	}
	if v := os.Getenv(EnvServers); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		cfg.Coordination.Zookeeper.Servers = servers
		cfg.Coordination.Etcd.Endpoints = servers
	}
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Queue defaults
	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = "queue-"
	}
	if cfg.Queue.Width == 0 {
		cfg.Queue.Width = 10
	}
	if cfg.Queue.HighWaterMark == 0 {
		cfg.Queue.HighWaterMark = 16
	}
	if cfg.Queue.ConnectTimeout == 0 {
		cfg.Queue.ConnectTimeout = 30 * time.Second
	}

	// Coordination defaults
	if cfg.Coordination.Backend == "" {
		cfg.Coordination.Backend = BackendMemory
	}

	zk := &cfg.Coordination.Zookeeper
	if len(zk.Servers) == 0 {
		zk.Servers = []string{"127.0.0.1:2181"}
	}
	if zk.SessionTimeout == 0 {
		zk.SessionTimeout = 30 * time.Second
	}
	if zk.SpinDelay == 0 {
		zk.SpinDelay = 5 * time.Second
	}
	if zk.Retries == 0 {
		zk.Retries = 12
	}

	etcd := &cfg.Coordination.Etcd
	if len(etcd.Endpoints) == 0 {
		etcd.Endpoints = []string{"127.0.0.1:2379"}
	}
	if etcd.Namespace == "" {
		etcd.Namespace = "/zkqueue"
	}
	if etcd.DialTimeout == 0 {
		etcd.DialTimeout = 5 * time.Second
	}

	rd := &cfg.Coordination.Redis
	if rd.Host == "" {
		rd.Host = "localhost"
	}
	if rd.Port == 0 {
		rd.Port = 6379
	}
	if rd.KeyPrefix == "" {
		rd.KeyPrefix = "zkq"
	}
	if rd.PingInterval == 0 {
		rd.PingInterval = time.Second
	}

	pg := &cfg.Coordination.Postgres
	if pg.Host == "" {
		pg.Host = "localhost"
	}
	if pg.Port == 0 {
		pg.Port = 5432
	}
	if pg.Database == "" {
		pg.Database = "zkqueue"
	}
	if pg.SSLMode == "" {
		pg.SSLMode = "disable"
	}
	if pg.MaxOpenConns == 0 {
		pg.MaxOpenConns = 25
	}
	if pg.MaxIdleConns == 0 {
		pg.MaxIdleConns = 5
	}
	if pg.PingInterval == 0 {
		pg.PingInterval = time.Second
	}

	// Relay defaults
	if cfg.Relay.Sink == "" {
		cfg.Relay.Sink = SinkNone
	}
	if cfg.Relay.Source == "" {
		cfg.Relay.Source = SourceNone
	}
	if len(cfg.Relay.Kafka.Brokers) == 0 {
		cfg.Relay.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Relay.Kafka.SinkTopic == "" {
		cfg.Relay.Kafka.SinkTopic = "zkqueue-items"
	}
	if cfg.Relay.Kafka.SourceTopic == "" {
		cfg.Relay.Kafka.SourceTopic = "zkqueue-ingest"
	}
	if cfg.Relay.Kafka.ConsumerGroup == "" {
		cfg.Relay.Kafka.ConsumerGroup = "zkqueue-source"
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Validate checks the values that have no usable default.
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.Path == "" {
		errs = append(errs, errors.New("queue.path is required"))
	} else if !strings.HasPrefix(c.Queue.Path, "/") {
		errs = append(errs, fmt.Errorf("queue.path %q must start with /", c.Queue.Path))
	}
	if !c.Coordination.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("unknown coordination.backend %q", c.Coordination.Backend))
	}
	switch c.Relay.Sink {
	case SinkNone, SinkLog, SinkKafka:
	default:
		errs = append(errs, fmt.Errorf("unknown relay.sink %q", c.Relay.Sink))
	}
	switch c.Relay.Source {
	case SourceNone, SourceKafka:
	default:
		errs = append(errs, fmt.Errorf("unknown relay.source %q", c.Relay.Source))
	}
	switch c.Logger.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logger.format %q", c.Logger.Format))
	}

	return errors.Join(errs...)
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
