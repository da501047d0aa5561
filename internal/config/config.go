package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Log        LogConfig                  `yaml:"log"`
	Storage    StorageConfig              `yaml:"storage"`
	Postgres   PostgresConfig             `yaml:"postgres"`
	Mongo      MongoConfig                `yaml:"mongo"`
	Redis      RedisConfig                `yaml:"redis"`
	Reconciler ReconcilerConfig           `yaml:"reconciler"`
	Pipelines  map[string]*PipelineConfig `yaml:"pipelines"`
	RateLimit  RateLimitConfig            `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig selects the outbox backend: "postgres" or "mongo".
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// RedisConfig is only used for the change feed of the postgres backend.
// An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type ReconcilerConfig struct {
	Pipeline         string        `yaml:"pipeline"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	LeaseTimeout     time.Duration `yaml:"lease_timeout"`
	BatchSize        int           `yaml:"batch_size"` // <= 0 takes every pending entry
	ResubscribeDelay time.Duration `yaml:"resubscribe_delay"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// CommitMode controls how the consumer acknowledges offsets.
type CommitMode string

const (
	CommitAsync CommitMode = "async"
	CommitSync  CommitMode = "sync"
)

// PipelineConfig describes one broker pipeline (topic + consumer group).
// Every pipeline has the same shape; InboundPipeline and FulfillmentPipeline
// are the named presets.
type PipelineConfig struct {
	Name         string     `yaml:"-"`
	Brokers      []string   `yaml:"brokers"`
	Topic        string     `yaml:"topic"`
	GroupID      string     `yaml:"group_id"`
	TimeoutMS    int        `yaml:"timeout_ms"`
	MaxRetries   int        `yaml:"max_retries"`
	SendAttempts int        `yaml:"send_attempts"`
	CommitMode   CommitMode `yaml:"commit_mode"`
}

// Timeout returns TimeoutMS as a duration.
func (p PipelineConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

const (
	PipelineInbound     = "inbound"
	PipelineFulfillment = "fulfillment"
)

func newPipeline(name, topic string) PipelineConfig {
	return PipelineConfig{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		Topic:        topic,
		GroupID:      topic + "_GROUP",
		TimeoutMS:    5000,
		MaxRetries:   5,
		SendAttempts: 3,
		CommitMode:   CommitAsync,
	}
}

// InboundPipeline is the preset for inbound stock events.
func InboundPipeline() PipelineConfig { return newPipeline(PipelineInbound, "INBOUND") }

// FulfillmentPipeline is the preset for fulfillment events.
func FulfillmentPipeline() PipelineConfig {
	return newPipeline(PipelineFulfillment, "FULFILLMENT")
}

// Default returns a config populated with local development values.
func Default() *Config {
	inbound, fulfillment := InboundPipeline(), FulfillmentPipeline()
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Driver: "postgres"},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "warehouse",
			Collection: "inbound_outbox",
		},
		Redis: RedisConfig{Channel: "outbox:changes"},
		Reconciler: ReconcilerConfig{
			Pipeline:         PipelineInbound,
			PollInterval:     10 * time.Second,
			LeaseTimeout:     5 * time.Minute,
			ResubscribeDelay: 5 * time.Second,
		},
		Pipelines: map[string]*PipelineConfig{
			PipelineInbound:     &inbound,
			PipelineFulfillment: &fulfillment,
		},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
	}
}

// Pipeline returns the named pipeline config.
func (c *Config) Pipeline(name string) (PipelineConfig, error) {
	p, ok := c.Pipelines[name]
	if !ok || p == nil {
		return PipelineConfig{}, fmt.Errorf("unknown pipeline %q", name)
	}
	return *p, nil
}

// Load reads yaml file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.fillPipelines()
	cfg.applyEnv()
	return cfg, nil
}

// fillPipelines merges each yaml pipeline onto its preset so partial entries
// keep sensible defaults.
func (c *Config) fillPipelines() {
	for name, p := range c.Pipelines {
		if p == nil {
			continue
		}
		var base PipelineConfig
		switch name {
		case PipelineInbound:
			base = InboundPipeline()
		case PipelineFulfillment:
			base = FulfillmentPipeline()
		default:
			base = newPipeline(name, strings.ToUpper(name))
		}
		p.Name = name
		if len(p.Brokers) == 0 {
			p.Brokers = base.Brokers
		}
		if p.Topic == "" {
			p.Topic = base.Topic
		}
		if p.GroupID == "" {
			p.GroupID = base.GroupID
		}
		if p.TimeoutMS <= 0 {
			p.TimeoutMS = base.TimeoutMS
		}
		if p.MaxRetries <= 0 {
			p.MaxRetries = base.MaxRetries
		}
		if p.SendAttempts <= 0 {
			p.SendAttempts = base.SendAttempts
		}
		if p.CommitMode == "" {
			p.CommitMode = base.CommitMode
		}
	}
}

func (c *Config) applyEnv() {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		c.Mongo.URI = uri
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		list := splitList(brokers)
		for _, p := range c.Pipelines {
			if p != nil {
				p.Brokers = list
			}
		}
	}
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
