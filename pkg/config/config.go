package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"MarketPipe/pkg/logger"

	"gopkg.in/yaml.v3"
)

// InstrumentConfig is one entry of the instrument registry.
type InstrumentConfig struct {
	ID             string    `yaml:"id"`
	Class          string    `yaml:"class"`
	Precision      int32     `yaml:"precision"`
	ListedAt       time.Time `yaml:"listed_at"`
	Markup         float64   `yaml:"markup"`
	EmbeddedSpread bool      `yaml:"embedded_spread"`
}

// SpreadPolicyConfig overrides the spread policy of one instrument class.
type SpreadPolicyConfig struct {
	BasisPoints float64 `yaml:"basis_points"`
	Markup      float64 `yaml:"markup"`
}

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		SlowThreshold   time.Duration `yaml:"slow_threshold"`
		CORS            bool          `yaml:"cors"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Logging struct {
		logger.Config `yaml:",inline"`
		Digest        struct {
			Enabled  bool          `yaml:"enabled"`
			Interval time.Duration `yaml:"interval"`
			MaxKeys  int           `yaml:"max_keys"`
		} `yaml:"digest"`
	} `yaml:"logging"`
	Profiling struct {
		Enabled       bool   `yaml:"enabled"`
		ServerAddress string `yaml:"server_address"`
		AppName       string `yaml:"app_name"`
	} `yaml:"profiling"`
	Backend struct {
		Type         string        `yaml:"type"`
		BatchSize    int           `yaml:"batch_size"`
		BatchTimeout time.Duration `yaml:"batch_timeout"`
		BufferSize   int           `yaml:"buffer_size"`
		RetryMax     int           `yaml:"retry_max"`
	} `yaml:"backend"`
	Pricing struct {
		StaleAfter    time.Duration                 `yaml:"stale_after"`
		SweepInterval time.Duration                 `yaml:"sweep_interval"`
		Policies      map[string]SpreadPolicyConfig `yaml:"policies"`
	} `yaml:"pricing"`
	Candles struct {
		LatePolicy    string        `yaml:"late_policy"`
		Retention     int           `yaml:"retention"`
		CloseInterval time.Duration `yaml:"close_interval"`
		CacheTTL      time.Duration `yaml:"cache_ttl"`
	} `yaml:"candles"`
	CorporateActions struct {
		AllowCorrections bool `yaml:"allow_corrections"`
	} `yaml:"corporate_actions"`
	Hub struct {
		QueueSize  int    `yaml:"queue_size"`
		MaxDrops   int    `yaml:"max_drops"`
		DropPolicy string `yaml:"drop_policy"`
	} `yaml:"hub"`
	API struct {
		QuoteBurst float64 `yaml:"quote_burst"`
		QuoteRate  float64 `yaml:"quote_rate"`
	} `yaml:"api"`
	WS struct {
		WriteTimeout time.Duration `yaml:"write_timeout"`
		PongWait     time.Duration `yaml:"pong_wait"`
	} `yaml:"ws"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Kafka       struct {
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Topics       struct {
			EngineEvents string `yaml:"engine_events"`
			Candles      string `yaml:"candles"`
			Logs         string `yaml:"logs"`
		} `yaml:"topics"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		MaxConnections   int           `yaml:"max_connections"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
		CandleTable      string        `yaml:"candle_table"`
		ActionTable      string        `yaml:"action_table"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	LPFeed struct {
		Enabled        bool          `yaml:"enabled"`
		URL            string        `yaml:"url"`
		APIKey         string        `yaml:"api_key"`
		ProviderID     string        `yaml:"provider_id"`
		Instruments    []string      `yaml:"instruments"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		PingInterval   time.Duration `yaml:"ping_interval"`
	} `yaml:"lp_feed"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML, applies environment overrides, then validates.
func LoadWithEnv(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Default returns the settings used for keys a config file leaves out.
func Default() *Config {
	c := &Config{Environment: "development"}
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 15 * time.Second
	c.Server.SlowThreshold = 500 * time.Millisecond
	c.Server.CORS = true
	c.Metrics.Enabled = true
	c.Metrics.Path = "/metrics"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"
	c.Logging.Digest.Interval = time.Minute
	c.Logging.Digest.MaxKeys = 500
	c.Profiling.AppName = "marketpipe"
	c.Backend.Type = "clickhouse"
	c.Backend.BatchSize = 500
	c.Backend.BatchTimeout = time.Second
	c.Backend.BufferSize = 10000
	c.Backend.RetryMax = 5
	c.Pricing.StaleAfter = 30 * time.Second
	c.Pricing.SweepInterval = 5 * time.Second
	c.Candles.LatePolicy = "reopen"
	c.Candles.Retention = 1000
	c.Candles.CloseInterval = time.Second
	c.Candles.CacheTTL = 30 * time.Second
	c.Hub.QueueSize = 256
	c.Hub.MaxDrops = 64
	c.Hub.DropPolicy = "newest"
	c.API.QuoteBurst = 50
	c.API.QuoteRate = 25
	c.WS.WriteTimeout = 5 * time.Second
	c.WS.PongWait = 60 * time.Second
	c.Kafka.RequiredAcks = -1
	c.Kafka.Compression = "lz4"
	c.Kafka.Topics.EngineEvents = "engine.events"
	c.Kafka.Topics.Candles = "marketdata.candles"
	c.Kafka.Topics.Logs = "marketpipe.logs"
	c.Kafka.Producer.MaxAttempts = 5
	c.Kafka.Producer.Linger = 20 * time.Millisecond
	c.Kafka.Producer.BatchSize = 500
	c.Kafka.Producer.WriteTimeout = 10 * time.Second
	c.Kafka.Consumer.GroupID = "marketpipe"
	c.Kafka.Consumer.Workers = 8
	c.Kafka.Consumer.BufferSize = 256
	c.Kafka.Consumer.RetryMax = 3
	c.Kafka.Consumer.BackoffMin = 100 * time.Millisecond
	c.Kafka.Consumer.BackoffMax = 5 * time.Second
	c.ClickHouse.Host = "localhost"
	c.ClickHouse.Port = 9000
	c.ClickHouse.Database = "marketdata"
	c.ClickHouse.User = "default"
	c.ClickHouse.CandleTable = "candles"
	c.ClickHouse.ActionTable = "corporate_actions"
	c.Redis.Prefix = "marketpipe:"
	c.LPFeed.ProviderID = "lp"
	c.LPFeed.ReconnectDelay = 2 * time.Second
	c.LPFeed.PingInterval = 15 * time.Second
	return c
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := getenv("LP_FEED_API_KEY"); v != "" {
		c.LPFeed.APIKey = v
	}
	if v := getenv("LP_FEED_URL"); v != "" {
		c.LPFeed.URL = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Backend.Type != "kafka" && c.Backend.Type != "clickhouse" {
		return fmt.Errorf("backend.type must be 'kafka' or 'clickhouse', got '%s'", c.Backend.Type)
	}
	if c.Backend.Type == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty with the kafka backend")
	}
	if c.Kafka.Consumer.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when the consumer is enabled")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("instruments cannot be empty")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, in := range c.Instruments {
		if in.ID == "" {
			return fmt.Errorf("instruments[%d].id is required", i)
		}
		if seen[in.ID] {
			return fmt.Errorf("instrument %s listed twice", in.ID)
		}
		seen[in.ID] = true
		switch in.Class {
		case "FX", "CFD", "CRYPTO", "EQUITY":
		default:
			return fmt.Errorf("instrument %s: unknown class %q", in.ID, in.Class)
		}
		if in.Precision < 0 || in.Precision > 12 {
			return fmt.Errorf("instrument %s: precision must be within 0..12", in.ID)
		}
	}
	if c.Pricing.StaleAfter <= 0 {
		return fmt.Errorf("pricing.stale_after must be positive")
	}
	if c.Candles.LatePolicy != "reopen" && c.Candles.LatePolicy != "reject" {
		return fmt.Errorf("candles.late_policy must be 'reopen' or 'reject', got '%s'", c.Candles.LatePolicy)
	}
	if c.Hub.QueueSize <= 0 || c.Hub.MaxDrops <= 0 {
		return fmt.Errorf("hub.queue_size and hub.max_drops must be positive")
	}
	if c.Hub.DropPolicy != "newest" && c.Hub.DropPolicy != "oldest" {
		return fmt.Errorf("hub.drop_policy must be 'newest' or 'oldest', got '%s'", c.Hub.DropPolicy)
	}
	if c.LPFeed.Enabled && c.LPFeed.URL == "" {
		return fmt.Errorf("lp_feed.url is required when the feed is enabled")
	}
	return nil
}
