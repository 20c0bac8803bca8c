package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like
// "250ms" or "1m30s" and from bare integers (milliseconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dd)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// SizeBytes unmarshals from strings like "256KiB" or "1 MB" as well as
// plain byte counts.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*s = SizeBytes(asInt)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("invalid size value %q", value.Value)
	}
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = SizeBytes(n)
	return nil
}

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"CHATRELAY_SERVER_"`
	Bus       BusConfig       `yaml:"bus" envPrefix:"CHATRELAY_BUS_"`
	Log       LogConfig       `yaml:"log" envPrefix:"CHATRELAY_LOG_"`
	Gateway   GatewayConfig   `yaml:"gateway" envPrefix:"CHATRELAY_GATEWAY_"`
	Assistant AssistantConfig `yaml:"assistant" envPrefix:"CHATRELAY_ASSISTANT_"`
	Uploads   UploadsConfig   `yaml:"uploads" envPrefix:"CHATRELAY_UPLOADS_"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP listener and storage paths.
type ServerConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
	Port    int    `yaml:"port" env:"PORT"`
	// DBPath is the root data directory; the message store and the durable
	// log each open their own pebble instance beneath it.
	DBPath string `yaml:"db_path" env:"DB_PATH"`
}

// BusConfig selects and configures the broadcast bus implementation.
type BusConfig struct {
	// Mode is "redis" for multi-gateway deployments or "memory" for a
	// single process (and tests).
	Mode      string `yaml:"mode" env:"MODE"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB   int    `yaml:"redis_db" env:"REDIS_DB"`
	// Password intentionally env-only; never in the config file.
	RedisPassword string `yaml:"-" env:"REDIS_PASSWORD"`
}

// LogConfig tunes the durable event log and its consumer.
type LogConfig struct {
	// Group names the consumer offset namespace; one store-applier group
	// per deployment.
	Group      string    `yaml:"group" env:"GROUP"`
	ReadBatch  int       `yaml:"read_batch" env:"READ_BATCH"`
	PollEvery  Duration  `yaml:"poll_every"`
	MaxPayload SizeBytes `yaml:"max_payload"`
}

// GatewayConfig tunes the websocket gateway.
type GatewayConfig struct {
	SendBuffer int       `yaml:"send_buffer"`
	ReadLimit  SizeBytes `yaml:"read_limit"`
	PongWait   Duration  `yaml:"pong_wait"`
	WriteWait  Duration  `yaml:"write_wait"`
	EventRPS   float64   `yaml:"event_rps"`
	EventBurst int       `yaml:"event_burst"`
}

// AssistantConfig configures the external completion call.
type AssistantConfig struct {
	APIKey  string   `yaml:"-" env:"API_KEY"`
	BaseURL string   `yaml:"base_url" env:"BASE_URL"`
	Model   string   `yaml:"model" env:"MODEL"`
	// Timeout bounds the completion call independently of any socket
	// transport timeout.
	Timeout Duration `yaml:"timeout"`
	// Context is how many recent channel messages ride along as history.
	Context int `yaml:"context" env:"CONTEXT"`
}

// UploadsConfig configures presigned object uploads.
type UploadsConfig struct {
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	AccessKey string `yaml:"-" env:"ACCESS_KEY"`
	SecretKey string `yaml:"-" env:"SECRET_KEY"`
	// Expiry bounds how long a presigned PUT stays valid.
	Expiry Duration `yaml:"expiry"`
}

// SecurityConfig holds CORS, API key and identity-signing settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	APIKeys struct {
		Backend []string `yaml:"backend"`
	} `yaml:"api_keys"`
	Signing struct {
		// Keys verify user identity signatures; env-only, never in the file.
		Keys []string `yaml:"-" env:"CHATRELAY_SIGNING_KEYS" envSeparator:","`
	} `yaml:"signing"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"CHATRELAY_LOG_LEVEL"`
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Cron      string `yaml:"cron"`
	Period    string `yaml:"period"`
	BatchSize int    `yaml:"batch_size"`
	DryRun    bool   `yaml:"dry_run"`
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
