// Package config loads Courier's configuration from a YAML file with
// COURIER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given
const DefaultPath = "courier.yaml"

const redacted = "********"

type Config struct {
	Log       Log       `yaml:"log"`
	HTTP      HTTP      `yaml:"http"`
	Store     Store     `yaml:"store"`
	Webhooks  []Webhook `yaml:"webhooks"`
	Telemetry Telemetry `yaml:"telemetry"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Email     Email     `yaml:"email"`
	Sink      Sink      `yaml:"sink"`
}

type Log struct {
	Level string `yaml:"level" env:"COURIER_LOG_LEVEL" env-default:"info"`
	JSON  bool   `yaml:"json" env:"COURIER_LOG_JSON"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"COURIER_HTTP_ADDR" env-default:":8080"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"COURIER_HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"COURIER_HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
	// AdminToken guards /admin routes; empty disables them
	AdminToken string `yaml:"admin_token" env:"COURIER_HTTP_ADMIN_TOKEN"`
}

type Store struct {
	Driver  string `yaml:"driver" env:"COURIER_STORE_DRIVER" env-default:"bolt"`
	DataDir string `yaml:"data_dir" env:"COURIER_STORE_DATA_DIR" env-default:"./data"`
	Redis   Redis  `yaml:"redis"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"COURIER_REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"COURIER_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"COURIER_REDIS_DB"`
}

// Webhook declares one provider endpoint, served at /webhooks/{name}
type Webhook struct {
	Name      string        `yaml:"name"`
	Channel   string        `yaml:"channel"`
	Scheme    string        `yaml:"scheme"`
	Secret    string        `yaml:"secret"`
	Tolerance time.Duration `yaml:"tolerance"`
}

type Telemetry struct {
	Prefix        string        `yaml:"prefix" env:"COURIER_TELEMETRY_PREFIX" env-default:"telemetry:"`
	DrainInterval time.Duration `yaml:"drain_interval" env:"COURIER_TELEMETRY_DRAIN_INTERVAL" env-default:"1m"`
	MaxBatch      int           `yaml:"max_batch" env:"COURIER_TELEMETRY_MAX_BATCH" env-default:"10000"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" env:"COURIER_TELEMETRY_LEASE_TTL" env-default:"1m"`
	// RateLimit is the sustained requests per second allowed per telemetry key
	RateLimit float64 `yaml:"rate_limit" env:"COURIER_TELEMETRY_RATE_LIMIT" env-default:"50"`
	RateBurst int     `yaml:"rate_burst" env:"COURIER_TELEMETRY_RATE_BURST" env-default:"100"`
	// DrainThreshold triggers an early drain after this many pushes; negative disables
	DrainThreshold int `yaml:"drain_threshold" env:"COURIER_TELEMETRY_DRAIN_THRESHOLD" env-default:"1000"`
}

type Dispatch struct {
	Channels          []string      `yaml:"channels" env:"COURIER_DISPATCH_CHANNELS" env-separator:","`
	Group             string        `yaml:"group" env:"COURIER_DISPATCH_GROUP" env-default:"notifications"`
	Consumer          string        `yaml:"consumer" env:"COURIER_DISPATCH_CONSUMER"`
	Interval          time.Duration `yaml:"interval" env:"COURIER_DISPATCH_INTERVAL" env-default:"30s"`
	BatchSize         int           `yaml:"batch_size" env:"COURIER_DISPATCH_BATCH_SIZE" env-default:"100"`
	RunTimeout        time.Duration `yaml:"run_timeout" env:"COURIER_DISPATCH_RUN_TIMEOUT" env-default:"2m"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"COURIER_DISPATCH_VISIBILITY_TIMEOUT" env-default:"5m"`
	TrimInterval      time.Duration `yaml:"trim_interval" env:"COURIER_DISPATCH_TRIM_INTERVAL" env-default:"1h"`
	LeaseTTL          time.Duration `yaml:"lease_ttl" env:"COURIER_DISPATCH_LEASE_TTL" env-default:"5m"`
}

type Email struct {
	BaseURL           string  `yaml:"base_url" env:"COURIER_EMAIL_BASE_URL" env-default:"https://api.resend.com"`
	APIKey            string  `yaml:"api_key" env:"COURIER_EMAIL_API_KEY"`
	From              string  `yaml:"from" env:"COURIER_EMAIL_FROM"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"COURIER_EMAIL_RPS" env-default:"2"`
	MaxBatch          int     `yaml:"max_batch" env:"COURIER_EMAIL_MAX_BATCH" env-default:"100"`
}

// Enabled reports whether outbound email is configured
func (e Email) Enabled() bool {
	return e.APIKey != ""
}

type Sink struct {
	Driver string `yaml:"driver" env:"COURIER_SINK_DRIVER" env-default:"sqlite"`
	DSN    string `yaml:"dsn" env:"COURIER_SINK_DSN" env-default:"./data/sink.db"`
	// RecordTypes lists webhook event types copied into the sink by the
	// analytics consumer group
	RecordTypes []string `yaml:"record_types" env:"COURIER_SINK_RECORD_TYPES" env-separator:","`
	Group       string   `yaml:"group" env:"COURIER_SINK_GROUP" env-default:"analytics"`
}

// Load reads path (falling back to environment only when the file does not
// exist) and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "bolt":
		if c.Store.DataDir == "" {
			errs = append(errs, errors.New("store.data_dir is required for the bolt driver"))
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be bolt or redis", c.Store.Driver))
	}

	switch c.Sink.Driver {
	case "sqlite", "postgres":
		if c.Sink.DSN == "" {
			errs = append(errs, errors.New("sink.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.driver %q must be sqlite or postgres", c.Sink.Driver))
	}

	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}

	seen := make(map[string]bool)
	for i, w := range c.Webhooks {
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d].name is required", i))
		} else if seen[w.Name] {
			errs = append(errs, fmt.Errorf("webhooks[%d].name %q is duplicated", i, w.Name))
		}
		seen[w.Name] = true

		if w.Channel == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d].channel is required", i))
		}
		if w.Scheme != "stripe" && w.Scheme != "svix" {
			errs = append(errs, fmt.Errorf("webhooks[%d].scheme %q must be stripe or svix", i, w.Scheme))
		}
		if w.Secret == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d].secret is required", i))
		}
	}

	if c.Telemetry.Prefix == "" {
		errs = append(errs, errors.New("telemetry.prefix is required"))
	}
	if c.Telemetry.DrainInterval <= 0 {
		errs = append(errs, errors.New("telemetry.drain_interval must be positive"))
	}
	if c.Telemetry.MaxBatch <= 0 {
		errs = append(errs, errors.New("telemetry.max_batch must be positive"))
	}
	if c.Telemetry.RateLimit < 0 {
		errs = append(errs, errors.New("telemetry.rate_limit must not be negative"))
	}

	if c.Dispatch.Group == "" {
		errs = append(errs, errors.New("dispatch.group is required"))
	}
	if c.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("dispatch.interval must be positive"))
	}
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, errors.New("dispatch.batch_size must be positive"))
	}
	if c.Dispatch.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.visibility_timeout must be positive"))
	}
	if len(c.Sink.RecordTypes) > 0 && c.Sink.Group == c.Dispatch.Group {
		errs = append(errs, errors.New("sink.group must differ from dispatch.group"))
	}

	if c.Email.Enabled() && c.Email.From == "" {
		errs = append(errs, errors.New("email.from is required when email.api_key is set"))
	}

	return errors.Join(errs...)
}

// DispatchChannels returns the stream channels to dispatch: the configured
// list, or every webhook channel when none is given.
func (c *Config) DispatchChannels() []string {
	if len(c.Dispatch.Channels) > 0 {
		return c.Dispatch.Channels
	}
	seen := make(map[string]bool)
	var out []string
	for _, w := range c.Webhooks {
		if !seen[w.Channel] {
			seen[w.Channel] = true
			out = append(out, w.Channel)
		}
	}
	return out
}

// Redacted returns a copy with secrets masked
func (c *Config) Redacted() *Config {
	out := *c
	out.Webhooks = make([]Webhook, len(c.Webhooks))
	for i, w := range c.Webhooks {
		w.Secret = mask(w.Secret)
		out.Webhooks[i] = w
	}
	out.Store.Redis.Password = mask(c.Store.Redis.Password)
	out.Email.APIKey = mask(c.Email.APIKey)
	out.HTTP.AdminToken = mask(c.HTTP.AdminToken)
	out.Sink.DSN = maskDSN(c.Sink.Driver, c.Sink.DSN)
	return &out
}

// YAML renders the redacted configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

func maskDSN(driver, dsn string) string {
	// sqlite DSNs are file paths
	if driver == "postgres" {
		return mask(dsn)
	}
	return dsn
}
