// Package config exposes the typed service configuration loaded from YAML and
// overridden from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guido-cesarano/signalq/pkg/debounce"
	"github.com/guido-cesarano/signalq/pkg/dispatch"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/queue"
	"github.com/guido-cesarano/signalq/pkg/telemetry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings.
type App struct {
	Name              string `yaml:"name"`
	Env               string `yaml:"env"`
	LogLevel          string `yaml:"log_level"`
	HTTPAddr          string `yaml:"http_addr"`
	APIKey            string `yaml:"api_key"`
	DrainTimeoutSecs  int    `yaml:"drain_timeout_secs"`
	StatsIntervalSecs int    `yaml:"stats_interval_secs"`
}

// Redis configures the optional result store, shared debounce and rate limiter.
type Redis struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Scheduler sizes the priority scheduler.
type Scheduler struct {
	Workers       int `yaml:"workers"`
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxQueueSize  int `yaml:"max_queue_size"`
	MaxRetries    int `yaml:"max_retries"`
	BackoffMs     int `yaml:"backoff_ms"`
}

// Trading holds the dispatcher parameters.
type Trading struct {
	Account             string  `yaml:"account"`
	PositionSize        int     `yaml:"position_size"`
	MaxPositionSize     int     `yaml:"max_position_size"`
	TP1Fraction         float64 `yaml:"tp1_fraction"`
	CloseEntireAtTP1    bool    `yaml:"close_entire_at_tp1"`
	IgnoreTP1           bool    `yaml:"ignore_tp1"`
	IgnoreNonEntry      bool    `yaml:"ignore_non_entry"`
	DebounceSecs        int     `yaml:"debounce_secs"`
	DispatchRetries     int     `yaml:"dispatch_retries"`
	DispatchTimeoutSecs int     `yaml:"dispatch_timeout_secs"`
	ContractMonth       string  `yaml:"contract_month"`
	PaperLatencyMs      int     `yaml:"paper_latency_ms"`
}

// Reconcile schedules the periodic reconciliation pass.
type Reconcile struct {
	Spec        string `yaml:"spec"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// RateLimit configures the broker token bucket. It needs Redis.
type RateLimit struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Rate    int    `yaml:"rate"`
	Burst   int    `yaml:"burst"`
}

// Telemetry configures OTLP trace export. An empty endpoint disables it.
type Telemetry struct {
	Endpoint    string `yaml:"endpoint"`
	URLPath     string `yaml:"url_path"`
	ServiceName string            `yaml:"service_name"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// Notify configures the Discord webhook. An empty URL disables notifications.
type Notify struct {
	WebhookURL    string `yaml:"webhook_url"`
	Username      string `yaml:"username"`
	RateLimitKey  string `yaml:"rate_limit_key"`
	Rate          int    `yaml:"rate"`
	Burst         int    `yaml:"burst"`
	MinIntervalMs int    `yaml:"min_interval_ms"`
}

// Config collects every configuration leaf.
type Config struct {
	App       App       `yaml:"app"`
	Redis     Redis     `yaml:"redis"`
	Scheduler Scheduler `yaml:"scheduler"`
	Trading   Trading   `yaml:"trading"`
	Reconcile Reconcile `yaml:"reconcile"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Telemetry Telemetry `yaml:"telemetry"`
	Notify    Notify    `yaml:"notify"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		App: App{
			Name:              "signalq",
			Env:               "development",
			LogLevel:          "info",
			HTTPAddr:          ":8081",
			DrainTimeoutSecs:  30,
			StatsIntervalSecs: 60,
		},
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Scheduler: Scheduler{
			Workers:       queue.DefaultWorkers,
			MaxConcurrent: 10,
			MaxQueueSize:  1000,
			MaxRetries:    3,
			BackoffMs:     1000,
		},
		Trading: Trading{
			PositionSize:        1,
			MaxPositionSize:     2,
			TP1Fraction:         dispatch.DefaultTP1Fraction,
			DebounceSecs:        int(debounce.DefaultWindow / time.Second),
			DispatchTimeoutSecs: 30,
			ContractMonth:       "Z25",
		},
		Reconcile: Reconcile{Spec: "@every 30s", TimeoutSecs: 30},
		RateLimit: RateLimit{Key: "broker", Rate: 5, Burst: 10},
		Telemetry: Telemetry{URLPath: "/v1/traces", ServiceName: "signalq"},
		Notify:    Notify{Username: "signalq", RateLimitKey: "notify", Rate: 2, Burst: 5, MinIntervalMs: 500},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the environment. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	frac := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("APP_ENV", &c.App.Env)
	str("LOG_LEVEL", &c.App.LogLevel)
	str("HTTP_ADDR", &c.App.HTTPAddr)
	str("API_KEY", &c.App.APIKey)
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.Redis.Addr = strings.TrimSpace(v)
		c.Redis.Enabled = true
	}
	str("ACCOUNT_ID", &c.Trading.Account)
	num("POSITION_SIZE", &c.Trading.PositionSize)
	num("MAX_POSITION_SIZE", &c.Trading.MaxPositionSize)
	frac("TP1_FRACTION", &c.Trading.TP1Fraction)
	num("DEBOUNCE_SECONDS", &c.Trading.DebounceSecs)
	flag("CLOSE_ENTIRE_AT_TP1", &c.Trading.CloseEntireAtTP1)
	flag("IGNORE_TP1_SIGNALS", &c.Trading.IgnoreTP1)
	flag("IGNORE_NON_ENTRY_SIGNALS", &c.Trading.IgnoreNonEntry)
	str("OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	if v, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_HEADERS"); ok {
		headers, err := parseHeaders(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OTEL_EXPORTER_OTLP_HEADERS: %w", err))
		} else {
			c.Telemetry.Headers = headers
		}
	}
	str("DISCORD_WEBHOOK_URL", &c.Notify.WebhookURL)

	return errors.Join(errs...)
}

// parseHeaders reads "key=value,key2=value2".
func parseHeaders(v string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed header %q", pair)
		}
		headers[k] = strings.TrimSpace(val)
	}
	return headers, nil
}

// Validate rejects unusable values and clamps the TP1 fraction into (0, 1).
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent))
	}
	if c.Scheduler.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_queue_size must be positive, got %d", c.Scheduler.MaxQueueSize))
	}
	if c.Trading.PositionSize <= 0 {
		errs = append(errs, fmt.Errorf("trading.position_size must be positive, got %d", c.Trading.PositionSize))
	}
	if c.Trading.MaxPositionSize <= 0 {
		c.Trading.MaxPositionSize = 2 * c.Trading.PositionSize
	}
	if !(c.Trading.TP1Fraction > 0 && c.Trading.TP1Fraction < 1) {
		logger.Log.Warn().
			Float64("tp1_fraction", c.Trading.TP1Fraction).
			Float64("default", dispatch.DefaultTP1Fraction).
			Msg("TP1 fraction outside (0, 1), using default")
		c.Trading.TP1Fraction = dispatch.DefaultTP1Fraction
	}
	if c.Trading.DebounceSecs < 0 {
		errs = append(errs, fmt.Errorf("trading.debounce_secs must not be negative, got %d", c.Trading.DebounceSecs))
	}
	if c.Reconcile.Spec != "" {
		if _, err := queue.CronParser.Parse(c.Reconcile.Spec); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.spec: %w", err))
		}
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("rate_limit requires redis"))
	}
	return errors.Join(errs...)
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() queue.Config {
	return queue.Config{
		MaxConcurrent:     c.Scheduler.MaxConcurrent,
		MaxQueueSize:      c.Scheduler.MaxQueueSize,
		DefaultMaxRetries: c.Scheduler.MaxRetries,
		BackoffUnit:       time.Duration(c.Scheduler.BackoffMs) * time.Millisecond,
	}
}

// DispatchConfig converts the trading section.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Account:          c.Trading.Account,
		PositionSize:     c.Trading.PositionSize,
		MaxPositionSize:  c.Trading.MaxPositionSize,
		CloseEntireAtTP1: c.Trading.CloseEntireAtTP1,
		TP1Fraction:      c.Trading.TP1Fraction,
		IgnoreTP1:        c.Trading.IgnoreTP1,
		IgnoreNonEntry:   c.Trading.IgnoreNonEntry,
		DispatchRetries:  c.Trading.DispatchRetries,
		DispatchTimeout:  time.Duration(c.Trading.DispatchTimeoutSecs) * time.Second,
		ReconcileTimeout: time.Duration(c.Reconcile.TimeoutSecs) * time.Second,
	}
}

// TelemetryOptions converts the telemetry section.
func (c *Config) TelemetryOptions() telemetry.Options {
	return telemetry.Options{
		Endpoint:    c.Telemetry.Endpoint,
		URLPath:     c.Telemetry.URLPath,
		ServiceName: c.Telemetry.ServiceName,
		Insecure:    c.Telemetry.Insecure,
		Headers:     c.Telemetry.Headers,
	}
}

// NotifyMinInterval is the in-process spacing used when Redis is disabled.
func (c *Config) NotifyMinInterval() time.Duration {
	return time.Duration(c.Notify.MinIntervalMs) * time.Millisecond
}

// DebounceWindow is the suppression window for repeated opens. Zero disables debouncing.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Trading.DebounceSecs) * time.Second
}

// DrainTimeout bounds the graceful shutdown.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.App.DrainTimeoutSecs) * time.Second
}
