package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the typed settings tree for the agent. Loaded once at startup.
type Config struct {
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Risk           RiskConfig           `yaml:"risk"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Redis          RedisConfig          `yaml:"redis"`
	Database       DatabaseConfig       `yaml:"database"`
}

type ExchangeConfig struct {
	Venue          string        `yaml:"venue"` // binance or paper
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	Testnet        bool          `yaml:"testnet"`
	RateLimit      int           `yaml:"rate_limit"` // requests per minute
	MaxWait        time.Duration `yaml:"max_wait"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RecvWindow     int64         `yaml:"recv_window"`
	PaperBalance   float64       `yaml:"paper_balance"`
}

type StrategyConfig struct {
	Symbols        []string      `yaml:"symbols"`
	Interval       string        `yaml:"interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Lookback       int           `yaml:"lookback"`
	Direction      string        `yaml:"direction"` // LONG or SHORT
	EntryThreshold float64       `yaml:"entry_threshold"`
	ExitThreshold  float64       `yaml:"exit_threshold"`
	PositionSize   float64       `yaml:"position_size"`
	MaxPositions   int           `yaml:"max_positions"`
	MinConfidence  float64       `yaml:"min_confidence"`
	UseStream      bool          `yaml:"use_stream"`
}

type RiskConfig struct {
	MaxPositionSize float64 `yaml:"max_position_size"`
	PositionSizePct float64 `yaml:"position_size_pct"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxDrawdown     float64 `yaml:"max_drawdown"` // fraction of peak equity
}

type ExecutionConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Backoff          float64       `yaml:"backoff"`
	Jitter           float64       `yaml:"jitter"`
	OrderFillTimeout time.Duration `yaml:"order_fill_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

type ReconciliationConfig struct {
	Tolerance   float64 `yaml:"tolerance"`
	MaxFailures int     `yaml:"max_failures"`
}

type MonitoringConfig struct {
	MetricsPort         int           `yaml:"metrics_port"`
	LogLevel            string        `yaml:"log_level"`
	LogPretty           bool          `yaml:"log_pretty"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	AlertWebhook        string        `yaml:"alert_webhook"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// Default returns the baseline configuration that YAML and env values override.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{
			Venue:          "binance",
			Testnet:        true,
			RateLimit:      100,
			MaxWait:        5 * time.Second,
			RequestTimeout: 10 * time.Second,
			RecvWindow:     5000,
			PaperBalance:   10000,
		},
		Strategy: StrategyConfig{
			Symbols:        []string{"BTCUSDT"},
			Interval:       "1m",
			Lookback:       6,
			Direction:      "LONG",
			EntryThreshold: -0.06,
			ExitThreshold:  0.04,
			PositionSize:   0.004,
			MaxPositions:   2,
			MinConfidence:  0.7,
		},
		Risk: RiskConfig{
			MaxPositionSize: 0.01,
			PositionSizePct: 0.1,
			MaxDailyLoss:    100,
			MaxDrawdown:     0.1,
		},
		Execution: ExecutionConfig{
			MaxRetries:       3,
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         30 * time.Second,
			Backoff:          2.0,
			Jitter:           0.1,
			OrderFillTimeout: 60 * time.Second,
			PollInterval:     2 * time.Second,
			ShutdownGrace:    15 * time.Second,
		},
		Reconciliation: ReconciliationConfig{
			Tolerance:   0.0001,
			MaxFailures: 3,
		},
		Monitoring: MonitoringConfig{
			MetricsPort:         8000,
			LogLevel:            "INFO",
			HealthCheckInterval: 30 * time.Second,
		},
		Redis: RedisConfig{
			KeyPrefix: "trading_agent:",
		},
	}
}

// Load reads .env (optional), the YAML file at path (optional when absent),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// Ignore error so the agent still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = getEnv("CONFIG_PATH", "config.yaml")
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("parse %s: %v", path, err)}}
		}
	case errors.Is(err, fs.ErrNotExist):
		// env-only deployment
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Exchange.Venue = strings.ToLower(getEnv("EXCHANGE_VENUE", cfg.Exchange.Venue))
	cfg.Exchange.APIKey = getEnv("BINANCE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.APISecret = getEnv("BINANCE_API_SECRET", cfg.Exchange.APISecret)
	cfg.Exchange.Testnet = getEnvBool("BINANCE_TESTNET", cfg.Exchange.Testnet)
	cfg.Exchange.RateLimit = getEnvInt("EXCHANGE_RATE_LIMIT", cfg.Exchange.RateLimit)
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Strategy.Symbols = splitAndTrim(v)
	}
	cfg.Strategy.EntryThreshold = getEnvFloat("ENTRY_THRESHOLD", cfg.Strategy.EntryThreshold)
	cfg.Strategy.ExitThreshold = getEnvFloat("EXIT_THRESHOLD", cfg.Strategy.ExitThreshold)
	cfg.Risk.MaxDailyLoss = getEnvFloat("MAX_DAILY_LOSS", cfg.Risk.MaxDailyLoss)
	cfg.Monitoring.MetricsPort = getEnvInt("METRICS_PORT", cfg.Monitoring.MetricsPort)
	cfg.Monitoring.LogLevel = getEnv("LOG_LEVEL", cfg.Monitoring.LogLevel)
	cfg.Monitoring.AlertWebhook = getEnv("ALERT_WEBHOOK", cfg.Monitoring.AlertWebhook)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)

	for i, s := range cfg.Strategy.Symbols {
		cfg.Strategy.Symbols[i] = strings.ToUpper(s)
	}
	cfg.Strategy.Direction = strings.ToUpper(cfg.Strategy.Direction)
}

// Validate checks every field and threshold combination, collecting all problems.
func (c *Config) Validate() error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	switch c.Exchange.Venue {
	case "binance":
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			add("exchange.api_key and exchange.api_secret are required for venue binance")
		}
	case "paper":
		if c.Exchange.PaperBalance <= 0 {
			add("exchange.paper_balance must be > 0")
		}
	default:
		add("exchange.venue %q is not supported", c.Exchange.Venue)
	}
	if c.Exchange.RateLimit <= 0 {
		add("exchange.rate_limit must be > 0")
	}
	if c.Exchange.MaxWait <= 0 {
		add("exchange.max_wait must be > 0")
	}
	if c.Exchange.RequestTimeout <= 0 {
		add("exchange.request_timeout must be > 0")
	}

	s := c.Strategy
	if len(s.Symbols) == 0 {
		add("strategy.symbols must not be empty")
	}
	if _, err := ParseInterval(s.Interval); err != nil {
		add("strategy.interval: %v", err)
	}
	if s.Lookback < 2 {
		add("strategy.lookback must be >= 2")
	}
	if s.Direction != "LONG" && s.Direction != "SHORT" {
		add("strategy.direction must be LONG or SHORT, got %q", s.Direction)
	}
	if s.EntryThreshold >= 0 {
		add("strategy.entry_threshold must be negative")
	}
	if s.EntryThreshold >= s.ExitThreshold {
		add("strategy.entry_threshold (%g) must be < exit_threshold (%g)", s.EntryThreshold, s.ExitThreshold)
	}
	if s.PositionSize <= 0 {
		add("strategy.position_size must be > 0")
	}
	if s.MaxPositions <= 0 {
		add("strategy.max_positions must be > 0")
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		add("strategy.min_confidence must be within [0,1]")
	}

	r := c.Risk
	if r.MaxPositionSize <= 0 {
		add("risk.max_position_size must be > 0")
	}
	if r.PositionSizePct < 0 || r.PositionSizePct > 1 {
		add("risk.position_size_pct must be within [0,1]")
	}
	if r.MaxDailyLoss <= 0 {
		add("risk.max_daily_loss must be > 0")
	}
	if r.MaxDrawdown <= 0 || r.MaxDrawdown >= 1 {
		add("risk.max_drawdown must be within (0,1)")
	}

	e := c.Execution
	if e.MaxRetries < 1 {
		add("execution.max_retries must be >= 1")
	}
	if e.BaseDelay <= 0 || e.MaxDelay < e.BaseDelay {
		add("execution.base_delay must be > 0 and <= max_delay")
	}
	if e.Backoff < 1 {
		add("execution.backoff must be >= 1")
	}
	if e.Jitter < 0 || e.Jitter > 1 {
		add("execution.jitter must be within [0,1]")
	}
	if e.OrderFillTimeout <= 0 || e.PollInterval <= 0 {
		add("execution.order_fill_timeout and poll_interval must be > 0")
	}

	if c.Reconciliation.Tolerance < 0 {
		add("reconciliation.tolerance must be >= 0")
	}
	if c.Reconciliation.MaxFailures < 1 {
		add("reconciliation.max_failures must be >= 1")
	}
	if c.Monitoring.HealthCheckInterval <= 0 {
		add("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.MetricsPort <= 0 || c.Monitoring.MetricsPort > 65535 {
		add("monitoring.metrics_port out of range")
	}

	if len(p) > 0 {
		return &ConfigurationError{Problems: p}
	}
	return nil
}

// CycleInterval is the evaluation cadence of one symbol cycle.
func (s StrategyConfig) CycleInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	d, err := ParseInterval(s.Interval)
	if err != nil {
		return time.Minute
	}
	return d
}

// ParseInterval understands exchange kline intervals (1m, 4h, 1d, 1w).
func ParseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid interval unit in %q", s)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
