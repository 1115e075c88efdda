// Package config loads accountsync settings from a YAML file and lets
// environment variables override them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quizdeck/accountsync/internal/logging"
	"github.com/quizdeck/accountsync/internal/metrics"
	"github.com/quizdeck/accountsync/internal/usersync"
)

type Server struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	WebhookMaxSkew  time.Duration `yaml:"webhook_max_skew"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Kintone struct {
	Subdomain  string `yaml:"subdomain"`
	AppID      string `yaml:"app_id"`
	APIToken   string `yaml:"api_token"`
	BaseURL    string `yaml:"base_url"`
	EmailField string `yaml:"email_field"`
	GroupTable string `yaml:"group_table"`
	GroupField string `yaml:"group_field"`
	MaxRetries int    `yaml:"max_retries"`
}

type Supabase struct {
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"service_role_key"`
	MaxRetries     int    `yaml:"max_retries"`
}

type Sync struct {
	Job            string        `yaml:"job"`
	Groups         []string      `yaml:"groups"`
	PageSize       int           `yaml:"page_size"`
	MaxBatches     int           `yaml:"max_batches"`
	Budget         time.Duration `yaml:"budget"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	LeaseWait      time.Duration `yaml:"lease_wait"`
	Interval       time.Duration `yaml:"interval"`
	IntervalJitter float64       `yaml:"interval_jitter"`
}

type State struct {
	DSN string `yaml:"dsn"`
}

type Inbox struct {
	Dir          string        `yaml:"dir"`
	Debounce     time.Duration `yaml:"debounce"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Config struct {
	Server   Server         `yaml:"server"`
	Kintone  Kintone        `yaml:"kintone"`
	Supabase Supabase       `yaml:"supabase"`
	Sync     Sync           `yaml:"sync"`
	State    State          `yaml:"state"`
	Metrics  metrics.Config `yaml:"metrics"`
	Log      logging.Config `yaml:"log"`
	Inbox    Inbox          `yaml:"inbox"`
}

// Defaults returns the settings used when neither the file nor the
// environment provides a value.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			WebhookMaxSkew:  5 * time.Minute,
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    10 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Kintone: Kintone{EmailField: "email"},
		Sync: Sync{
			Job:        usersync.DefaultJob,
			PageSize:   100,
			MaxBatches: 10,
			Budget:     50 * time.Second,
			LeaseTTL:   2 * time.Minute,
			LeaseWait:  5 * time.Second,
			Interval:   15 * time.Minute,
			// fraction of Interval, 0.0-1.0
			IntervalJitter: 0.2,
		},
		Metrics: metrics.Config{Address: ":9090"},
		Log:     logging.Config{Level: "info", Format: "json"},
		Inbox: Inbox{
			Debounce:     500 * time.Millisecond,
			PollInterval: 5 * time.Second,
		},
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// environment overrides read through getenv. A nil getenv reads the process
// environment.
func Load(path string, getenv func(string) string, logger *zap.Logger) (Config, error) {
	cfg := Defaults()
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(getenv("ACCOUNTSYNC_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	env := envReader{getenv: getenv, logger: logger}
	env.apply(&cfg)
	return cfg, nil
}

type envReader struct {
	getenv func(string) string
	logger *zap.Logger
}

func (e envReader) apply(cfg *Config) {
	e.str(&cfg.Kintone.Subdomain, "KINTONE_SUBDOMAIN")
	e.str(&cfg.Kintone.AppID, "KINTONE_APP_ID")
	e.str(&cfg.Kintone.APIToken, "KINTONE_API_TOKEN")
	e.str(&cfg.Kintone.EmailField, "KINTONE_EMAIL_FIELD")
	e.str(&cfg.Supabase.URL, "NEXT_PUBLIC_SUPABASE_URL")
	e.str(&cfg.Supabase.URL, "SUPABASE_URL")
	e.str(&cfg.Supabase.ServiceRoleKey, "SUPABASE_SERVICE_ROLE_KEY")

	e.str(&cfg.Server.Addr, "ACCOUNTSYNC_ADDR")
	e.str(&cfg.Server.JWTSecret, "ACCOUNTSYNC_JWT_SECRET")
	e.str(&cfg.Server.WebhookSecret, "ACCOUNTSYNC_WEBHOOK_SECRET")
	e.integer(&cfg.Server.RateLimitMax, "ACCOUNTSYNC_RATE_LIMIT_MAX")
	e.duration(&cfg.Server.RateLimitWindow, "ACCOUNTSYNC_RATE_LIMIT_WINDOW")
	e.str(&cfg.State.DSN, "ACCOUNTSYNC_STATE_DSN")
	e.duration(&cfg.Sync.Budget, "ACCOUNTSYNC_SYNC_BUDGET")
	e.integer(&cfg.Sync.MaxBatches, "ACCOUNTSYNC_MAX_BATCHES")
	e.duration(&cfg.Sync.Interval, "ACCOUNTSYNC_SYNC_INTERVAL")
	e.float(&cfg.Sync.IntervalJitter, "ACCOUNTSYNC_SYNC_INTERVAL_JITTER")
	e.str(&cfg.Inbox.Dir, "ACCOUNTSYNC_INBOX_DIR")
	if addr := strings.TrimSpace(e.getenv("ACCOUNTSYNC_METRICS_ADDR")); addr != "" {
		cfg.Metrics.Address = addr
		cfg.Metrics.Enabled = true
	}
	e.str(&cfg.Log.Level, "ACCOUNTSYNC_LOG_LEVEL")
	e.str(&cfg.Log.Format, "ACCOUNTSYNC_LOG_FORMAT")
}

func (e envReader) str(dst *string, name string) {
	if raw := strings.TrimSpace(e.getenv(name)); raw != "" {
		*dst = raw
	}
}

func (e envReader) integer(dst *int, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn(fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, *dst))
		return
	}
	*dst = value
}

func (e envReader) float(dst *float64, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logger.Warn(fmt.Sprintf("invalid %s=%q, using fallback %f", name, raw, *dst))
		return
	}
	*dst = value
}

func (e envReader) duration(dst *time.Duration, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn(fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, dst.String()))
		return
	}
	*dst = value
}

// Validate reports every missing credential at once.
func (c Config) Validate() error {
	return c.validate(false)
}

// ValidateServer also requires the settings only the HTTP server needs.
func (c Config) ValidateServer() error {
	return c.validate(true)
}

func (c Config) validate(server bool) error {
	var missing []string
	check := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	check(c.Kintone.Subdomain, "KINTONE_SUBDOMAIN")
	check(c.Kintone.AppID, "KINTONE_APP_ID")
	check(c.Kintone.APIToken, "KINTONE_API_TOKEN")
	check(c.Supabase.URL, "SUPABASE_URL")
	check(c.Supabase.ServiceRoleKey, "SUPABASE_SERVICE_ROLE_KEY")
	if server {
		check(c.Server.JWTSecret, "ACCOUNTSYNC_JWT_SECRET")
	}
	if len(missing) > 0 {
		return &usersync.ConfigurationError{Missing: missing}
	}
	if c.Sync.PageSize < 0 || c.Sync.MaxBatches < 0 {
		return &usersync.ValidationError{Field: "sync", Reason: "page_size and max_batches must not be negative"}
	}
	return nil
}
