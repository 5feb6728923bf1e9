package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	// embedded zoneinfo for SCHEDULER_TZ
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

const (
	DefaultEnvFile = "settings.env"

	defaultPromURL           = "http://127.0.0.1:19090"
	defaultPushURL           = "http://127.0.0.1:19091"
	defaultJob               = "trafficcop"
	defaultSelfInstance      = "localhost:9090"
	defaultTimezone          = "Asia/Shanghai"
	defaultHost              = "0.0.0.0"
	defaultPort              = 8000
	defaultDBPath            = "./data/trafficcop.db"
	defaultSyncInterval      = 5 * time.Minute
	defaultDiscoveryLookback = 15 * time.Minute
	defaultQueryTimeout      = 8 * time.Second
	defaultPushTimeout       = 8 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultSummaryHour       = 0
	defaultSummaryMinute     = 20
	defaultBaselineHour      = 0
	defaultBaselineMinute    = 10
)

// Config is the control plane's process configuration
type Config struct {
	PromURL      string
	PushURL      string
	Job          string
	SelfInstance string

	TelegramToken   string
	TelegramChatID  string
	SlackWebhookURL string

	SummaryHour    int
	SummaryMinute  int
	BaselineHour   int
	BaselineMinute int
	Timezone       string
	Location       *time.Location

	SyncInterval      time.Duration
	DiscoveryLookback time.Duration
	QueryTimeout      time.Duration
	PushTimeout       time.Duration
	ShutdownTimeout   time.Duration

	Host           string
	Port           int
	DBPath         string
	AdminJWTSecret string
}

// Load reads the configuration from the process environment, falling back
// to envFile for unset variables. A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	fileVars := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
}

// FromLookup builds a validated Config from a variable lookup function
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}
	cfg := &Config{
		PromURL:      p.str("PROM_URL", defaultPromURL),
		PushURL:      p.str("PG_URL", defaultPushURL),
		Job:          p.str("PROM_JOB_NAME", defaultJob),
		SelfInstance: p.str("PROM_SELF_INSTANCE", defaultSelfInstance),

		TelegramToken:   p.str("TG_BOT_TOKEN", ""),
		TelegramChatID:  p.str("TG_CHAT_ID", ""),
		SlackWebhookURL: p.str("SLACK_WEBHOOK_URL", ""),

		SummaryHour:    p.integer("DAILY_SUMMARY_HOUR", defaultSummaryHour),
		SummaryMinute:  p.integer("DAILY_SUMMARY_MINUTE", defaultSummaryMinute),
		BaselineHour:   p.integer("DAILY_BASELINE_HOUR", defaultBaselineHour),
		BaselineMinute: p.integer("DAILY_BASELINE_MINUTE", defaultBaselineMinute),
		Timezone:       p.str("SCHEDULER_TZ", defaultTimezone),

		SyncInterval:      p.duration("SYNC_INTERVAL", defaultSyncInterval),
		DiscoveryLookback: p.duration("DISCOVERY_LOOKBACK", defaultDiscoveryLookback),
		QueryTimeout:      p.duration("QUERY_TIMEOUT", defaultQueryTimeout),
		PushTimeout:       p.duration("PUSH_TIMEOUT", defaultPushTimeout),
		ShutdownTimeout:   p.duration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout),

		Host:           p.str("PANEL_HOST", defaultHost),
		Port:           p.integer("PANEL_PORT", defaultPort),
		DBPath:         p.str("DB_PATH", defaultDBPath),
		AdminJWTSecret: p.str("ADMIN_JWT_SECRET", ""),
	}
	if p.errs != nil {
		return nil, p.errs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs error
	for name, raw := range map[string]string{"PROM_URL": c.PromURL, "PG_URL": c.PushURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: invalid url %q", name, raw))
		}
	}
	if c.Job == "" {
		errs = multierr.Append(errs, errors.New("PROM_JOB_NAME is required"))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		errs = multierr.Append(errs, errors.New("TG_BOT_TOKEN and TG_CHAT_ID must be set together"))
	}
	errs = multierr.Append(errs, checkRange("DAILY_SUMMARY_HOUR", c.SummaryHour, 0, 23))
	errs = multierr.Append(errs, checkRange("DAILY_SUMMARY_MINUTE", c.SummaryMinute, 0, 59))
	errs = multierr.Append(errs, checkRange("DAILY_BASELINE_HOUR", c.BaselineHour, 0, 23))
	errs = multierr.Append(errs, checkRange("DAILY_BASELINE_MINUTE", c.BaselineMinute, 0, 59))
	errs = multierr.Append(errs, checkRange("PANEL_PORT", c.Port, 1, 65535))
	if c.DBPath == "" {
		errs = multierr.Append(errs, errors.New("DB_PATH is required"))
	}

	// Optional configuration.
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("SCHEDULER_TZ: %w", err))
	}
	c.Location = loc
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.DiscoveryLookback <= 0 {
		c.DiscoveryLookback = defaultDiscoveryLookback
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = defaultPushTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Host == "" {
		c.Host = defaultHost
	}
	return errs
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SyncSpec is the cron spec of the discovery task
func (c *Config) SyncSpec() string {
	return "@every " + c.SyncInterval.String()
}

// SkipInstances lists instance labels that belong to infrastructure
// rather than agents
func (c *Config) SkipInstances() []string {
	skip := []string{c.SelfInstance}
	if u, err := url.Parse(c.PushURL); err == nil && u.Host != "" {
		skip = append(skip, u.Host)
	}
	return skip
}

type parser struct {
	lookup func(string) (string, bool)
	errs   error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = multierr.Append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return def
	}
	return v
}

// duration accepts Go durations ("90s") or a bare number of seconds
func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = multierr.Append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return d
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s: %d out of range [%d, %d]", name, v, lo, hi)
	}
	return nil
}
