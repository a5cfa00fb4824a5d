package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the redial server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ListenAddr  string
	PublicURL   string // externally reachable base URL for carrier callbacks (e.g., "https://dial.example.com")
	RoutePrefix string // path prefix for the outbound-calling routes
	DBPath      string

	MaxActiveCalls  int    // carrier-side concurrency cap
	QueueIntervalMS int    // scheduler tick in milliseconds
	MaxAttempts     int    // total call placements per contact sequence
	CivilTimezone   string // IANA zone for wall-clock retry anchors
	SourcePhone     string // E.164 caller id

	TwilioAccountSID string
	TwilioAuthToken  string

	AgentID      string
	AgentAPIKey  string
	AgentBaseURL string

	CRMBaseURL      string
	CRMClientID     string
	CRMClientSecret string
	CRMLocationID   string

	NotifyWebhookURL string

	StaleInFlightAfter time.Duration // queue entries stuck in_flight longer than this are reset at startup
	RateLimitRPS       float64
	RateLimitBurst     int

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultListenAddr      = ":8080"
	defaultRoutePrefix     = "/outgoing"
	defaultDBPath          = "./data/redial.db"
	defaultMaxActiveCalls  = 3
	defaultQueueIntervalMS = 10000
	defaultMaxAttempts     = 10
	defaultCivilTimezone   = "Europe/Rome"
	defaultAgentBaseURL    = "https://api.elevenlabs.io"
	defaultStaleInFlight   = 5 * time.Minute
	defaultRateLimitRPS    = 5
	defaultRateLimitBurst  = 10
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// MinQueueInterval is the floor for the scheduler tick. Shorter configured
// intervals are raised to this value.
const MinQueueInterval = 5 * time.Second

// envPrefix is the prefix for all redial environment variables.
const envPrefix = "REDIAL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("redial", flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", defaultListenAddr, "HTTP server listen address")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL for carrier callbacks (e.g., https://dial.example.com)")
	fs.StringVar(&cfg.RoutePrefix, "route-prefix", defaultRoutePrefix, "path prefix for the outbound-calling routes")
	fs.StringVar(&cfg.DBPath, "db-path", defaultDBPath, "path to the SQLite database file")
	fs.IntVar(&cfg.MaxActiveCalls, "max-active-calls", defaultMaxActiveCalls, "maximum concurrent carrier calls")
	fs.IntVar(&cfg.QueueIntervalMS, "queue-interval-ms", defaultQueueIntervalMS, "queue scheduler tick in milliseconds (minimum 5000)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", defaultMaxAttempts, "total call placements per contact sequence")
	fs.StringVar(&cfg.CivilTimezone, "civil-timezone", defaultCivilTimezone, "IANA time zone for wall-clock retry anchors")
	fs.StringVar(&cfg.SourcePhone, "source-phone", "", "E.164 caller id for outbound calls")
	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token (also validates callback signatures)")
	fs.StringVar(&cfg.AgentID, "agent-id", "", "conversational agent id")
	fs.StringVar(&cfg.AgentAPIKey, "agent-api-key", "", "conversational agent API key")
	fs.StringVar(&cfg.AgentBaseURL, "agent-base-url", defaultAgentBaseURL, "conversational agent API base URL")
	fs.StringVar(&cfg.CRMBaseURL, "crm-base-url", "", "CRM API base URL (empty disables CRM integration)")
	fs.StringVar(&cfg.CRMClientID, "crm-client-id", "", "CRM OAuth client id")
	fs.StringVar(&cfg.CRMClientSecret, "crm-client-secret", "", "CRM OAuth client secret")
	fs.StringVar(&cfg.CRMLocationID, "crm-location-id", "", "CRM location (tenant) id for token lookup")
	fs.StringVar(&cfg.NotifyWebhookURL, "notify-webhook-url", "", "chat webhook URL for operational events (empty disables)")
	fs.DurationVar(&cfg.StaleInFlightAfter, "stale-inflight-after", defaultStaleInFlight, "age after which in_flight queue entries are reset to pending at startup")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", defaultRateLimitRPS, "per-IP request rate limit for the enqueue endpoint")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", defaultRateLimitBurst, "per-IP burst size for the enqueue endpoint")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"listen-addr":          envPrefix + "LISTEN_ADDR",
		"public-url":           envPrefix + "PUBLIC_URL",
		"route-prefix":         envPrefix + "ROUTE_PREFIX",
		"db-path":              envPrefix + "DB_PATH",
		"max-active-calls":     envPrefix + "MAX_ACTIVE_CALLS",
		"queue-interval-ms":    envPrefix + "QUEUE_INTERVAL_MS",
		"max-attempts":         envPrefix + "MAX_ATTEMPTS",
		"civil-timezone":       envPrefix + "CIVIL_TIMEZONE",
		"source-phone":         envPrefix + "SOURCE_PHONE",
		"twilio-account-sid":   envPrefix + "TWILIO_ACCOUNT_SID",
		"twilio-auth-token":    envPrefix + "TWILIO_AUTH_TOKEN",
		"agent-id":             envPrefix + "AGENT_ID",
		"agent-api-key":        envPrefix + "AGENT_API_KEY",
		"agent-base-url":       envPrefix + "AGENT_BASE_URL",
		"crm-base-url":         envPrefix + "CRM_BASE_URL",
		"crm-client-id":        envPrefix + "CRM_CLIENT_ID",
		"crm-client-secret":    envPrefix + "CRM_CLIENT_SECRET",
		"crm-location-id":      envPrefix + "CRM_LOCATION_ID",
		"notify-webhook-url":   envPrefix + "NOTIFY_WEBHOOK_URL",
		"stale-inflight-after": envPrefix + "STALE_INFLIGHT_AFTER",
		"rate-limit-rps":       envPrefix + "RATE_LIMIT_RPS",
		"rate-limit-burst":     envPrefix + "RATE_LIMIT_BURST",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "listen-addr":
			cfg.ListenAddr = val
		case "public-url":
			cfg.PublicURL = val
		case "route-prefix":
			cfg.RoutePrefix = val
		case "db-path":
			cfg.DBPath = val
		case "max-active-calls":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxActiveCalls = v
			}
		case "queue-interval-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.QueueIntervalMS = v
			}
		case "max-attempts":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxAttempts = v
			}
		case "civil-timezone":
			cfg.CivilTimezone = val
		case "source-phone":
			cfg.SourcePhone = val
		case "twilio-account-sid":
			cfg.TwilioAccountSID = val
		case "twilio-auth-token":
			cfg.TwilioAuthToken = val
		case "agent-id":
			cfg.AgentID = val
		case "agent-api-key":
			cfg.AgentAPIKey = val
		case "agent-base-url":
			cfg.AgentBaseURL = val
		case "crm-base-url":
			cfg.CRMBaseURL = val
		case "crm-client-id":
			cfg.CRMClientID = val
		case "crm-client-secret":
			cfg.CRMClientSecret = val
		case "crm-location-id":
			cfg.CRMLocationID = val
		case "notify-webhook-url":
			cfg.NotifyWebhookURL = val
		case "stale-inflight-after":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.StaleInFlightAfter = v
			}
		case "rate-limit-rps":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.RateLimitRPS = v
			}
		case "rate-limit-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimitBurst = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.MaxActiveCalls < 1 {
		return fmt.Errorf("max-active-calls must be at least 1, got %d", c.MaxActiveCalls)
	}
	if c.QueueIntervalMS < 1 {
		return fmt.Errorf("queue-interval-ms must be positive, got %d", c.QueueIntervalMS)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 10 {
		return fmt.Errorf("max-attempts must be between 1 and 10, got %d", c.MaxAttempts)
	}
	if _, err := time.LoadLocation(c.CivilTimezone); err != nil {
		return fmt.Errorf("civil-timezone %q: %w", c.CivilTimezone, err)
	}
	if !strings.HasPrefix(c.RoutePrefix, "/") {
		return fmt.Errorf("route-prefix must start with /, got %q", c.RoutePrefix)
	}
	c.RoutePrefix = strings.TrimRight(c.RoutePrefix, "/")
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public-url must be an absolute URL, got %q", c.PublicURL)
		}
		c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	}
	if c.StaleInFlightAfter <= 0 {
		return fmt.Errorf("stale-inflight-after must be positive, got %s", c.StaleInFlightAfter)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate-limit-rps must be positive, got %g", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("rate-limit-burst must be at least 1, got %d", c.RateLimitBurst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// QueueInterval returns the scheduler tick, raised to MinQueueInterval when
// the configured value is shorter.
func (c *Config) QueueInterval() time.Duration {
	d := time.Duration(c.QueueIntervalMS) * time.Millisecond
	if d < MinQueueInterval {
		return MinQueueInterval
	}
	return d
}

// CivilLocation returns the loaded IANA location for wall-clock retry
// anchors. validate() guarantees the zone loads, so errors here only occur
// on a Config built without Load.
func (c *Config) CivilLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.CivilTimezone)
	if err != nil {
		return nil, fmt.Errorf("loading civil timezone: %w", err)
	}
	return loc, nil
}

// CallbackURL joins the public base URL, the route prefix, and the given
// route into an absolute URL for carrier-facing callbacks.
func (c *Config) CallbackURL(route string) string {
	return c.PublicURL + c.RoutePrefix + route
}

// StreamURL returns the WebSocket URL for the carrier media stream, derived
// from the public base URL with the scheme switched to wss/ws.
func (c *Config) StreamURL() string {
	u := c.CallbackURL("/outbound-media-stream")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// CRMEnabled reports whether the CRM integration is configured.
func (c *Config) CRMEnabled() bool {
	return c.CRMBaseURL != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
