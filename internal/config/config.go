// Package config loads the service configuration from an optional YAML file
// and LTTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/gemini-hlsw/lch-sub000/internal/ephemeris"
)

// Config is the full service configuration.
type Config struct {
	Environment string `mapstructure:"environment"`

	HTTP         HTTPConfig         `mapstructure:"http"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Site         SiteConfig         `mapstructure:"site"`
	Night        NightConfig        `mapstructure:"night"`
	Plan         PlanConfig         `mapstructure:"plan"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Alarm        AlarmConfig        `mapstructure:"alarm"`
	TCS          TCSConfig          `mapstructure:"tcs"`
	Collision    CollisionConfig    `mapstructure:"collision"`
	Events       EventsConfig       `mapstructure:"events"`
	Stream       StreamConfig       `mapstructure:"stream"`
}

type HTTPConfig struct {
	Addr       string `mapstructure:"addr"`
	TrustProxy bool   `mapstructure:"trust_proxy"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// SiteConfig locates the observatory.
type SiteConfig struct {
	Name     string  `mapstructure:"name"`
	LatDeg   float64 `mapstructure:"lat_deg"`
	LonDeg   float64 `mapstructure:"lon_deg"`
	AltM     float64 `mapstructure:"alt_m"`
	Timezone string  `mapstructure:"timezone"`
}

// NightConfig controls night bounds, refresh and the on-disk archive.
type NightConfig struct {
	Twilight        string        `mapstructure:"twilight"`
	TestNight       bool          `mapstructure:"test_night"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ArchiveDir      string        `mapstructure:"archive_dir"`
	ArchiveMaxFiles int           `mapstructure:"archive_max_files"`
}

// PlanConfig selects the plan source: URL if set, else File.
type PlanConfig struct {
	URL     string        `mapstructure:"url"`
	File    string        `mapstructure:"file"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReconcileConfig struct {
	EpsilonDeg    float64 `mapstructure:"epsilon_deg"`
	MaxRecycleDeg float64 `mapstructure:"max_recycle_deg"`
	GroupDeg      float64 `mapstructure:"group_deg"`
}

type ConfirmationConfig struct {
	MatchDeg float64 `mapstructure:"match_deg"`
}

// AlarmConfig holds the safety parameters and task cadences.
type AlarmConfig struct {
	ErrorConeDeg      float64       `mapstructure:"error_cone_deg"`
	BufferBefore      time.Duration `mapstructure:"buffer_before"`
	BufferAfter       time.Duration `mapstructure:"buffer_after"`
	SettleTime        time.Duration `mapstructure:"settle_time"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	ClearInterval     time.Duration `mapstructure:"clear_interval"`
	DecisionInterval  time.Duration `mapstructure:"decision_interval"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// TCSConfig configures the telescope-control channel. Backend is "redis" or
// "memory".
type TCSConfig struct {
	Backend          string        `mapstructure:"backend"`
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	WatchdogSilence  time.Duration `mapstructure:"watchdog_silence"`
}

// CollisionConfig configures the collision feed. An empty URL disables it.
type CollisionConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

// EventsConfig configures transition publishing. An empty NATSURL disables
// it.
type EventsConfig struct {
	NATSURL        string        `mapstructure:"nats_url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ClientName     string        `mapstructure:"client_name"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type StreamConfig struct {
	MaxConcurrentPerIP int           `mapstructure:"max_concurrent_per_ip"`
	Interval           time.Duration `mapstructure:"interval"`
	KeepaliveInterval  time.Duration `mapstructure:"keepalive_interval"`
}

// Production reports whether the service runs in a production deployment.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// SiteSpec resolves the site, including its time zone.
func (c *Config) SiteSpec() (ephemeris.Site, error) {
	return ephemeris.NewSite(c.Site.Name, c.Site.LatDeg, c.Site.LonDeg, c.Site.AltM, c.Site.Timezone)
}

// TwilightSpec parses the configured twilight.
func (c *Config) TwilightSpec() (ephemeris.Twilight, error) {
	return ephemeris.ParseTwilight(c.Night.Twilight)
}

// Load reads the configuration. path names an explicit file; when empty,
// ltts.yaml is looked up in /etc/ltts, ./configs and the working directory
// and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ltts")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ltts/")
		v.AddConfigPath("./configs/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LTTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so that environment overrides apply to
// keys missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trust_proxy", false)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token", "")

	// Gemini North, Maunakea.
	v.SetDefault("site.name", "GN")
	v.SetDefault("site.lat_deg", 19.8238)
	v.SetDefault("site.lon_deg", -155.469)
	v.SetDefault("site.alt_m", 4213.0)
	v.SetDefault("site.timezone", "Pacific/Honolulu")

	v.SetDefault("night.twilight", "nautical")
	v.SetDefault("night.test_night", false)
	v.SetDefault("night.refresh_interval", time.Minute)
	v.SetDefault("night.archive_dir", "/tmp/ltts/nights")
	v.SetDefault("night.archive_max_files", 5)

	v.SetDefault("plan.url", "")
	v.SetDefault("plan.file", "")
	v.SetDefault("plan.timeout", 10*time.Second)

	v.SetDefault("reconcile.epsilon_deg", 1e-4)
	v.SetDefault("reconcile.max_recycle_deg", 0.01)
	v.SetDefault("reconcile.group_deg", 0.005)

	v.SetDefault("confirmation.match_deg", 0.001)

	v.SetDefault("alarm.error_cone_deg", 0.05)
	v.SetDefault("alarm.buffer_before", 30*time.Second)
	v.SetDefault("alarm.buffer_after", 30*time.Second)
	v.SetDefault("alarm.settle_time", 2*time.Second)
	v.SetDefault("alarm.command_timeout", time.Second)
	v.SetDefault("alarm.snapshot_interval", 500*time.Millisecond)
	v.SetDefault("alarm.clear_interval", 100*time.Millisecond)
	v.SetDefault("alarm.decision_interval", 200*time.Millisecond)
	v.SetDefault("alarm.retry_interval", 500*time.Millisecond)
	v.SetDefault("alarm.heartbeat_interval", time.Second)

	v.SetDefault("tcs.backend", "redis")
	v.SetDefault("tcs.addr", "localhost:6379")
	v.SetDefault("tcs.password", "")
	v.SetDefault("tcs.db", 0)
	v.SetDefault("tcs.dial_timeout", 2*time.Second)
	v.SetDefault("tcs.read_timeout", 500*time.Millisecond)
	v.SetDefault("tcs.write_timeout", 500*time.Millisecond)
	v.SetDefault("tcs.poll_interval", 100*time.Millisecond)
	v.SetDefault("tcs.poll_timeout", 500*time.Millisecond)
	v.SetDefault("tcs.watchdog_interval", 30*time.Second)
	v.SetDefault("tcs.watchdog_silence", 3*time.Minute)

	v.SetDefault("collision.url", "")
	v.SetDefault("collision.timeout", 5*time.Second)
	v.SetDefault("collision.interval", 2*time.Second)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "ltts")
	v.SetDefault("events.client_name", "ltts")
	v.SetDefault("events.reconnect_wait", 2*time.Second)
	v.SetDefault("events.max_reconnects", -1)
	v.SetDefault("events.connect_timeout", 5*time.Second)

	v.SetDefault("stream.max_concurrent_per_ip", 10)
	v.SetDefault("stream.interval", time.Second)
	v.SetDefault("stream.keepalive_interval", 30*time.Second)
}

// Validate checks values that would make the service unsafe or unable to
// start. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Enabled && c.Auth.Token == "" {
		errs = append(errs, errors.New("auth.token is required when auth is enabled"))
	}
	if _, err := c.SiteSpec(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TwilightSpec(); err != nil {
		errs = append(errs, err)
	}
	if c.Alarm.ErrorConeDeg <= 0 {
		errs = append(errs, fmt.Errorf("alarm.error_cone_deg must be positive, got %g", c.Alarm.ErrorConeDeg))
	}
	if c.Alarm.BufferBefore < 0 || c.Alarm.BufferAfter < 0 {
		errs = append(errs, errors.New("alarm buffers must not be negative"))
	}
	if c.Reconcile.MaxRecycleDeg < 0 || c.Reconcile.GroupDeg < 0 || c.Confirmation.MatchDeg <= 0 {
		errs = append(errs, errors.New("matching tolerances must not be negative, confirmation.match_deg must be positive"))
	}
	switch c.TCS.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("tcs.backend must be redis or memory, got %q", c.TCS.Backend))
	}
	if c.TCS.Backend == "memory" && c.Production() {
		errs = append(errs, errors.New("tcs.backend memory is not allowed in production"))
	}
	for name, d := range map[string]time.Duration{
		"night.refresh_interval":   c.Night.RefreshInterval,
		"alarm.snapshot_interval":  c.Alarm.SnapshotInterval,
		"alarm.clear_interval":     c.Alarm.ClearInterval,
		"alarm.decision_interval":  c.Alarm.DecisionInterval,
		"alarm.retry_interval":     c.Alarm.RetryInterval,
		"alarm.heartbeat_interval": c.Alarm.HeartbeatInterval,
		"tcs.poll_interval":        c.TCS.PollInterval,
		"collision.interval":       c.Collision.Interval,
		"stream.interval":          c.Stream.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// LogSummary logs one line per section. Secrets are not logged.
func (c *Config) LogSummary(logger *slog.Logger) {
	logger.Info("service config",
		"environment", c.Environment,
		"http_addr", c.HTTP.Addr,
		"auth_enabled", c.Auth.Enabled,
	)
	logger.Info("site config",
		"site", c.Site.Name,
		"lat_deg", c.Site.LatDeg,
		"lon_deg", c.Site.LonDeg,
		"timezone", c.Site.Timezone,
	)
	logger.Info("night config",
		"twilight", c.Night.Twilight,
		"test_night", c.Night.TestNight,
		"refresh_interval_seconds", c.Night.RefreshInterval.Seconds(),
		"archive_dir", c.Night.ArchiveDir,
		"plan_url", c.Plan.URL,
		"plan_file", c.Plan.File,
	)
	logger.Info("alarm config",
		"error_cone_deg", c.Alarm.ErrorConeDeg,
		"buffer_before_seconds", c.Alarm.BufferBefore.Seconds(),
		"buffer_after_seconds", c.Alarm.BufferAfter.Seconds(),
		"settle_time_seconds", c.Alarm.SettleTime.Seconds(),
	)
	logger.Info("tcs config",
		"backend", c.TCS.Backend,
		"addr", c.TCS.Addr,
		"poll_interval_ms", c.TCS.PollInterval.Milliseconds(),
		"watchdog_silence_seconds", c.TCS.WatchdogSilence.Seconds(),
	)
	logger.Info("feeds config",
		"collision_url", c.Collision.URL,
		"nats_url", c.Events.NATSURL,
	)
}
