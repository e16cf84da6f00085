// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Session() SessionConfig
	Captcha() CaptchaConfig
	Interaction() InteractionConfig
	Run() RunConfig

	// Run Setters (CLI flags override the file values).
	SetRunDelayBounds(min, max float64)
	SetRunRelationshipAction(bool)
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
// Fields are exported for viper's mapstructure decoding; consumers go through the getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	NetworkCfg     NetworkConfig     `mapstructure:"network" yaml:"network"`
	SessionCfg     SessionConfig     `mapstructure:"session" yaml:"session"`
	CaptchaCfg     CaptchaConfig     `mapstructure:"captcha" yaml:"captcha"`
	InteractionCfg InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	RunCfg         RunConfig         `mapstructure:"run" yaml:"run"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig         { return c.NetworkCfg }
func (c *Config) Session() SessionConfig         { return c.SessionCfg }
func (c *Config) Captcha() CaptchaConfig         { return c.CaptchaCfg }
func (c *Config) Interaction() InteractionConfig { return c.InteractionCfg }
func (c *Config) Run() RunConfig                 { return c.RunCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRunDelayBounds(min, max float64) {
	c.RunCfg.MinDelay = min
	c.RunCfg.MaxDelay = max
}
func (c *Config) SetRunRelationshipAction(b bool) { c.RunCfg.RelationshipAction = b }
func (c *Config) SetBrowserHeadless(b bool)       { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the record store connection details.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	LocalPath      string        `mapstructure:"local_path" yaml:"local_path"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// Passphrase encrypts the local store. Read from COURIER_DATABASE_PASSPHRASE.
	Passphrase string `mapstructure:"passphrase" yaml:"-"`
}

// BrowserConfig holds settings for the automated browser instance.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserDataDir     string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	LaunchTimeout   time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// NetworkConfig tunes page loading.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ScriptTimeout     time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
}

// SessionConfig describes the remote service and how a login is verified.
type SessionConfig struct {
	ServiceURL         string        `mapstructure:"service_url" yaml:"service_url"`
	Domain             string        `mapstructure:"domain" yaml:"domain"`
	Identifier         string        `mapstructure:"identifier" yaml:"identifier"`
	Secret             string        `mapstructure:"secret" yaml:"-"`
	IdentifierSelector string        `mapstructure:"identifier_selector" yaml:"identifier_selector"`
	SecretSelector     string        `mapstructure:"secret_selector" yaml:"secret_selector"`
	LoginPaths         []string      `mapstructure:"login_paths" yaml:"login_paths"`
	Landmarks          []string      `mapstructure:"landmarks" yaml:"landmarks"`
	RestoreSettle      time.Duration `mapstructure:"restore_settle" yaml:"restore_settle"`
	LoginSettle        time.Duration `mapstructure:"login_settle" yaml:"login_settle"`
	FieldTimeout       time.Duration `mapstructure:"field_timeout" yaml:"field_timeout"`
	// InconclusivePolicy decides the outcome when every verification signal errored: "fail" or "succeed".
	InconclusivePolicy string `mapstructure:"inconclusive_policy" yaml:"inconclusive_policy"`
}

// CaptchaConfig configures detection markers and the manual resolution window.
type CaptchaConfig struct {
	LocationMarkers []string      `mapstructure:"location_markers" yaml:"location_markers"`
	ContentMarkers  []string      `mapstructure:"content_markers" yaml:"content_markers"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// InteractionConfig holds the explicit-wait staging and settle intervals.
type InteractionConfig struct {
	EntryTimeout       time.Duration `mapstructure:"entry_timeout" yaml:"entry_timeout"`
	InputTimeout       time.Duration `mapstructure:"input_timeout" yaml:"input_timeout"`
	AlternativeTimeout time.Duration `mapstructure:"alternative_timeout" yaml:"alternative_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ScrollSettle       time.Duration `mapstructure:"scroll_settle" yaml:"scroll_settle"`
	KeystrokeDelay     time.Duration `mapstructure:"keystroke_delay" yaml:"keystroke_delay"`
	PageSettleMin      time.Duration `mapstructure:"page_settle_min" yaml:"page_settle_min"`
	PageSettleMax      time.Duration `mapstructure:"page_settle_max" yaml:"page_settle_max"`
	SurfaceSettleMin   time.Duration `mapstructure:"surface_settle_min" yaml:"surface_settle_min"`
	SurfaceSettleMax   time.Duration `mapstructure:"surface_settle_max" yaml:"surface_settle_max"`
	PostSendWait       time.Duration `mapstructure:"post_send_wait" yaml:"post_send_wait"`
	InputAlternatives  []string      `mapstructure:"input_alternatives" yaml:"input_alternatives"`
	DefaultLocale      string        `mapstructure:"default_locale" yaml:"default_locale"`
}

// RunConfig holds the per-run orchestration settings.
type RunConfig struct {
	// MinDelay and MaxDelay are the inter-target delay bounds in seconds.
	MinDelay           float64 `mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay           float64 `mapstructure:"max_delay" yaml:"max_delay"`
	MaxPerHour         int     `mapstructure:"max_per_hour" yaml:"max_per_hour"`
	RelationshipAction bool    `mapstructure:"relationship_action" yaml:"relationship_action"`
	TargetsFile        string  `mapstructure:"targets_file" yaml:"targets_file"`
	TargetsColumn      string  `mapstructure:"targets_column" yaml:"targets_column"`
	MessageFile        string  `mapstructure:"message_file" yaml:"message_file"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "courier-cli")
	v.SetDefault("logger.log_file", "courier.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Database --
	v.SetDefault("database.local_path", "~/.courier/state.json")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.connect_timeout", "10s")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})

	// -- Network --
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.script_timeout", "20s")

	// -- Session --
	v.SetDefault("session.identifier_selector", "#email")
	v.SetDefault("session.secret_selector", "#pass")
	v.SetDefault("session.login_paths", []string{"login", "authentication"})
	v.SetDefault("session.landmarks", []string{
		"//a[@aria-label='Home']",
		"//div[@aria-label='Your profile']",
		"//div[@aria-label='Menu']",
		"//div[@aria-label='Messenger']",
	})
	v.SetDefault("session.restore_settle", "5s")
	v.SetDefault("session.login_settle", "5s")
	v.SetDefault("session.field_timeout", "10s")
	v.SetDefault("session.inconclusive_policy", PolicyFail)

	// -- Captcha --
	v.SetDefault("captcha.location_markers", []string{"checkpoint", "encrypted_context", "two_step_verification"})
	v.SetDefault("captcha.content_markers", []string{"g-recaptcha", "h-captcha", "arkoselabs"})
	v.SetDefault("captcha.poll_interval", "1s")
	v.SetDefault("captcha.timeout", "5m")

	// -- Interaction --
	v.SetDefault("interaction.entry_timeout", "7s")
	v.SetDefault("interaction.input_timeout", "7s")
	v.SetDefault("interaction.alternative_timeout", "2s")
	v.SetDefault("interaction.poll_interval", "250ms")
	v.SetDefault("interaction.scroll_settle", "500ms")
	v.SetDefault("interaction.keystroke_delay", "100ms")
	v.SetDefault("interaction.page_settle_min", "2s")
	v.SetDefault("interaction.page_settle_max", "4s")
	v.SetDefault("interaction.surface_settle_min", "2s")
	v.SetDefault("interaction.surface_settle_max", "3s")
	v.SetDefault("interaction.post_send_wait", "2s")
	v.SetDefault("interaction.input_alternatives", DefaultInputAlternatives)
	v.SetDefault("interaction.default_locale", "en")

	// -- Run --
	v.SetDefault("run.min_delay", DefaultMinDelay)
	v.SetDefault("run.max_delay", DefaultMaxDelay)
	v.SetDefault("run.max_per_hour", 0)
	v.SetDefault("run.relationship_action", false)
	v.SetDefault("run.targets_column", "Profile Link")
}

// Inconclusive verification policies.
const (
	PolicyFail    = "fail"
	PolicySucceed = "succeed"
)

// Default inter-target delay bounds in seconds.
const (
	DefaultMinDelay = 15.0
	DefaultMaxDelay = 30.0
)

// DefaultInputAlternatives are tried, in order, when the locale's input surface
// selector does not become clickable.
var DefaultInputAlternatives = []string{
	"//div[@role='textbox' and @contenteditable='true']",
	"//div[@role='textbox' and @spellcheck='true']",
	"//div[@contenteditable='true' and @spellcheck='true']",
	"//div[@aria-label='שליחת הודעה' and @role='textbox']",
	"//div[@aria-label='Message' and @role='textbox']",
}

// NewConfigFromViper creates a new configuration instance from a viper object
// and validates it.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load decodes the configuration without validating it. Maintenance commands
// that never reach the remote service use it directly.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("session.secret", "COURIER_SESSION_SECRET")
	v.BindEnv("database.url", "COURIER_DATABASE_URL")
	v.BindEnv("database.passphrase", "COURIER_DATABASE_PASSPHRASE")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the secret if Unmarshal didn't pick it up
	if cfg.SessionCfg.Secret == "" {
		cfg.SessionCfg.Secret = os.Getenv("COURIER_SESSION_SECRET")
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// Delay bounds are deliberately not checked here; the orchestrator replaces bad bounds with defaults.
func (c *Config) Validate() error {
	if c.SessionCfg.ServiceURL == "" {
		return fmt.Errorf("session.service_url is a required configuration field")
	}
	if c.SessionCfg.Domain == "" {
		u, err := url.Parse(c.SessionCfg.ServiceURL)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("session.domain is required when it cannot be derived from session.service_url")
		}
		c.SessionCfg.Domain = strings.TrimPrefix(u.Hostname(), "www.")
	}
	switch c.SessionCfg.InconclusivePolicy {
	case PolicyFail, PolicySucceed:
	default:
		return fmt.Errorf("session.inconclusive_policy must be %q or %q", PolicyFail, PolicySucceed)
	}
	if err := c.CaptchaCfg.Validate(); err != nil {
		return fmt.Errorf("captcha configuration invalid: %w", err)
	}
	if c.RunCfg.MaxPerHour < 0 {
		return fmt.Errorf("run.max_per_hour must not be negative")
	}
	return nil
}

// Validate checks the CaptchaConfig settings.
func (cc *CaptchaConfig) Validate() error {
	if cc.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if cc.Timeout < cc.PollInterval {
		return fmt.Errorf("timeout must be at least one poll_interval")
	}
	return nil
}
