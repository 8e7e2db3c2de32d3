package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	// Embedded zone database so Timezone resolves on minimal hosts.
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"remindcal/internal/reminder"
)

// Environment variables that override file values.
const (
	EnvGoogleClientID     = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	EnvListen             = "REMINDCAL_LISTEN"

	EnvMicrosoftClientID     = "MICROSOFT_CLIENT_ID"
	EnvMicrosoftClientSecret = "MICROSOFT_CLIENT_SECRET"
	EnvMicrosoftTenantID     = "MICROSOFT_TENANT_ID"
	EnvMicrosoftRedirectURI  = "MICROSOFT_REDIRECT_URI"
)

// UserConfig is a user whose calendar is an ICS subscription configured up
// front rather than connected at runtime.
type UserConfig struct {
	// ID becomes the user's id in the registry.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// URL is the private ICS feed.
	URL string `yaml:"url" json:"url"`
	// Email is matched against ATTENDEE lines to find the user's response.
	Email string `yaml:"email" json:"email"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// WorkdayConfig bounds free-slot suggestions. Times are "HH:MM".
type WorkdayConfig struct {
	Start       string `yaml:"start" json:"start"`
	End         string `yaml:"end" json:"end"`
	SlotMinutes int    `yaml:"slot_minutes" json:"slot_minutes"`
}

// GoogleConfig holds the OAuth client used to refresh user tokens.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	TokenURL     string `yaml:"token_url" json:"token_url"`
	APIBase      string `yaml:"api_base" json:"api_base"`
}

// MicrosoftConfig holds the Entra ID app used to refresh Graph tokens.
type MicrosoftConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	Tenant       string `yaml:"tenant" json:"tenant"`
	RedirectURI  string `yaml:"redirect_uri" json:"redirect_uri"`
	APIBase      string `yaml:"api_base" json:"api_base"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for all-day events and chat replies.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Poll is a robfig/cron schedule for the calendar watcher.
	Poll string `yaml:"poll" json:"poll"`

	LookaheadDays       int `yaml:"lookahead_days" json:"lookahead_days"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	EscalationMinutes   int `yaml:"escalation_minutes" json:"escalation_minutes"`
	QueueCapacity       int `yaml:"queue_capacity" json:"queue_capacity"`

	// TransientFailureThreshold is how many consecutive failed fetches pass
	// before the user is told their calendar is unavailable.
	TransientFailureThreshold int `yaml:"transient_failure_threshold" json:"transient_failure_threshold"`
	MaxParallelFetches        int `yaml:"max_parallel_fetches" json:"max_parallel_fetches"`

	StopWords []string `yaml:"stop_words" json:"stop_words"`

	// ReportInitialConflicts announces conflicts already present in a user's
	// first snapshot. A pointer so that an explicit false survives Normalize.
	ReportInitialConflicts *bool `yaml:"report_initial_conflicts,omitempty" json:"report_initial_conflicts,omitempty"`

	Workday   WorkdayConfig   `yaml:"workday" json:"workday"`
	Google    GoogleConfig    `yaml:"google" json:"google"`
	Microsoft MicrosoftConfig `yaml:"microsoft" json:"microsoft"`
	Users     []UserConfig    `yaml:"users" json:"users"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing or invalid values with defaults so that
// partially filled configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Stockholm"
	}
	if c.Poll == "" {
		c.Poll = "@every 30s"
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = 14
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 20
	}
	if c.EscalationMinutes <= 0 {
		c.EscalationMinutes = int(reminder.DefaultInterval / time.Minute)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.TransientFailureThreshold <= 0 {
		c.TransientFailureThreshold = 5
	}
	if c.MaxParallelFetches <= 0 {
		c.MaxParallelFetches = 8
	}
	if len(c.StopWords) == 0 {
		c.StopWords = append([]string(nil), reminder.DefaultStopWords...)
	}
	if c.ReportInitialConflicts == nil {
		v := true
		c.ReportInitialConflicts = &v
	}
	if _, err := parseClock(c.Workday.Start); err != nil {
		c.Workday.Start = "09:00"
	}
	if _, err := parseClock(c.Workday.End); err != nil {
		c.Workday.End = "17:00"
	}
	if c.Workday.SlotMinutes <= 0 {
		c.Workday.SlotMinutes = 60
	}
	if c.Google.TokenURL == "" {
		c.Google.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Google.APIBase == "" {
		c.Google.APIBase = "https://www.googleapis.com/calendar/v3"
	}
	if c.Microsoft.Tenant == "" {
		c.Microsoft.Tenant = "common"
	}
	if c.Microsoft.APIBase == "" {
		c.Microsoft.APIBase = "https://graph.microsoft.com/v1.0"
	}
	if c.Users == nil {
		c.Users = []UserConfig{}
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	start, _ := parseClock(c.Workday.Start)
	end, _ := parseClock(c.Workday.End)
	if end <= start {
		return fmt.Errorf("config: workday end %s is not after start %s", c.Workday.End, c.Workday.Start)
	}
	period, err := PollPeriod(c.Poll)
	if err != nil {
		return err
	}
	if c.FetchTimeout() >= period {
		return fmt.Errorf("config: fetch_timeout_seconds (%s) must be shorter than the poll period (%s)", c.FetchTimeout(), period)
	}
	seen := make(map[string]struct{}, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("config: users[%d] has no id", i)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("config: duplicate user id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("config: basic_auth needs both username and password")
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) EscalationInterval() time.Duration {
	return time.Duration(c.EscalationMinutes) * time.Minute
}

func (c *Config) Lookahead() time.Duration {
	return time.Duration(c.LookaheadDays) * 24 * time.Hour
}

// WorkdayBounds returns the workday as offsets from midnight.
func (c *Config) WorkdayBounds() (start, end, slot time.Duration) {
	start, _ = parseClock(c.Workday.Start)
	end, _ = parseClock(c.Workday.End)
	return start, end, time.Duration(c.Workday.SlotMinutes) * time.Minute
}

// PollPeriod parses a cron spec and returns the gap between two runs.
func PollPeriod(spec string) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("config: poll %q: %w", spec, err)
	}
	first := sched.Next(time.Now())
	return sched.Next(first).Sub(first), nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// LoadEnv reads .env style files into the process environment. Missing files
// are ignored; variables already set are not overwritten.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvGoogleClientID); v != "" {
		c.Google.ClientID = v
	}
	if v := os.Getenv(EnvGoogleClientSecret); v != "" {
		c.Google.ClientSecret = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvMicrosoftClientID); v != "" {
		c.Microsoft.ClientID = v
	}
	if v := os.Getenv(EnvMicrosoftClientSecret); v != "" {
		c.Microsoft.ClientSecret = v
	}
	if v := os.Getenv(EnvMicrosoftTenantID); v != "" {
		c.Microsoft.Tenant = v
	}
	if v := os.Getenv(EnvMicrosoftRedirectURI); v != "" {
		c.Microsoft.RedirectURI = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".remindcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
