package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "@every 30s", cfg.Poll)
	assert.Equal(t, 14, cfg.LookaheadDays)
	assert.Equal(t, 15*time.Minute, cfg.EscalationInterval())
	assert.Equal(t, []string{"klar", "ok", "tack", "fixat", "gjort", "klart"}, cfg.StopWords)
	require.NotNil(t, cfg.ReportInitialConflicts)
	assert.True(t, *cfg.ReportInitialConflicts)
	assert.Equal(t, "common", cfg.Microsoft.Tenant)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	require.NoError(t, cfg.Validate())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
listen: ":9000"
poll: "@every 1m"
escalation_minutes: 5
report_initial_conflicts: false
workday:
  start: "08:00"
  end: "nonsense"
users:
  - id: anna
    url: https://calendar.example.com/anna.ics
    email: anna@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 5*time.Minute, cfg.EscalationInterval())
	assert.False(t, *cfg.ReportInitialConflicts)
	assert.Equal(t, "17:00", cfg.Workday.End)

	start, end, slot := cfg.WorkdayBounds()
	assert.Equal(t, 8*time.Hour, start)
	assert.Equal(t, 17*time.Hour, end)
	assert.Equal(t, time.Hour, slot)

	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "anna", cfg.Users[0].ID)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "secret"}
	cfg.Users = []UserConfig{{ID: "u1", URL: "https://example.com/u1.ics"}}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"bad poll", func(c *Config) { c.Poll = "every now and then" }},
		{"timeout not below period", func(c *Config) { c.FetchTimeoutSeconds = 30 }},
		{"workday inverted", func(c *Config) { c.Workday.Start, c.Workday.End = "17:00", "09:00" }},
		{"user without id", func(c *Config) { c.Users = []UserConfig{{URL: "x"}} }},
		{"duplicate user", func(c *Config) { c.Users = []UserConfig{{ID: "a"}, {ID: "a"}} }},
		{"half basic auth", func(c *Config) { c.BasicAuth = &BasicAuthConfig{Username: "admin"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPollPeriod(t *testing.T) {
	d, err := PollPeriod("@every 45s")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	d, err = PollPeriod("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("GOOGLE_CLIENT_ID=from-dotenv\n"), 0o600))

	t.Setenv(EnvGoogleClientSecret, "from-env")
	t.Setenv(EnvListen, ":7070")
	t.Setenv(EnvMicrosoftTenantID, "contoso")
	t.Setenv(EnvMicrosoftRedirectURI, "https://app.example.com/cb")
	// Registered with t.Setenv so it is restored after the test.
	t.Setenv(EnvGoogleClientID, "")
	require.NoError(t, os.Unsetenv(EnvGoogleClientID))

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), envPath))

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "from-dotenv", cfg.Google.ClientID)
	assert.Equal(t, "from-env", cfg.Google.ClientSecret)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "contoso", cfg.Microsoft.Tenant)
	assert.Equal(t, "https://app.example.com/cb", cfg.Microsoft.RedirectURI)
}
