package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"joinguard/internal/verification"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 15s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/test.db
verification:
  kill_method: ban
  unban_delay: 30s
  duration: 2m
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()

	y, err := NewConfigManager(writeFile(t, "c.yaml", sampleYAML)).Parse()
	require.NoError(t, err)

	j, err := NewConfigManager(writeFile(t, "c.json", `{
		"telegram": {"token": "123:abc", "poll_timeout": "15s"},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./data/test.db"},
		"verification": {"kill_method": "ban", "unban_delay": "30s", "duration": "2m"}
	}`)).Parse()
	require.NoError(t, err)
	require.Equal(t, y, j)

	d := y.Defaults()
	require.Equal(t, verification.Defaults{KillMethod: verification.KillBan, UnbanDelay: 30 * time.Second, Duration: 2 * time.Minute}, d)
	require.Equal(t, DefaultReconcileSpec, y.ReconcileSpec())
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	_, err := NewConfigManager(writeFile(t, "c.json", `{"telegram": {"tokn": "x"}}`)).Parse()
	require.ErrorContains(t, err, "unknown field")

	_, err = NewConfigManager(writeFile(t, "c.json", `{} {}`)).Parse()
	require.ErrorContains(t, err, "trailing data")

	_, err = NewConfigManager(writeFile(t, "c.yaml", "telegram: [")).Parse()
	require.Error(t, err)
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "c.json", `{"telegram": {"poll_timeout": "5s"}}`))
	m.getenv = func(k string) string {
		if k == EnvTelegramToken {
			return " env-token "
		}
		return ""
	}
	cfg, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, "env-token", cfg.Telegram.Token)

	// A token in the file wins.
	m = NewConfigManager(writeFile(t, "c.json", `{"telegram": {"token": "file-token"}}`))
	m.getenv = func(string) string { return "env-token" }
	cfg, err = m.Parse()
	require.NoError(t, err)
	require.Equal(t, "file-token", cfg.Telegram.Token)
}

func TestDefaultsFallBack(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	require.Equal(t, verification.Defaults{KillMethod: verification.KillKick, Duration: DefaultChallengeDuration}, nilCfg.Defaults())

	cfg := &Config{Verification: VerificationConfig{KillMethod: "mute", UnbanDelay: "soon", Duration: "0s", Reconcile: "off"}}
	require.Equal(t, verification.Defaults{KillMethod: verification.KillKick, Duration: DefaultChallengeDuration}, cfg.Defaults())
	require.Empty(t, cfg.ReconcileSpec())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "bad poll timeout", mutate: func(c *Config) { c.Telegram.PollTimeout = "x" }, wantErr: "telegram.poll_timeout"},
		{name: "negative rate", mutate: func(c *Config) { c.Telegram.RatePerSec = -1 }, wantErr: "rate_per_sec"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "storage.driver"},
		{name: "bad kill method", mutate: func(c *Config) { c.Verification.KillMethod = "mute" }, wantErr: "verification.kill_method"},
		{name: "negative unban", mutate: func(c *Config) { c.Verification.UnbanDelay = "-1s" }, wantErr: "verification.unban_delay"},
		{name: "bad duration", mutate: func(c *Config) { c.Verification.Duration = "abc" }, wantErr: "verification.duration"},
		{name: "bad cron", mutate: func(c *Config) { c.Verification.Reconcile = "every minute" }, wantErr: "verification.reconcile"},
		{name: "cron off", mutate: func(c *Config) { c.Verification.Reconcile = "off" }},
		{name: "cron standard", mutate: func(c *Config) { c.Verification.Reconcile = "*/5 * * * *" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "c.json", `{"verification": {"kill_method": "mute"}}`))
	m.getenv = func(string) string { return "" }
	m.SetValidator(func(_ context.Context, c *Config) error { return Validate(c) })
	_, err := m.Load()
	require.Error(t, err)
	require.Nil(t, m.Get())
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)

	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
	m.publish(a) // no subscribers, no panic
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.SetValidator(func(_ context.Context, c *Config) error { return Validate(c) })
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid edit is rejected and never published.
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"  kill_method2: x\n"), 0o644))
	time.Sleep(2 * reloadDebounce)

	updated := sampleYAML[:len(sampleYAML)-len("  duration: 2m\n")] + "  duration: 3m\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-ch:
		require.Equal(t, 3*time.Minute, cfg.Defaults().Duration)
		require.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Logging: LoggingConfig{Level: "debug"},
		Verification: VerificationConfig{KillMethod: "ban"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"telegram", "logging", "verification"}, changed)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"telegram"}, RequiresRestart(changed))

	changed, attrs = SummarizeConfigChange(newCfg, newCfg)
	require.Empty(t, changed)
	require.Empty(t, attrs)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " ")
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = ParseDurationField("x", "-2s")
	require.ErrorContains(t, err, ">= 0")

	_, err = ParseDurationField("x", "-5")
	require.ErrorContains(t, err, ">= 0")

	_, err = ParseDurationField("x", "99999999999999")
	require.ErrorContains(t, err, "out of range")

	d, err = ParseDurationField("x", "300")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "0", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)
}

func TestYAMLNumericDurationsAreSeconds(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfigManager(writeFile(t, "c.yml", `
telegram:
  token: "123:abc"
  poll_timeout: 20
storage:
  driver: memory
verification:
  kill_method: ban
  unban_delay: 0
  duration: 90
`)).Parse()
	require.NoError(t, err)
	require.Equal(t, "20", cfg.Telegram.PollTimeout)
	require.Equal(t, verification.Defaults{KillMethod: verification.KillBan, Duration: 90 * time.Second}, cfg.Defaults())

	// Numbers stay numbers outside duration fields.
	cfg, err = NewConfigManager(writeFile(t, "c.yaml", "telegram:\n  token: \"x\"\n  rate_per_sec: 5\n")).Parse()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Telegram.RatePerSec)
}
