package config

import (
	"strings"
	"time"

	"joinguard/internal/verification"
)

const (
	EnvTelegramToken = "JOINGUARD_TELEGRAM_TOKEN"

	DefaultChallengeDuration = 5 * time.Minute
	DefaultReconcileSpec     = "@every 1m"
	DefaultPollTimeout       = 10 * time.Second
	DefaultRatePerSec        = 20
	DefaultMetricsAddr       = "127.0.0.1:9464"
	DefaultStoragePath       = "./data/joinguard.db"
)

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Verification VerificationConfig `json:"verification"`
	Metrics      MetricsConfig      `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via JOINGUARD_TELEGRAM_TOKEN.
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec caps outgoing Bot API calls. 0 means default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/joinguard.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// VerificationConfig holds the global fallbacks for chats whose scheme
// leaves a field unset. They are re-read on every disposition, so a reload
// applies without restart.
//
// Defaults (when fields are omitted):
//   - kill_method: "kick"
//   - unban_delay: "0s"
//   - duration: "5m"
//   - reconcile: "@every 1m" (cron spec; "off" disables the periodic pass)
type VerificationConfig struct {
	KillMethod string `json:"kill_method"`
	UnbanDelay string `json:"unban_delay"`
	Duration   string `json:"duration"`
	Reconcile  string `json:"reconcile,omitempty"`
}

// MetricsConfig controls the optional Prometheus endpoint. It is applied
// live on reload. A non-loopback addr requires a token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token   string `json:"token,omitempty"`
}

// Defaults resolves the verification section. Invalid values fall back to
// the built-in defaults; Validate reports them at load time.
func (c *Config) Defaults() verification.Defaults {
	d := verification.Defaults{KillMethod: verification.KillKick, Duration: DefaultChallengeDuration}
	if c == nil {
		return d
	}
	if k, err := verification.ParseKillMethod(c.Verification.KillMethod); err == nil && k != "" {
		d.KillMethod = k
	}
	if v, err := ParseDurationField("verification.unban_delay", c.Verification.UnbanDelay); err == nil {
		d.UnbanDelay = v
	}
	if v, err := ParseDurationOrDefault("verification.duration", c.Verification.Duration, DefaultChallengeDuration); err == nil {
		d.Duration = v
	}
	return d
}

// ReconcileSpec returns the cron spec for the periodic reconcile, or "" when
// it is turned off.
func (c *Config) ReconcileSpec() string {
	if c == nil {
		return DefaultReconcileSpec
	}
	s := strings.TrimSpace(c.Verification.Reconcile)
	switch strings.ToLower(s) {
	case "":
		return DefaultReconcileSpec
	case "off", "none", "disabled":
		return ""
	}
	return s
}
