package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"joinguard/internal/verification"
)

// Validate checks a parsed config. It is used at startup and as the reload
// validator, so a bad edit is rejected instead of half-applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required (or set "+EnvTelegramToken+")"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec: must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := verification.ParseKillMethod(cfg.Verification.KillMethod); err != nil {
		errs = append(errs, fmt.Errorf("verification.kill_method: %w", err))
	}
	if _, err := ParseDurationField("verification.unban_delay", cfg.Verification.UnbanDelay); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("verification.duration", cfg.Verification.Duration); err != nil {
		errs = append(errs, err)
	}
	if spec := cfg.ReconcileSpec(); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("verification.reconcile: %w", err))
		}
	}

	return errors.Join(errs...)
}
