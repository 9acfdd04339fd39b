package app

import (
	"strings"
	"time"

	"joinguard/internal/config"
	"joinguard/internal/observability/metrics"
	"joinguard/internal/storage"
	telegram "joinguard/internal/transport/telegram/adapter"
	logx "joinguard/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "sqlite", Path: config.DefaultStoragePath, BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && driver != "memory" {
		path = config.DefaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	rps := cfg.Telegram.RatePerSec
	if rps <= 0 {
		rps = config.DefaultRatePerSec
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll, RatePerSec: rps}, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.Config {
	if cfg == nil {
		return metrics.Config{}
	}
	addr := strings.TrimSpace(cfg.Metrics.Addr)
	if addr == "" {
		addr = config.DefaultMetricsAddr
	}
	return metrics.Config{Enabled: cfg.Metrics.Enabled, Addr: addr, Token: strings.TrimSpace(cfg.Metrics.Token)}
}
