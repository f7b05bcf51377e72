package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the config for errors and returns structured error messages.
func Validate(cfg *Config) error {
	if cfg.Version > CurrentConfigVersion {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("This config is from the future (version %d, but fleet only knows up to %d)", cfg.Version, CurrentConfigVersion),
			"Upgrade fleet to a newer release.")
	}

	if strings.TrimSpace(cfg.Store.Path) == "" {
		return errors.New(errors.ErrConfig,
			"store.path is empty",
			"Set store.path to a writable SQLite file location.")
	}

	if err := validateTransport(cfg.Transport); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'transport' section in fleet.yaml.")
	}

	if err := validateTransfer(cfg.Transfer); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'transfer' section in fleet.yaml.")
	}

	if cfg.Metrics.ProbeTimeout <= 0 {
		return errors.New(errors.ErrConfig,
			"metrics.probe_timeout must be positive",
			"Use a duration like 10s.")
	}

	if cfg.Runner.Workers < 1 || cfg.Runner.MaxTries < 1 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("runner.workers (%d) and runner.max_tries (%d) must be at least 1", cfg.Runner.Workers, cfg.Runner.MaxTries),
			"Check the 'runner' section in fleet.yaml.")
	}

	if cfg.Server.RateLimit < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("server.rate_limit (%g) can't be negative", cfg.Server.RateLimit),
			"Use 0 to turn rate limiting off.")
	}

	if cfg.Log.Level != "" && !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Unknown log level '%s'", cfg.Log.Level),
			"Use one of: debug, info, warn, error.")
	}

	return nil
}

func validateTransport(t TransportConfig) error {
	if t.Attempts < 1 {
		return fmt.Errorf("transport.attempts must be at least 1, got %d", t.Attempts)
	}
	if t.ConnectTimeout <= 0 {
		return fmt.Errorf("transport.connect_timeout must be positive, got %s", t.ConnectTimeout)
	}
	if t.RetryDelay < 0 {
		return fmt.Errorf("transport.retry_delay can't be negative, got %s", t.RetryDelay)
	}
	if t.Keepalive != 0 && t.Keepalive < time.Second {
		return fmt.Errorf("transport.keepalive below 1s would flood the connection, got %s", t.Keepalive)
	}
	if t.StrictHostKey && t.KnownHosts == "" {
		return fmt.Errorf("transport.known_hosts is required when strict_host_key is on")
	}
	return nil
}

func validateTransfer(t TransferConfig) error {
	if t.Timeout <= 0 {
		return fmt.Errorf("transfer.timeout must be positive, got %s", t.Timeout)
	}
	if t.ChunkSize < 1024 {
		return fmt.Errorf("transfer.chunk_size must be at least 1024 bytes, got %d", t.ChunkSize)
	}
	return nil
}
