package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "fleet.yaml"
	// GlobalConfigDir is the directory for global config.
	GlobalConfigDir = ".config/fleet"
	// GlobalConfigFile is the global config file name.
	GlobalConfigFile = "config.yaml"
	// EnvPrefix is the prefix for environment overrides (FLEET_STORE_PATH...).
	EnvPrefix = "FLEET"
)

// Load reads config from the specified path.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Config file not found",
				"Create fleet.yaml, or specify one with --config")
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read config file",
			"Check the file exists and is valid YAML")
	}

	return parseConfig(v, path)
}

// Find locates the config file using the search order:
// 1. Explicit path (from --config flag)
// 2. fleet.yaml in current directory
// 3. ~/.config/fleet/config.yaml
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithCode(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot determine current directory",
			"Check directory permissions")
	}

	localConfig := filepath.Join(cwd, ConfigFileName)
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	if home, _ := os.UserHomeDir(); home != "" {
		globalConfig := filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
		if _, err := os.Stat(globalConfig); err == nil {
			return globalConfig, nil
		}
	}

	return "", nil
}

// LoadOrDefault loads config from the found path, or returns defaults if not
// found. Environment overrides apply in both cases.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Find(explicit)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	if path == "" {
		cfg, err = parseConfig(newViper(), "")
	} else {
		cfg, err = Load(path)
	}
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// parseConfig converts viper config to our Config struct with defaults merged in.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax in "+path)
	}

	cfg.Store.Path = ExpandTilde(cfg.Store.Path)
	cfg.Transfer.DownloadDir = ExpandTilde(cfg.Transfer.DownloadDir)
	cfg.Transport.KnownHosts = ExpandTilde(cfg.Transport.KnownHosts)
	cfg.Log.File = ExpandTilde(cfg.Log.File)

	return cfg, nil
}

// setDefaults registers every default with viper so AutomaticEnv can
// override keys that never appear in the file.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("secrets.passphrase_env", d.Secrets.PassphraseEnv)
	v.SetDefault("secrets.work_factor", d.Secrets.WorkFactor)
	v.SetDefault("transport.connect_timeout", d.Transport.ConnectTimeout)
	v.SetDefault("transport.attempts", d.Transport.Attempts)
	v.SetDefault("transport.retry_delay", d.Transport.RetryDelay)
	v.SetDefault("transport.keepalive", d.Transport.Keepalive)
	v.SetDefault("transport.term", d.Transport.Term)
	v.SetDefault("transport.strict_host_key", d.Transport.StrictHostKey)
	v.SetDefault("transport.known_hosts", d.Transport.KnownHosts)
	v.SetDefault("transfer.timeout", d.Transfer.Timeout)
	v.SetDefault("transfer.chunk_size", d.Transfer.ChunkSize)
	v.SetDefault("transfer.download_dir", d.Transfer.DownloadDir)
	v.SetDefault("metrics.probe_timeout", d.Metrics.ProbeTimeout)
	v.SetDefault("metrics.nice_prefix", d.Metrics.NicePrefix)
	v.SetDefault("metrics.refresh_schedule", d.Metrics.RefreshSchedule)
	v.SetDefault("runner.workers", d.Runner.Workers)
	v.SetDefault("runner.max_tries", d.Runner.MaxTries)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// ExpandTilde replaces ~ or ~/path with the user's home directory.
// Use this for LOCAL paths only. Remote paths keep ~ for the remote shell.
func ExpandTilde(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}

	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}

	return path
}
