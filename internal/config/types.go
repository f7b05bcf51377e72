package config

import "time"

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Config represents the complete fleet.yaml configuration file.
type Config struct {
	Version   int             `yaml:"version" mapstructure:"version"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Secrets   SecretsConfig   `yaml:"secrets" mapstructure:"secrets"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	Transfer  TransferConfig  `yaml:"transfer" mapstructure:"transfer"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Runner    RunnerConfig    `yaml:"runner" mapstructure:"runner"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig locates the record store.
type StoreConfig struct {
	// Path is the SQLite database file. Supports ~ expansion.
	Path string `yaml:"path" mapstructure:"path"`
}

// SecretsConfig controls how stored credentials are encrypted at rest.
type SecretsConfig struct {
	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env" mapstructure:"passphrase_env"`

	// WorkFactor is the scrypt work factor (log2 N) used when sealing.
	WorkFactor int `yaml:"work_factor" mapstructure:"work_factor"`
}

// TransportConfig controls remote session establishment and reuse.
type TransportConfig struct {
	// ConnectTimeout bounds each individual connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// Attempts is the number of connection attempts per acquire.
	Attempts int `yaml:"attempts" mapstructure:"attempts"`

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`

	// Keepalive is the interval of keepalive requests on shell sessions.
	Keepalive time.Duration `yaml:"keepalive" mapstructure:"keepalive"`

	// Term is the TERM value exported on new shell sessions.
	Term string `yaml:"term" mapstructure:"term"`

	// StrictHostKey verifies host keys against KnownHosts when true.
	StrictHostKey bool   `yaml:"strict_host_key" mapstructure:"strict_host_key"`
	KnownHosts    string `yaml:"known_hosts" mapstructure:"known_hosts"`
}

// TransferConfig controls file uploads and downloads.
type TransferConfig struct {
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ChunkSize   int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	DownloadDir string        `yaml:"download_dir" mapstructure:"download_dir"`
}

// MetricsConfig controls metrics collection and service discovery.
type MetricsConfig struct {
	// ProbeTimeout bounds metrics and control-path commands.
	ProbeTimeout time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`

	// NicePrefix is prepended to every probe to lower its scheduling priority.
	NicePrefix string `yaml:"nice_prefix" mapstructure:"nice_prefix"`

	// RefreshSchedule is a cron spec for the periodic refresh in 'fleet serve'.
	RefreshSchedule string `yaml:"refresh_schedule" mapstructure:"refresh_schedule"`
}

// RunnerConfig controls the background task runner.
type RunnerConfig struct {
	Workers  int `yaml:"workers" mapstructure:"workers"`
	MaxTries int `yaml:"max_tries" mapstructure:"max_tries"`
}

// ServerConfig controls the HTTP surface started by 'fleet serve'.
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
	// RateLimit caps /api requests per second per client address. 0 disables it.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Store: StoreConfig{
			Path: "~/.local/share/fleet/fleet.db",
		},
		Secrets: SecretsConfig{
			PassphraseEnv: "FLEET_SECRET",
			WorkFactor:    15,
		},
		Transport: TransportConfig{
			ConnectTimeout: 10 * time.Second,
			Attempts:       3,
			RetryDelay:     2 * time.Second,
			Keepalive:      30 * time.Second,
			Term:           "xterm",
			StrictHostKey:  false,
			KnownHosts:     "~/.ssh/known_hosts",
		},
		Transfer: TransferConfig{
			Timeout:     2 * time.Hour,
			ChunkSize:   32 * 1024,
			DownloadDir: "~/.local/share/fleet/downloads",
		},
		Metrics: MetricsConfig{
			ProbeTimeout:    10 * time.Second,
			NicePrefix:      "nice -n 19 ionice -c3",
			RefreshSchedule: "@every 5m",
		},
		Runner: RunnerConfig{
			Workers:  4,
			MaxTries: 3,
		},
		Server: ServerConfig{
			Listen:    ":8088",
			RateLimit: 20,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}
