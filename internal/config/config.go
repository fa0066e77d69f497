// Package config loads the node's YAML configuration file and overlays
// secrets from the process environment, following the same
// godotenv.Load()-then-os.Getenv() pattern the gateway's main.go uses for
// its Twilio and Loki credentials. The nested struct-of-structs shape and
// the human-readable Duration wrapper are grounded on the CLI package's own
// config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration marshals as a human-readable string ("30s", "5m") instead of a
// raw nanosecond count.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: parsing duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

// PoolConfig holds the pool.* options governing batching and cover traffic.
type PoolConfig struct {
	Size     int      `yaml:"size"`
	Rate     int      `yaml:"rate"`
	Interval Duration `yaml:"interval"`
	Outdummy int      `yaml:"outdummy"`
}

// GeneralConfig holds the general.* options.
type GeneralConfig struct {
	Klen          int      `yaml:"klen"`
	Version       string   `yaml:"version"`
	Deny          []string `yaml:"deny"`
	DecodeWorkers int      `yaml:"decode_workers"`
}

// MailConfig holds the mail.* options plus the SMTP credentials, which are
// never written to the YAML file and only ever come from the environment.
type MailConfig struct {
	Server   string `yaml:"server"`
	Address  string `yaml:"address"`
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// KeysConfig holds the keys.* options.
type KeysConfig struct {
	Secring string `yaml:"secring"`
	Pubring string `yaml:"pubring"`
	Pubkey  string `yaml:"pubkey"`
}

// PathsConfig holds the paths.* options.
type PathsConfig struct {
	Maildir string `yaml:"maildir"`
	Pool    string `yaml:"pool"`
}

// LoggingConfig holds the logging.* options.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ReplayConfig holds the replay.* options governing the replay cache.
type ReplayConfig struct {
	Window        Duration `yaml:"window"`
	PruneInterval Duration `yaml:"prune_interval"`
}

// ChunkConfig holds the chunk.* options governing partial-packet reassembly.
type ChunkConfig struct {
	Timeout       Duration `yaml:"timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// StorageConfig holds the backing-store connection strings for the replay
// log and chunk store. They are not YAML keys: since they carry credentials,
// they are loaded from the environment only.
type StorageConfig struct {
	ReplayDSN     string `yaml:"-"`
	ChunkMongoURI string `yaml:"-"`
}

// MetricsConfig holds the optional Prometheus exporter listen address.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LokiConfig holds optional Loki log-forwarding settings, credentials from
// the environment as with the gateway's own Loki client.
type LokiConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// Config is the node's complete, merged configuration.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	General GeneralConfig `yaml:"general"`
	Mail    MailConfig    `yaml:"mail"`
	Keys    KeysConfig    `yaml:"keys"`
	Paths   PathsConfig   `yaml:"paths"`
	Replay  ReplayConfig  `yaml:"replay"`
	Chunk   ChunkConfig   `yaml:"chunk"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	Storage StorageConfig `yaml:"-"`
	Loki    LokiConfig    `yaml:"loki"`
}

// Default returns a Config populated with the node's baseline operating
// parameters, matching the acceptance window and replay horizon chosen for
// internal/timing.DefaultWindow.
func Default() *Config {
	cfg := &Config{}
	cfg.Pool.Size = 3
	cfg.Pool.Rate = 50
	cfg.Pool.Interval = Duration{5 * time.Minute}
	cfg.Pool.Outdummy = 10
	cfg.General.Klen = 2560
	cfg.General.Version = "mixremailer 1.0"
	cfg.General.DecodeWorkers = 4
	cfg.Keys.Secring = "secring.mix"
	cfg.Keys.Pubring = "pubring.mix"
	cfg.Keys.Pubkey = "pubkey.mix"
	cfg.Paths.Maildir = "/var/spool/mixremailer/mail"
	cfg.Paths.Pool = "/var/spool/mixremailer/pool"
	cfg.Replay.Window = Duration{14 * 24 * time.Hour}
	cfg.Replay.PruneInterval = Duration{1 * time.Hour}
	cfg.Chunk.Timeout = Duration{48 * time.Hour}
	cfg.Chunk.SweepInterval = Duration{5 * time.Minute}
	cfg.Logging.Level = "info"
	cfg.Metrics.ListenAddr = ":9110"
	return cfg
}

// Load reads path as YAML over Default(), then overlays environment
// variables for every credential-bearing field. A missing .env file is not
// an error: the environment may already be populated by the process
// supervisor, matching the gateway's own tolerant godotenv.Load() call.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MIX_SMTP_USERNAME"); v != "" {
		c.Mail.Username = v
	}
	if v := os.Getenv("MIX_SMTP_PASSWORD"); v != "" {
		c.Mail.Password = v
	}
	if v := os.Getenv("MIX_REPLAY_DSN"); v != "" {
		c.Storage.ReplayDSN = v
	}
	if v := os.Getenv("MIX_CHUNK_MONGO_URI"); v != "" {
		c.Storage.ChunkMongoURI = v
	}
	if v := os.Getenv("MIX_LOKI_USERNAME"); v != "" {
		c.Loki.Username = v
	}
	if v := os.Getenv("MIX_LOKI_PASSWORD"); v != "" {
		c.Loki.Password = v
	}
}

// Validate checks the fields every component in this node depends on being
// non-empty before wiring starts, so a misconfigured node fails at startup
// rather than on the first packet.
func (c *Config) Validate() error {
	switch {
	case c.Mail.Server == "":
		return fmt.Errorf("config: mail.server is required")
	case c.Keys.Secring == "":
		return fmt.Errorf("config: keys.secring is required")
	case c.Keys.Pubring == "":
		return fmt.Errorf("config: keys.pubring is required")
	case c.Paths.Maildir == "":
		return fmt.Errorf("config: paths.maildir is required")
	case c.Paths.Pool == "":
		return fmt.Errorf("config: paths.pool is required")
	case c.Storage.ReplayDSN == "":
		return fmt.Errorf("config: MIX_REPLAY_DSN is required")
	case c.Storage.ChunkMongoURI == "":
		return fmt.Errorf("config: MIX_CHUNK_MONGO_URI is required")
	}
	return nil
}
