package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when a field is left empty.
const (
	DefaultMaxAgeDays    = 7
	DefaultSweepInterval = time.Hour
	DefaultLockTTL       = 2 * time.Hour
	DefaultLockWait      = 30 * time.Second
	DefaultWorkers       = 2
)

// Config represents the main configuration for keep.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Log        LogConfig        `toml:"log"`
	Store      StoreConfig      `toml:"store"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Staging    StagingConfig    `toml:"staging"`
	Encryption EncryptionConfig `toml:"encryption"`
	Archive    ArchiveConfig    `toml:"archive"`
	Retention  RetentionConfig  `toml:"retention"`
	Lock       LockConfig       `toml:"lock"`
	Jobs       JobsConfig       `toml:"jobs"`
	Resources  []ResourceConfig `toml:"resources"`
}

// LogConfig controls rotation of the log file in LogDir.
type LogConfig struct {
	Level      string `toml:"level"`        // "debug", "info" (default), "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"`  // rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // days to keep rotated files
}

// StoreConfig represents configuration for the archive store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type"` // "filesystem", "memory" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool   `toml:"s3_use_path_style,omitempty"`
}

// CatalogConfig represents configuration for the backup catalog.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CatalogConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for the scratch workspace.
type StagingConfig struct {
	Dir     string `toml:"dir"`
	MaxSize int64  `toml:"max_size"` // max scratch usage in bytes; 0 means unlimited
}

// EncryptionConfig selects the key derivation function and its cost.
// Zero cost fields take the KDF's defaults.
type EncryptionConfig struct {
	KDF            string `toml:"kdf"` // "argon2id" (default) or "scrypt"
	ArgonTime      uint32 `toml:"argon_time,omitempty"`
	ArgonMemoryKiB uint32 `toml:"argon_memory_kib,omitempty"`
	ArgonThreads   uint8  `toml:"argon_threads,omitempty"`
	ScryptLogN     int    `toml:"scrypt_log_n,omitempty"`
}

// ArchiveConfig controls how the plaintext bundle is written.
type ArchiveConfig struct {
	Compression string `toml:"compression"` // "none" (default) or "xz"
}

// RetentionConfig controls automatic deletion of old backups.
type RetentionConfig struct {
	MaxAgeDays    int    `toml:"max_age_days"`
	SweepInterval string `toml:"sweep_interval"` // Go duration, e.g. "1h"
}

// LockConfig controls the system-wide operation lock.
type LockConfig struct {
	Dir  string `toml:"dir"`
	TTL  string `toml:"ttl"`  // expected upper bound on an operation; older leases are reported stale
	Wait string `toml:"wait"` // how long to wait for a busy lock
}

// JobsConfig bounds concurrent background jobs.
type JobsConfig struct {
	Workers int `toml:"workers"`
}

// ResourceConfig declares one piece of application state to back up.
type ResourceConfig struct {
	Name     string   `toml:"name"`
	Kind     string   `toml:"kind"` // "file", "dir" or "sqlite"
	Path     string   `toml:"path"`
	Optional bool     `toml:"optional,omitempty"` // skip with a warning when missing
	Ignore   []string `toml:"ignore,omitempty"`   // dir only
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Store:      StoreConfig{Type: "filesystem", Root: filepath.Join(baseDir, "archives")},
		Catalog:    CatalogConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Staging:    StagingConfig{Dir: filepath.Join(baseDir, "staging")},
		Encryption: EncryptionConfig{KDF: "argon2id"},
		Archive:    ArchiveConfig{Compression: "none"},
		Retention: RetentionConfig{
			MaxAgeDays:    DefaultMaxAgeDays,
			SweepInterval: DefaultSweepInterval.String(),
		},
		Lock: LockConfig{
			Dir:  filepath.Join(baseDir, "lock"),
			TTL:  DefaultLockTTL.String(),
			Wait: DefaultLockWait.String(),
		},
		Jobs: JobsConfig{Workers: DefaultWorkers},
	}
}

// MaxAge returns the retention window.
func (r RetentionConfig) MaxAge() time.Duration {
	days := r.MaxAgeDays
	if days <= 0 {
		days = DefaultMaxAgeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Interval returns how often the scheduled sweep runs.
func (r RetentionConfig) Interval() (time.Duration, error) {
	return parseDuration("retention.sweep_interval", r.SweepInterval, DefaultSweepInterval)
}

// LeaseTTL returns how long a lease is expected to be held.
func (l LockConfig) LeaseTTL() (time.Duration, error) {
	return parseDuration("lock.ttl", l.TTL, DefaultLockTTL)
}

// WaitTimeout returns how long to wait for a busy lock.
func (l LockConfig) WaitTimeout() (time.Duration, error) {
	return parseDuration("lock.wait", l.Wait, DefaultLockWait)
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, raw)
	}
	return d, nil
}

// Validate checks the fields that cannot be caught when components are built.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, r := range c.Resources {
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("resources[%d]: name is required", i))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("resources[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
		switch r.Kind {
		case "file", "dir", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("resources[%d]: unknown kind %q", i, r.Kind))
		}
		if !filepath.IsAbs(r.Path) {
			errs = append(errs, fmt.Errorf("resources[%d]: path must be absolute, got %q", i, r.Path))
		}
		if len(r.Ignore) > 0 && r.Kind != "dir" {
			errs = append(errs, fmt.Errorf("resources[%d]: ignore only applies to dir resources", i))
		}
	}
	switch c.Archive.Compression {
	case "", "none", "xz":
	default:
		errs = append(errs, fmt.Errorf("archive.compression: unknown value %q", c.Archive.Compression))
	}
	if c.Retention.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("retention.max_age_days must not be negative"))
	}
	if _, err := c.Retention.Interval(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Lock.LeaseTTL(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Lock.WaitTimeout(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path. The file may hold
// S3 credentials, so it is created owner-only.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
