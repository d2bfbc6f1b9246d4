package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Size constants used by the backup limits.
const (
	MB = int64(1024 * 1024)
	GB = 1024 * MB

	DefaultBackupMaxCount = 5
	MaxBackupMaxCount     = 20
	DefaultBackupMaxBytes = 2 * GB
	MinBackupMaxBytes     = 50 * MB
	MaxBackupMaxBytes     = 20 * GB
)

// Config represents the engine configuration stored in arklowdun.toml.
type Config struct {
	AppDataDir string           `toml:"app_data_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Backup     BackupConfig     `toml:"backup"`
	Vault      VaultConfig      `toml:"vault"`
	FilesIndex FilesIndexConfig `toml:"files_index"`
	Import     ImportConfig     `toml:"import"`
	Export     ExportConfig     `toml:"export"`
	Reports    ReportsConfig    `toml:"reports"`
	Time       TimeConfig       `toml:"time"`

	// Runtime-only settings taken from the environment; never written to disk.
	FakeFreeBytes     *uint64 `toml:"-"`
	SkipBackfillGuard bool    `toml:"-"`
}

// DatabaseConfig holds the expected storage parameters of the live store.
type DatabaseConfig struct {
	JournalMode   string `toml:"journal_mode"` // expected journal mode, "wal" by default
	PageSize      int    `toml:"page_size"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// BackupConfig holds backup retention limits.
type BackupConfig struct {
	MaxCount int   `toml:"max_count"`
	MaxBytes int64 `toml:"max_bytes"`
}

// VaultConfig locates the attachment vault. An empty root means <app_data>/attachments.
type VaultConfig struct {
	Root string `toml:"root,omitempty"`
}

// FilesIndexConfig tunes the files indexer.
type FilesIndexConfig struct {
	Ignore   []string `toml:"ignore"`
	MaxDepth int      `toml:"max_depth"`
}

// ImportConfig tunes bundle imports.
type ImportConfig struct {
	MinimumAppVersion         string `toml:"minimum_app_version"`
	ClearAttachmentsOnReplace bool   `toml:"clear_attachments_on_replace"`
}

// ExportConfig tunes bundle exports.
type ExportConfig struct {
	IncludeDomainTables bool `toml:"include_domain_tables"`
}

// ReportsConfig tunes ops report retention.
type ReportsConfig struct {
	Retention int `toml:"retention"`
}

// TimeConfig holds time-handling switches.
type TimeConfig struct {
	ShadowRead bool `toml:"shadow_read"`
}

// NewConfig creates a Config rooted at appDataDir with default settings.
func NewConfig(appDataDir string) *Config {
	return &Config{
		AppDataDir: appDataDir,
		LogDir:     filepath.Join(appDataDir, "logs"),
		Database: DatabaseConfig{
			JournalMode:   "wal",
			PageSize:      4096,
			BusyTimeoutMS: 5000,
		},
		Backup: BackupConfig{
			MaxCount: DefaultBackupMaxCount,
			MaxBytes: DefaultBackupMaxBytes,
		},
		FilesIndex: FilesIndexConfig{MaxDepth: 16},
		Import: ImportConfig{
			MinimumAppVersion:         "0.1.0",
			ClearAttachmentsOnReplace: true,
		},
		Export:  ExportConfig{IncludeDomainTables: true},
		Reports: ReportsConfig{Retention: 50},
	}
}

// DBPath returns the path of the live store.
func (c *Config) DBPath() string {
	return filepath.Join(c.AppDataDir, "arklowdun.sqlite3")
}

// BackupsDir returns the directory holding backups and repair snapshots.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.AppDataDir, "backups")
}

// VaultRoot returns the attachment vault root.
func (c *Config) VaultRoot() string {
	if c.Vault.Root != "" {
		return c.Vault.Root
	}
	return filepath.Join(c.AppDataDir, "attachments")
}

// ReportsDir returns the ops report root.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.AppDataDir, "reports")
}

// Normalize fills zero values with defaults and clamps the backup limits.
func (c *Config) Normalize() {
	d := NewConfig(c.AppDataDir)
	if c.LogDir == "" {
		c.LogDir = d.LogDir
	}
	if c.Database.JournalMode == "" {
		c.Database.JournalMode = d.Database.JournalMode
	}
	if c.Database.PageSize <= 0 {
		c.Database.PageSize = d.Database.PageSize
	}
	if c.Database.BusyTimeoutMS <= 0 {
		c.Database.BusyTimeoutMS = d.Database.BusyTimeoutMS
	}
	if c.FilesIndex.MaxDepth <= 0 {
		c.FilesIndex.MaxDepth = d.FilesIndex.MaxDepth
	}
	if c.Import.MinimumAppVersion == "" {
		c.Import.MinimumAppVersion = d.Import.MinimumAppVersion
	}
	if c.Reports.Retention <= 0 {
		c.Reports.Retention = d.Reports.Retention
	}
	c.Backup.MaxCount = ClampBackupCount(c.Backup.MaxCount)
	c.Backup.MaxBytes = ClampBackupBytes(c.Backup.MaxBytes)
}

// ClampBackupCount maps a configured count into (0, 20], defaulting to 5.
func ClampBackupCount(n int) int {
	switch {
	case n <= 0:
		return DefaultBackupMaxCount
	case n > MaxBackupMaxCount:
		return MaxBackupMaxCount
	}
	return n
}

// ClampBackupBytes maps a configured byte budget into [50 MB, 20 GB], defaulting to 2 GB.
func ClampBackupBytes(n int64) int64 {
	switch {
	case n <= 0:
		return DefaultBackupMaxBytes
	case n < MinBackupMaxBytes:
		return MinBackupMaxBytes
	case n > MaxBackupMaxBytes:
		return MaxBackupMaxBytes
	}
	return n
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

// Load reads the config file at path when it exists, falls back to defaults
// rooted at appDataDir otherwise, overlays env and normalises the result.
func Load(path, appDataDir string, env Env) (*Config, error) {
	cfg, err := ReadFromFile(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		cfg = NewConfig(appDataDir)
	default:
		return nil, err
	}
	if cfg.AppDataDir == "" {
		cfg.AppDataDir = appDataDir
	}
	env.Apply(cfg)
	cfg.Normalize()
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
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
