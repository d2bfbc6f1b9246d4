package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Environment variable names recognised by the engine.
const (
	EnvBackupMaxCount    = "ARK_BACKUP_MAX_COUNT"
	EnvBackupMaxBytes    = "ARK_BACKUP_MAX_BYTES"
	EnvFakeFreeBytes     = "ARK_BACKUP_FAKE_FREE_BYTES"
	EnvFakeAppData       = "ARK_FAKE_APPDATA"
	EnvTimeShadowRead    = "ARK_TIME_SHADOW_READ"
	EnvSkipBackfillGuard = "ARKLOWDUN_SKIP_BACKFILL_GUARD"
)

// Env is the environment overlay. Unset or malformed values are left zero
// and do not override the file.
type Env struct {
	BackupMaxCount    int
	BackupMaxBytes    int64
	FakeFreeBytes     *uint64
	FakeAppData       string
	ShadowRead        *bool
	SkipBackfillGuard bool
}

// LoadEnv reads the overlay from the process environment.
func LoadEnv() Env {
	v := viper.New()
	v.BindEnv("backup_max_count", EnvBackupMaxCount)
	v.BindEnv("backup_max_bytes", EnvBackupMaxBytes)
	v.BindEnv("fake_free_bytes", EnvFakeFreeBytes)
	v.BindEnv("fake_appdata", EnvFakeAppData)
	v.BindEnv("time_shadow_read", EnvTimeShadowRead)
	v.BindEnv("skip_backfill_guard", EnvSkipBackfillGuard)
	return envFrom(v)
}

func envFrom(v *viper.Viper) Env {
	var env Env

	if n, err := strconv.Atoi(strings.TrimSpace(v.GetString("backup_max_count"))); err == nil && n > 0 {
		env.BackupMaxCount = n
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(v.GetString("backup_max_bytes")), 10, 64); err == nil && n > 0 {
		env.BackupMaxBytes = n
	}
	if n, err := strconv.ParseUint(strings.TrimSpace(v.GetString("fake_free_bytes")), 10, 64); err == nil {
		env.FakeFreeBytes = &n
	}
	env.FakeAppData = strings.TrimSpace(v.GetString("fake_appdata"))

	switch strings.ToLower(strings.TrimSpace(v.GetString("time_shadow_read"))) {
	case "on", "1", "true":
		on := true
		env.ShadowRead = &on
	case "off", "0", "false":
		off := false
		env.ShadowRead = &off
	}

	switch strings.ToLower(strings.TrimSpace(v.GetString("skip_backfill_guard"))) {
	case "1", "true", "yes", "on":
		env.SkipBackfillGuard = true
	}
	return env
}

// Apply overlays the environment onto cfg. Clamping happens in Normalize.
func (e Env) Apply(cfg *Config) {
	if e.BackupMaxCount > 0 {
		cfg.Backup.MaxCount = e.BackupMaxCount
	}
	if e.BackupMaxBytes > 0 {
		cfg.Backup.MaxBytes = e.BackupMaxBytes
	}
	if e.FakeFreeBytes != nil {
		cfg.FakeFreeBytes = e.FakeFreeBytes
	}
	if e.ShadowRead != nil {
		cfg.Time.ShadowRead = *e.ShadowRead
	}
	cfg.SkipBackfillGuard = e.SkipBackfillGuard
}
