package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("ARK_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("ARK_FAKE_APPDATA", "/custom/ark")

		defaults, err := GetDefaults()
		require.NoError(t, err)

		assert.Equal(t, "/custom/config.toml", defaults["config_path"])
		assert.Equal(t, "/custom/ark", defaults["app_data_dir"])
		assert.Equal(t, filepath.Join("/custom/ark", "logs"), defaults["log_dir"])
	})

	t.Run("config lives in the app data dir", func(t *testing.T) {
		t.Setenv("ARK_CONFIG_PATH", "")
		t.Setenv("ARK_FAKE_APPDATA", "/custom/ark")

		defaults, err := GetDefaults()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/custom/ark", "arklowdun.toml"), defaults["config_path"])
	})

	t.Run("honours XDG_DATA_HOME", func(t *testing.T) {
		t.Setenv("ARK_CONFIG_PATH", "")
		t.Setenv("ARK_FAKE_APPDATA", "")
		t.Setenv("XDG_DATA_HOME", "/xdg/data")

		defaults, err := GetDefaults()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/xdg/data", "arklowdun"), defaults["app_data_dir"])
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("ARK_CONFIG_PATH", "")
		t.Setenv("ARK_FAKE_APPDATA", "")
		t.Setenv("XDG_DATA_HOME", "")

		defaults, err := GetDefaults()
		require.NoError(t, err)

		homeDir, _ := os.UserHomeDir()
		wantBase := filepath.Join(homeDir, ".local", "share", "arklowdun")
		assert.Equal(t, wantBase, defaults["app_data_dir"])
		assert.Equal(t, filepath.Join(wantBase, "arklowdun.toml"), defaults["config_path"])
		assert.Equal(t, filepath.Join(wantBase, "logs"), defaults["log_dir"])
	})
}
