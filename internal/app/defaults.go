package app

import (
	"fmt"
	"os"
	"path/filepath"

	"arklowdun/internal/config"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "ARK_CONFIG_PATH"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - ARK_FAKE_APPDATA: app data directory (default: ~/.local/share/arklowdun)
//   - ARK_CONFIG_PATH: config file location (default: <app data>/arklowdun.toml)
func GetDefaults() (map[string]string, error) {
	appDataDir, err := getAppDataDir()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join(appDataDir, "arklowdun.toml")
	}

	return map[string]string{
		"config_path":  configPath,
		"app_data_dir": appDataDir,
		"log_dir":      filepath.Join(appDataDir, "logs"),
	}, nil
}

// getAppDataDir checks ARK_FAKE_APPDATA first, then falls back to the XDG
// default ~/.local/share/arklowdun.
func getAppDataDir() (string, error) {
	if path := os.Getenv(config.EnvFakeAppData); path != "" {
		return path, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "arklowdun"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "arklowdun"), nil
}
