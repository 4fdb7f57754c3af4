package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolvePath returns the settings file path this process would load:
// $XDG_CONFIG_HOME/buswatch/settings.yaml, falling back to
// $HOME/.config/buswatch/settings.yaml. It is an error only when neither
// XDG_CONFIG_HOME nor HOME is set; the returned path need not exist yet.
func ResolvePath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "buswatch", "settings.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", fmt.Errorf("resolve settings path: neither XDG_CONFIG_HOME nor HOME is set")
	}
	return filepath.Join(home, ".config", "buswatch", "settings.yaml"), nil
}
