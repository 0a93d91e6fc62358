package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for kerneld state.
// Preference order:
// 1. $XDG_STATE_HOME/kerneld
// 2. ~/.local/state/kerneld
// 3. $XDG_RUNTIME_DIR/kerneld
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "kerneld"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "kerneld"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "kerneld"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kerneld"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// RuntimeDBPath is the default location of the kernel runtime database.
func RuntimeDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "runtimes.db"), nil
}
