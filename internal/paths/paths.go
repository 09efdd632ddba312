// Package paths provides centralized path resolution for Clawdis.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// BaseDir returns the Clawdis state directory (~/.clawdis).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawdis"), nil
}

// DataPath returns a path within the state directory (~/.clawdis/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active clawdis.json path.
// Priority: ./clawdis.json (current dir) > ~/.clawdis/clawdis.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	localPath := "clawdis.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DataPath("clawdis.json")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	// No config found - valid state
	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.clawdis/clawdis.json).
func DefaultConfigPath() (string, error) {
	return DataPath("clawdis.json")
}

// SessionsDir returns the transcript directory (~/.clawdis/sessions).
func SessionsDir() (string, error) {
	return DataPath("sessions")
}

// SessionStorePath returns the session store snapshot path.
func SessionStorePath() (string, error) {
	return DataPath(filepath.Join("sessions", "sessions.json"))
}

// CredentialsDir returns the per-channel credential directory.
func CredentialsDir() (string, error) {
	return DataPath("credentials")
}

// CredentialPath returns a credential file path for a channel,
// e.g. CredentialPath("whatsapp", "pairing") -> credentials/whatsapp-pairing.json.
func CredentialPath(channel, kind string) (string, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.json", channel, kind)), nil
}

// NodesDir returns the node pairing state directory.
func NodesDir() (string, error) {
	return DataPath("nodes")
}

// MediaDir returns the media cache directory.
func MediaDir() (string, error) {
	return DataPath("media")
}

// CronDir returns the cron state directory.
func CronDir() (string, error) {
	return DataPath("cron")
}

// LogDir returns the platform log directory for clawdis-YYYY-MM-DD.log files.
func LogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "clawdis"), nil
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "clawdis"), nil
		}
		return filepath.Join(home, ".local", "state", "clawdis"), nil
	}
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
