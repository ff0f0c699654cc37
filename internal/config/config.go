package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Worker contains scheduling and eligibility settings for the archival loop.
type Worker struct {
	IntervalMinutes int    `toml:"interval_minutes"`
	DivisionID      string `toml:"division_id"`
	// WindowDate optionally pins the eligibility window to a fixed UTC day
	// (YYYY-MM-DD) instead of "today". Used for backfills.
	WindowDate string `toml:"window_date"`
}

// Genesys contains credentials for the recording provider.
type Genesys struct {
	ClientID               string `toml:"client_id"`
	ClientSecret           string `toml:"client_secret"`
	Region                 string `toml:"region"`
	ScreenRecordingEnabled bool   `toml:"screen_recording_enabled"`
}

// Paths contains local directory configuration.
type Paths struct {
	RecordingDir string `toml:"recording_dir"`
	TempDir      string `toml:"temp_dir"`
	LogDir       string `toml:"log_dir"`
	DatabasePath string `toml:"database_path"`
}

// FFmpeg contains configuration for the external transcoder used to
// concatenate screen-recording segments.
type FFmpeg struct {
	Binary         string `toml:"binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// SFTP contains the archive endpoint settings.
type SFTP struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	RemoteBasePath string `toml:"remote_base_path"`
}

// Web contains settings for the operator console.
type Web struct {
	Enabled  bool   `toml:"enabled"`
	Bind     string `toml:"bind"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for recpost.
//
// Sections by subsystem:
//   - Worker: cycle interval and division eligibility
//   - Genesys: provider credentials and screen-recording toggle
//   - Paths: staging directories and database location
//   - FFmpeg: segment-merge transcoder
//   - SFTP: archive endpoint
//   - Web: operator console bind and credentials
//   - Logging: log level and format
type Config struct {
	Worker  Worker  `toml:"worker"`
	Genesys Genesys `toml:"genesys"`
	Paths   Paths   `toml:"paths"`
	FFmpeg  FFmpeg  `toml:"ffmpeg"`
	SFTP    SFTP    `toml:"sftp"`
	Web     Web     `toml:"web"`
	Logging Logging `toml:"logging"`
}

// Default returns the built-in configuration values.
func Default() Config {
	return Config{
		Worker: Worker{
			IntervalMinutes: 60,
		},
		Paths: Paths{
			RecordingDir: "~/.local/share/recpost/recordings",
			TempDir:      "~/.local/share/recpost/tmp",
			LogDir:       "~/.local/share/recpost/logs",
			DatabasePath: "~/.local/share/recpost/recpost.db",
		},
		FFmpeg: FFmpeg{
			Binary:         "ffmpeg",
			TimeoutSeconds: 600,
		},
		SFTP: SFTP{
			Port:           22,
			RemoteBasePath: "/",
		},
		Web: Web{
			Bind: "127.0.0.1:8780",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/recpost/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("recpost.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories required for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.RecordingDir,
		c.Paths.TempDir,
		c.Paths.LogDir,
		filepath.Dir(c.Paths.DatabasePath),
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	trimmed := strings.TrimSpace(pathValue)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		trimmed = filepath.Join(home, trimmed[2:])
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", pathValue, err)
	}
	return abs, nil
}
