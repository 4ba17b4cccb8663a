package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds client configuration loaded from a JSON file
type Config struct {
	// BackendURL is the base URL of the inference/automation backend
	BackendURL string `json:"backend_url"`
	// WebSocketURL is the streaming endpoint shared by all operations
	WebSocketURL string `json:"websocket_url"`
	// DatabasePath is the SQLite database location
	DatabasePath string `json:"database_path"`

	LogLevel string `json:"log_level"`
	LogPath  string `json:"log_path"`

	// PersonaID selects the assistant persona sent with each turn
	PersonaID string `json:"persona_id"`
	UserID    string `json:"user_id"`
	// VoiceEnabled speaks confirmations and enables spoken replies
	VoiceEnabled bool `json:"voice_enabled"`
	// Flags are feature flags forwarded with every turn
	Flags map[string]bool `json:"flags,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".aika")

	return &Config{
		BackendURL:   "http://localhost:8900",
		WebSocketURL: "ws://localhost:8900/ws",
		DatabasePath: filepath.Join(base, "aika.db"),
		LogLevel:     "info",
		LogPath:      filepath.Join(base, "aika.log"),
		PersonaID:    "default",
	}
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aika", "config.json")
}

// Load reads a config file, filling in defaults for anything unset. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if cfg.BackendURL == "" {
		cfg.BackendURL = defaults.BackendURL
	}
	if cfg.WebSocketURL == "" {
		cfg.WebSocketURL = defaults.WebSocketURL
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaults.DatabasePath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	return cfg, nil
}

// Save writes the config file, creating its directory if needed
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
