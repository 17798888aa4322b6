package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Server holds the endpoints of the conversation backend.
type Server struct {
	// APIURL is the base URL of the paginated history API.
	APIURL string `toml:"api_url"`
	// RealtimeURL is the websocket endpoint of the realtime channel.
	RealtimeURL string `toml:"realtime_url"`
}

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
