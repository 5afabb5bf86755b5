package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/prateek-m/veilchat/internal/protocol"
)

const defaultServerURL = "http://localhost:8000"

// Config is the CLI state persisted between invocations.
type Config struct {
	ServerURL string        `json:"server_url"`
	Token     string        `json:"token,omitempty"`
	Self      protocol.User `json:"self,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{ServerURL: defaultServerURL}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaultServerURL
	}
	return &cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func GetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "veilchat", "config.json"), nil
}

// WebsocketURL derives the hub endpoint from the configured server URL.
func (c *Config) WebsocketURL() string {
	base := c.ServerURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}
