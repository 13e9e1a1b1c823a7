package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"airlift/pkg/utils"

	"github.com/joho/godotenv"
)

// Config holds node settings. Values come from a JSON config file or from
// the environment; a .env file next to the process is honored too.
type Config struct {
	Name         string       `json:"name"`
	DataDir      string       `json:"data_dir"`
	TransferPort int          `json:"transfer_port"`
	ChunkSize    string       `json:"chunk_size,omitempty"`
	KeyFile      string       `json:"key_file,omitempty"`
	ManualPeers  []ManualPeer `json:"manual_peers,omitempty"`
}

// ManualPeer pre-seeds the peer registry when multicast discovery is
// unavailable.
type ManualPeer struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key"`
}

// Default returns the baseline configuration.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Name:         hostname,
		DataDir:      "./data",
		TransferPort: 45780,
	}
}

// Load reads a JSON config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv builds a config from AIRLIFT_* environment variables, after
// loading any local .env file.
func LoadFromEnv() *Config {
	godotenv.Load()

	cfg := Default()
	cfg.Name = getEnv("AIRLIFT_NAME", cfg.Name)
	cfg.DataDir = getEnv("AIRLIFT_DATA_DIR", cfg.DataDir)
	cfg.ChunkSize = getEnv("AIRLIFT_CHUNK_SIZE", cfg.ChunkSize)
	cfg.KeyFile = getEnv("AIRLIFT_KEY_FILE", cfg.KeyFile)

	if port := os.Getenv("AIRLIFT_TRANSFER_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			cfg.TransferPort = v
		}
	}
	return cfg
}

// ChunkSizeBytes parses the configured chunk size, or returns fallback.
func (c *Config) ChunkSizeBytes(fallback int64) (int64, error) {
	if c.ChunkSize == "" {
		return fallback, nil
	}
	size, err := utils.ParseDataSize(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk_size: %w", err)
	}
	return size, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.TransferPort <= 0 || c.TransferPort > 65535 {
		return fmt.Errorf("transfer_port %d out of range", c.TransferPort)
	}
	if _, err := c.ChunkSizeBytes(0); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
