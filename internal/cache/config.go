package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	goruntime "runtime"
)

// Config represents cache configuration
type Config struct {
	// In-memory parsed tile cache
	MaxCostMB   int   `json:"maxCostMB"`
	NumCounters int64 `json:"numCounters"`
	TTLMinutes  int   `json:"ttlMinutes"`

	// On-disk raw payload cache for remote sources
	DiskDir        string `json:"diskDir,omitempty"`
	DiskMaxEntries int    `json:"diskMaxEntries"`
	DiskTTLHours   int    `json:"diskTTLHours"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxCostMB:      256,
		NumCounters:    1e6, // ~10x the expected number of cached tiles
		TTLMinutes:     60,
		DiskMaxEntries: 50000,
		DiskTTLHours:   24 * 7,
	}
}

// LoadConfig loads cache configuration from file or returns defaults
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// If config file doesn't exist, return defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, err
	}

	var fileConfig struct {
		Cache *Config `json:"cache"`
	}
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return config, err
	}

	config.Merge(fileConfig.Cache)
	return config, nil
}

// Merge copies every positive field of other over the receiver
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.MaxCostMB > 0 {
		c.MaxCostMB = other.MaxCostMB
	}
	if other.NumCounters > 0 {
		c.NumCounters = other.NumCounters
	}
	if other.TTLMinutes > 0 {
		c.TTLMinutes = other.TTLMinutes
	}
	if other.DiskDir != "" {
		c.DiskDir = other.DiskDir
	}
	if other.DiskMaxEntries > 0 {
		c.DiskMaxEntries = other.DiskMaxEntries
	}
	if other.DiskTTLHours > 0 {
		c.DiskTTLHours = other.DiskTTLHours
	}
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "vector-tiles", "tiles")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "vector-tiles", "cache", "tiles")
	default: // Linux and others
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "vector-tiles", "tiles")
	}
}
