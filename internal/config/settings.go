package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"vector-tiles/internal/cache"
	"vector-tiles/internal/tile"
)

// Source types
const (
	SourceTypeClient = "client"
	SourceTypeRemote = "remote"
)

// SourceConfig describes one tile source
type SourceConfig struct {
	Name    string `json:"name"`
	Type    string `json:"type"`          // "client" or "remote"
	URL     string `json:"url,omitempty"` // remote only, with {z}/{x}/{y}
	// MinZoom and MaxZoom default to the full range when unset
	MinZoom *int `json:"minZoom,omitempty"`
	MaxZoom *int `json:"maxZoom,omitempty"`

	// client only
	GenerateCentroids bool   `json:"generateCentroids,omitempty"`
	LayerName         string `json:"layerName,omitempty"`

	// remote only
	Headers     map[string]string `json:"headers,omitempty"`
	LayerGroups [][]string        `json:"layerGroups,omitempty"`
	RateLimit   bool              `json:"rateLimit,omitempty"`
	DiskCache   bool              `json:"diskCache,omitempty"`
}

// TelemetryConfig configures PostHog event capture. An empty key disables it.
type TelemetryConfig struct {
	PostHogKey  string `json:"posthogKey,omitempty"`
	PostHogHost string `json:"posthogHost,omitempty"`
}

// Settings is the server configuration
type Settings struct {
	ListenAddr string `json:"listenAddr"`

	// Dispatcher
	Workers   int `json:"workers"`
	QueueSize int `json:"queueSize"`

	// Upper bound on tiles queued by one prefetch request
	MaxPrefetchTiles int `json:"maxPrefetchTiles"`

	Sources   []SourceConfig  `json:"sources"`
	Cache     *cache.Config   `json:"cache"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	return &Settings{
		ListenAddr:       ":8080",
		Workers:          8,
		QueueSize:        256,
		MaxPrefetchTiles: 1024,
		Sources:          []SourceConfig{},
		Cache:            cache.DefaultConfig(),
		Telemetry: TelemetryConfig{
			PostHogHost: "https://us.i.posthog.com",
		},
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	if p := os.Getenv("VECTOR_TILES_CONFIG"); p != "" {
		return p
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, _ := os.UserHomeDir()
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "vector-tiles", "settings.json")
}

// LoadSettings loads settings from path, merging missing fields with defaults
func LoadSettings(path string) (*Settings, error) {
	// If file doesn't exist, return defaults
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultSettings()
	if settings.ListenAddr == "" {
		settings.ListenAddr = defaults.ListenAddr
	}
	if settings.Workers <= 0 {
		settings.Workers = defaults.Workers
	}
	if settings.QueueSize <= 0 {
		settings.QueueSize = defaults.QueueSize
	}
	if settings.MaxPrefetchTiles <= 0 {
		settings.MaxPrefetchTiles = defaults.MaxPrefetchTiles
	}
	if settings.Sources == nil {
		settings.Sources = defaults.Sources
	}
	defaults.Cache.Merge(settings.Cache)
	settings.Cache = defaults.Cache
	if settings.Telemetry.PostHogHost == "" {
		settings.Telemetry.PostHogHost = defaults.Telemetry.PostHogHost
	}

	for i := range settings.Sources {
		if err := ValidateSource(&settings.Sources[i]); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
	}
	if err := checkDuplicateNames(settings.Sources); err != nil {
		return nil, err
	}

	return &settings, nil
}

// SaveSettings saves settings to disk
func SaveSettings(path string, settings *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// ValidateSource validates a source configuration
func ValidateSource(source *SourceConfig) error {
	if source.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if strings.ContainsAny(source.Name, "/\\ ") {
		return fmt.Errorf("invalid source name %q", source.Name)
	}

	switch source.Type {
	case SourceTypeClient:
	case SourceTypeRemote:
		if source.URL == "" {
			return fmt.Errorf("source %s: URL is required", source.Name)
		}
		for _, p := range []string{"{z}", "{x}", "{y}"} {
			if !strings.Contains(source.URL, p) {
				return fmt.Errorf("source %s: URL must contain %s", source.Name, p)
			}
		}
	case "":
		return fmt.Errorf("source %s: type is required", source.Name)
	default:
		return fmt.Errorf("invalid source type: %s (must be client or remote)", source.Type)
	}

	minZoom, maxZoom := source.ZoomRange()
	if minZoom < tile.MinZoom || maxZoom > tile.MaxZoom || minZoom > maxZoom {
		return fmt.Errorf("source %s: invalid zoom range %d-%d", source.Name, minZoom, maxZoom)
	}

	return nil
}

// ZoomRange returns the configured zoom levels, filling unset bounds with the supported extremes
func (s SourceConfig) ZoomRange() (minZoom, maxZoom int) {
	return lo.FromPtrOr(s.MinZoom, tile.MinZoom), lo.FromPtrOr(s.MaxZoom, tile.MaxZoom)
}

func checkDuplicateNames(sources []SourceConfig) error {
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name: %s", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
