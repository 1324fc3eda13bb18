package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/cache"
	"vector-tiles/internal/config"
	"vector-tiles/internal/handlers/tileserver"
	"vector-tiles/internal/ratelimit"
	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/telemetry"
	"vector-tiles/internal/tilemanager"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App wires settings, caches, sources and the tile server together
type App struct {
	settings     *config.Settings
	settingsPath string
	devMode      bool

	dispatcher *taskqueue.Dispatcher
	manager    *tilemanager.Manager
	tileCache  *cache.TileCache
	diskCache  *cache.PersistentTileCache
	limiter    *ratelimit.Handler
	tracker    telemetry.Tracker
	server     *tileserver.Server
}

// NewApp loads settings from settingsPath and builds every component
func NewApp(settingsPath string, devMode bool) (*App, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	log.Printf("[App] Settings loaded from: %s", settingsPath)

	a := &App{
		settings:     settings,
		settingsPath: settingsPath,
		devMode:      devMode,
	}

	key, host := settings.Telemetry.PostHogKey, settings.Telemetry.PostHogHost
	if key == "" {
		key, host = PostHogKey, PostHogHost
	}
	a.tracker = telemetry.New(key, host)

	a.tileCache, err = cache.NewTileCache(settings.Cache)
	if err != nil {
		log.Printf("[App] Failed to initialize tile cache: %v", err)
		a.tileCache = nil // Continue without cache
	} else {
		log.Printf("[App] Tile cache initialized (max %d MB)", settings.Cache.MaxCostMB)
	}

	if needsDiskCache(settings.Sources) {
		dir := settings.Cache.DiskDir
		if dir == "" {
			dir = cache.GetCacheDir()
		}
		ttl := time.Duration(settings.Cache.DiskTTLHours) * time.Hour
		a.diskCache, err = cache.NewPersistentTileCache(dir, settings.Cache.DiskMaxEntries, ttl)
		if err != nil {
			log.Printf("[App] Failed to initialize disk cache: %v", err)
			a.diskCache = nil
		} else {
			log.Printf("[App] Disk cache initialized at %s", dir)
		}
	}

	a.limiter = a.newRateLimitHandler()

	a.dispatcher = taskqueue.NewDispatcher(settings.Workers, settings.QueueSize)
	a.manager = tilemanager.New(a.dispatcher, tilemanager.Options{
		Cache:            a.tileCache,
		Tracker:          a.tracker,
		MaxPrefetchTiles: settings.MaxPrefetchTiles,
	})

	if err := a.registerSources(); err != nil {
		a.Shutdown(context.Background())
		return nil, err
	}

	a.server = tileserver.NewServer(a.manager, devMode)
	return a, nil
}

// startup starts serving tiles
func (a *App) startup(ctx context.Context) error {
	if err := a.server.Start(a.settings.ListenAddr); err != nil {
		return err
	}

	a.tracker.Track("app_started", map[string]interface{}{
		"version": AppVersion,
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
		"sources": len(a.settings.Sources),
	})
	return nil
}

// Shutdown cleans up resources
func (a *App) Shutdown(ctx context.Context) {
	if a.server != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := a.server.Shutdown(timeout); err != nil {
			log.Printf("[App] Tile server shutdown: %v", err)
		}
	}
	if a.manager != nil {
		a.manager.Close()
	}
	if a.diskCache != nil {
		if err := a.diskCache.Close(); err != nil {
			log.Printf("[App] Failed to persist disk cache index: %v", err)
		}
	}
	if a.tileCache != nil {
		a.tileCache.Close()
	}
	if a.tracker != nil {
		a.tracker.Close()
	}
}

// defaultSettingsPath returns the settings path, creating its directory
func defaultSettingsPath() string {
	path := config.GetSettingsPath()
	os.MkdirAll(filepath.Dir(path), 0755)
	return path
}
