package main

import (
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/config"
	"vector-tiles/internal/source"
)

// registerSources creates a tile source for every configured entry
func (a *App) registerSources() error {
	for _, sc := range a.settings.Sources {
		src, err := a.buildSource(sc)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		if err := a.manager.Register(src); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildSource(sc config.SourceConfig) (source.TileSource, error) {
	var zoom *source.ZoomOptions
	if sc.MinZoom != nil || sc.MaxZoom != nil {
		minZoom, maxZoom := sc.ZoomRange()
		zoom = &source.ZoomOptions{MinZoom: minZoom, MaxZoom: maxZoom}
	}

	switch sc.Type {
	case config.SourceTypeClient:
		return source.NewClientTileSource(sc.Name, source.ClientOptions{
			Zoom:              zoom,
			GenerateCentroids: sc.GenerateCentroids,
			LayerName:         sc.LayerName,
		}), nil

	case config.SourceTypeRemote:
		opts := source.RemoteOptions{
			URLTemplate: sc.URL,
			Zoom:        zoom,
			Headers:     sc.Headers,
			LayerGroups: sc.LayerGroups,
		}
		if sc.RateLimit {
			opts.RateLimiter = a.limiter
		}
		if sc.DiskCache {
			if a.diskCache == nil {
				log.Printf("[App] Disk cache unavailable for source %s", sc.Name)
			} else {
				opts.Cache = a.diskCache
			}
		}
		return source.NewRemoteTileSource(sc.Name, opts)

	default:
		return nil, fmt.Errorf("invalid source type: %s", sc.Type)
	}
}

// needsDiskCache reports whether any remote source asks for the disk cache
func needsDiskCache(sources []config.SourceConfig) bool {
	return lo.SomeBy(sources, func(sc config.SourceConfig) bool {
		return sc.Type == config.SourceTypeRemote && sc.DiskCache
	})
}
