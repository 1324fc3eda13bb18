package tilemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
)

// ErrTooManyTiles is returned when a prefetch area covers more tiles than allowed
var ErrTooManyTiles = errors.New("too many tiles")

// PrefetchResult counts the outcomes of a prefetch
type PrefetchResult struct {
	Requested int `json:"requested"`
	Completed int `json:"completed"`
	Empty     int `json:"empty"`
	Canceled  int `json:"canceled"`
	Failed    int `json:"failed"`
}

func (p *PrefetchResult) add(o taskqueue.Outcome) {
	switch o {
	case taskqueue.OutcomeCompleted:
		p.Completed++
	case taskqueue.OutcomeEmpty:
		p.Empty++
	case taskqueue.OutcomeCanceled:
		p.Canceled++
	case taskqueue.OutcomeFailed:
		p.Failed++
	}
}

// Prefetch loads every tile of a source covering bound at zoom, warming the cache.
// Tiles are requested batch by batch, one batch per round of workers.
func (m *Manager) Prefetch(ctx context.Context, name string, bound orb.Bound, zoom int) (PrefetchResult, error) {
	var res PrefetchResult

	if _, err := m.Source(name); err != nil {
		return res, err
	}
	if zoom < tile.MinZoom || zoom > tile.MaxZoom {
		return res, fmt.Errorf("%w: zoom %d", tile.ErrInvalidTile, zoom)
	}
	if bound.Min[0] > bound.Max[0] || bound.Min[1] > bound.Max[1] {
		return res, fmt.Errorf("%w: inverted bound %v", tile.ErrInvalidTile, bound)
	}
	if n := tile.EstimateTileCount(bound, zoom); n > m.maxPrefetch {
		return res, fmt.Errorf("%w: %d tiles at zoom %d (max %d)", ErrTooManyTiles, n, zoom, m.maxPrefetch)
	}

	ids := tile.Cover(bound, zoom)
	res.Requested = len(ids)

	workers := m.dispatcher.Status().Workers
	var mu sync.Mutex
	for _, batch := range tile.Batch(ids, workers) {
		if ctx.Err() != nil {
			res.Canceled += len(batch)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range batch {
			id := id
			g.Go(func() error {
				r, err := m.GetTile(gctx, name, id)
				if err != nil {
					return err
				}
				mu.Lock()
				res.add(r.Outcome)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
	}

	log.WithFields(log.Fields{
		"source":    name,
		"zoom":      zoom,
		"requested": res.Requested,
		"completed": res.Completed,
		"empty":     res.Empty,
		"failed":    res.Failed,
	}).Info("[TileManager] Prefetch finished")

	return res, nil
}
