package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/tile"
)

const (
	indexFile = "cache_index.json"
	tileExt   = ".pbf"
)

// PersistentTileCache keeps raw remote payloads on disk using a ZXY layout.
// The cache persists across restarts; an LRU index bounds the number of files.
type PersistentTileCache struct {
	baseDir string
	ttl     time.Duration

	index *lru.Cache[string, *TileMetadata]

	mu     sync.Mutex // serializes file writes and index saves
	stop   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// TileMetadata stores information about a cached payload
type TileMetadata struct {
	Source     string    `json:"source"`
	Z          int       `json:"z"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Size       int64     `json:"size"`
	CreateTime time.Time `json:"createTime"`
}

// NewPersistentTileCache opens or creates a disk cache.
// Layout: baseDir/{source}/{z}/{x}/{y}.pbf, index at baseDir/cache_index.json
func NewPersistentTileCache(baseDir string, maxEntries int, ttl time.Duration) (*PersistentTileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().DiskMaxEntries
	}

	c := &PersistentTileCache{
		baseDir: baseDir,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	index, err := lru.NewWithEvict[string, *TileMetadata](maxEntries, func(_ string, meta *TileMetadata) {
		os.Remove(c.filePath(meta))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}
	c.index = index

	if err := c.loadMetadata(); err != nil {
		log.WithError(err).Debug("[PersistentCache] Index unavailable, scanning directory")
		if err := c.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	c.wg.Add(1)
	go c.maintenanceWorker()

	return c, nil
}

// Key builds the index key for a tile of a source
func Key(source string, id tile.ID) string {
	return fmt.Sprintf("%s/%d/%d/%d", source, id.Z, id.X, id.Y)
}

// Get reads a cached payload
func (c *PersistentTileCache) Get(source string, id tile.ID) ([]byte, bool) {
	key := Key(source, id)
	meta, ok := c.index.Get(key)
	if !ok {
		return nil, false
	}

	if c.expired(meta) {
		c.index.Remove(key)
		return nil, false
	}

	data, err := os.ReadFile(c.filePath(meta))
	if err != nil {
		// file vanished underneath us
		c.index.Remove(key)
		return nil, false
	}
	return data, true
}

// Set writes a payload to disk and records it in the index
func (c *PersistentTileCache) Set(source string, id tile.ID, data []byte) error {
	meta := &TileMetadata{
		Source:     source,
		Z:          id.Z,
		X:          id.X,
		Y:          id.Y,
		Size:       int64(len(data)),
		CreateTime: time.Now(),
	}
	path := c.filePath(meta)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to temp file first, then rename so readers never see a partial tile
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}

	// Add on an existing key updates in place without the evict callback
	c.index.Add(Key(source, id), meta)
	return nil
}

// RemoveSource drops every cached payload of a source
func (c *PersistentTileCache) RemoveSource(source string) int {
	removed := 0
	prefix := source + "/"
	for _, key := range c.index.Keys() {
		if strings.HasPrefix(key, prefix) && c.index.Remove(key) {
			removed++
		}
	}
	return removed
}

// Len returns the number of indexed payloads
func (c *PersistentTileCache) Len() int {
	return c.index.Len()
}

// Flush persists the index
func (c *PersistentTileCache) Flush() error {
	return c.saveMetadata()
}

// Close stops maintenance and persists the index
func (c *PersistentTileCache) Close() error {
	c.closed.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
	return c.saveMetadata()
}

func (c *PersistentTileCache) expired(meta *TileMetadata) bool {
	return c.ttl > 0 && time.Since(meta.CreateTime) > c.ttl
}

// filePath creates the ZXY path for a payload
func (c *PersistentTileCache) filePath(meta *TileMetadata) string {
	return filepath.Join(c.baseDir, meta.Source, strconv.Itoa(meta.Z),
		strconv.Itoa(meta.X), strconv.Itoa(meta.Y)+tileExt)
}

// maintenanceWorker periodically evicts expired payloads
func (c *PersistentTileCache) maintenanceWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stop:
			return
		}
	}
}

// evictExpired removes payloads that exceed the TTL
func (c *PersistentTileCache) evictExpired() int {
	if c.ttl <= 0 {
		return 0
	}

	evicted := 0
	for _, key := range c.index.Keys() {
		meta, ok := c.index.Peek(key)
		if ok && c.expired(meta) && c.index.Remove(key) {
			evicted++
		}
	}
	if evicted > 0 {
		log.WithField("count", evicted).Debug("[PersistentCache] Evicted expired tiles")
	}
	return evicted
}

// loadMetadata loads the index from disk, oldest entry first
func (c *PersistentTileCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("metadata file not found")
		}
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var entries []*TileMetadata
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}

	for _, meta := range entries {
		if meta == nil || c.expired(meta) {
			continue
		}
		c.index.Add(Key(meta.Source, tile.ID{X: meta.X, Y: meta.Y, Z: meta.Z}), meta)
	}
	return nil
}

// saveMetadata writes the index to disk in LRU order
func (c *PersistentTileCache) saveMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.index.Values()
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	metaPath := filepath.Join(c.baseDir, indexFile)
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	return nil
}

// rebuildMetadata rebuilds the index by scanning the cache directory
func (c *PersistentTileCache) rebuildMetadata() error {
	return filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != tileExt {
			return nil
		}

		// {baseDir}/{source}/{z}/{x}/{y}.pbf
		rel, _ := filepath.Rel(c.baseDir, path)
		parts := strings.Split(rel, string(os.PathSeparator))
		if len(parts) != 4 {
			return nil
		}

		z, errZ := strconv.Atoi(parts[1])
		x, errX := strconv.Atoi(parts[2])
		y, errY := strconv.Atoi(strings.TrimSuffix(parts[3], tileExt))
		if errZ != nil || errX != nil || errY != nil {
			return nil
		}

		meta := &TileMetadata{
			Source:     parts[0],
			Z:          z,
			X:          x,
			Y:          y,
			Size:       info.Size(),
			CreateTime: info.ModTime(),
		}
		if c.expired(meta) {
			os.Remove(path)
			return nil
		}
		c.index.Add(Key(meta.Source, tile.ID{X: x, Y: y, Z: z}), meta)
		return nil
	})
}
