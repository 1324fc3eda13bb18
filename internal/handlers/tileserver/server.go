package tileserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
	"vector-tiles/internal/tilemanager"
)

// Server exposes the tile manager over HTTP
type Server struct {
	app     *fiber.App
	manager *tilemanager.Manager
	url     string
}

// NewServer creates the HTTP server and registers its routes
func NewServer(manager *tilemanager.Manager, devMode bool) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "vector-tiles",
		Immutable:             true, // route params end up in map keys
		DisableStartupMessage: !devMode,
		ReadTimeout:           30 * time.Second,
		BodyLimit:             64 * 1024 * 1024,
	})

	s := &Server{app: app, manager: manager}

	app.Use(recover.New())
	// Allow all origins; tiles are fetched cross-origin by map clients
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Content-Type, Accept",
	}))

	app.Get("/status", s.handleStatus)
	app.Get("/sources", s.handleSources)
	app.Get("/tiles/:source/:z/:x/:y", s.handleTile)

	src := app.Group("/sources/:source")
	src.Post("/data", s.handleAddData)
	src.Delete("/data", s.handleClearData)
	src.Post("/build", s.handleBuild)
	src.Post("/prefetch", s.handlePrefetch)

	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// URL returns the address the server listens on, once started
func (s *Server) URL() string {
	return s.url
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start tile server: %w", err)
	}

	s.url = "http://" + listener.Addr().String()
	log.Printf("[TileServer] Listening on %s", s.url)

	go func() {
		if err := s.app.Listener(listener); err != nil {
			log.Printf("[TileServer] Stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for active requests
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.manager.Status())
}

func (s *Server) handleSources(c *fiber.Ctx) error {
	return c.JSON(s.manager.Sources())
}

func (s *Server) handleTile(c *fiber.Ctx) error {
	id, err := tile.ParseID(c.Params("z"), c.Params("x"), c.Params("y"))
	if err != nil {
		return errorResponse(c, err)
	}
	if w := c.Query("wrap"); w != "" {
		if id.Wrap, err = strconv.Atoi(w); err != nil {
			return errorResponse(c, fmt.Errorf("%w: wrap %q", tile.ErrInvalidTile, w))
		}
	}

	res, err := s.manager.GetTile(c.UserContext(), c.Params("source"), id)
	if err != nil {
		return errorResponse(c, err)
	}

	switch res.Outcome {
	case taskqueue.OutcomeCompleted:
		c.Set("X-Tile-Features", strconv.Itoa(res.Data.FeatureCount()))
		return c.JSON(res.Data.FeatureCollections())
	case taskqueue.OutcomeEmpty:
		return c.SendStatus(fiber.StatusNoContent)
	case taskqueue.OutcomeCanceled:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "tile request canceled"})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": res.Err.Error()})
	}
}

func (s *Server) handleAddData(c *fiber.Ctx) error {
	n, err := s.manager.AddData(c.Params("source"), c.Body())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"added": n})
}

func (s *Server) handleBuild(c *fiber.Ctx) error {
	snap, err := s.manager.BuildTiles(c.Params("source"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"features": snap.Len(), "version": snap.Version})
}

func (s *Server) handleClearData(c *fiber.Ctx) error {
	if err := s.manager.ClearData(c.Params("source")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handlePrefetch warms the cache for ?bbox=minLng,minLat,maxLng,maxLat&z=zoom
func (s *Server) handlePrefetch(c *fiber.Ctx) error {
	bound, err := parseBBox(c.Query("bbox"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	zoom, err := strconv.Atoi(c.Query("z"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid zoom"})
	}

	res, err := s.manager.Prefetch(c.UserContext(), c.Params("source"), bound, zoom)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(res)
}

func parseBBox(v string) (orb.Bound, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("invalid bbox %q", v)
	}
	var f [4]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox %q", v)
		}
		f[i] = n
	}
	if f[0] > f[2] || f[1] > f[3] {
		return orb.Bound{}, fmt.Errorf("invalid bbox %q", v)
	}
	return orb.Bound{Min: orb.Point{f[0], f[1]}, Max: orb.Point{f[2], f[3]}}, nil
}

// errorResponse maps domain errors to HTTP status codes
func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var decodeErr *tile.DecodeError
	switch {
	case errors.Is(err, tilemanager.ErrUnknownSource):
		status = fiber.StatusNotFound
	case errors.Is(err, tile.ErrInvalidTile),
		errors.Is(err, tilemanager.ErrNotClientSource),
		errors.Is(err, tilemanager.ErrTooManyTiles),
		errors.As(err, &decodeErr):
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
