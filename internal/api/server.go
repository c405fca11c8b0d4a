// Package api implements the read-only operational HTTP surface: a fiber
// server exposing health, point-list, statistics and Prometheus metrics
// endpoints.
package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// StatusProvider is the subset of the Acquisition Service the API needs.
type StatusProvider interface {
	ListPoints() []domain.Point
	Stats() domain.GlobalStatistics
}

// Server wraps a fiber app exposing the observability endpoints.
type Server struct {
	app      *fiber.App
	provider StatusProvider
}

// New builds a Server backed by provider, serving /metrics from gatherer
// (the same prometheus.Registry the caller registered its collectors on).
func New(provider StatusProvider, gatherer prometheus.Gatherer) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s := &Server{app: app, provider: provider}

	app.Get("/healthz", s.handleHealth)
	app.Get("/points", s.handlePoints)
	app.Get("/stats", s.handleStats)
	app.Get("/metrics", adaptHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

// Listen starts the HTTP server on addr, blocking until it exits.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handlePoints(c *fiber.Ctx) error {
	return c.JSON(s.provider.ListPoints())
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.provider.Stats())
}
