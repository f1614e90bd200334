package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zkqueue-go/internal/config"
	"zkqueue-go/internal/queue"
)

// StatusReporter exposes the connection state of a producer or consumer.
type StatusReporter interface {
	State() queue.State
	Connected() bool
}

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger

	itemHandler *ItemHandler
	components  map[string]StatusReporter
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config      *config.ServerConfig
	Logger      *slog.Logger
	ItemHandler *ItemHandler

	// Components are reported by /healthz, keyed by role.
	Components map[string]StatusReporter
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           deps.Config.ReadTimeout,
		WriteTimeout:          deps.Config.WriteTimeout,
		IdleTimeout:           deps.Config.IdleTimeout,
		ErrorHandler:          customErrorHandler,
	})

	s := &Server{
		app:         app,
		config:      deps.Config,
		logger:      deps.Logger,
		itemHandler: deps.ItemHandler,
		components:  deps.Components,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware() {
	// Recovery middleware to handle panics
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// Health check endpoint (outside versioned API)
	s.app.Get("/healthz", s.healthCheck)

	// Prometheus metrics endpoint
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	v1.Post("/items", s.itemHandler.Enqueue)
	v1.Get("/items/next", s.itemHandler.Next)
}

// healthCheck reports the state of every component. The service is healthy
// only while all of them are connected.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	status := "healthy"
	data := map[string]string{}
	for role, comp := range s.components {
		data[role] = comp.State().String()
		if !comp.Connected() {
			status = "degraded"
		}
	}
	data["status"] = status

	if status != "healthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(APIResponse{
			Success: false,
			Data:    data,
			Error: &APIError{
				Code:    ErrCodeUnavailable,
				Message: "coordination session is not connected",
			},
		})
	}
	return Success(c, data)
}

// App returns the underlying fiber app, for in-process requests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return Error(c, e.Code, ErrCodeInternalError, e.Message)
	}

	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}
