// Package web serves live tag positions over WebSocket and HTTP.
package web

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-uwb/pkg/auth"
	"github.com/teslashibe/go-uwb/pkg/metrics"
	"github.com/teslashibe/go-uwb/pkg/stream"
)

// subjectKey is the fiber.Locals key holding the authenticated subject.
const subjectKey = "subject"

// Config holds server settings.
type Config struct {
	Addr         string
	AllowOrigins string
	// Debug enables the request logger.
	Debug bool
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	app      *fiber.App
	cfg      Config
	engine   *stream.Engine
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	started  time.Time

	// Sessions derive from baseCtx; Shutdown cancels it and waits on sessions.
	baseCtx  context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer creates a server. m may be nil.
func NewServer(cfg Config, engine *stream.Engine, verifier *auth.Verifier, m *metrics.Metrics, log *slog.Logger) *Server {
	if cfg.AllowOrigins == "" {
		cfg.AllowOrigins = "*"
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		verifier: verifier,
		metrics:  m,
		logger:   log.With("component", "web"),
		started:  time.Now(),
		baseCtx:  ctx,
		cancel:   cancel,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "uwbd",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	if cfg.Debug {
		s.app.Use(logger.New())
	}

	s.setupRoutes()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api", s.requireToken)
	api.Get("/rooms/:id/positions", s.handlePositions)

	// Token is checked before the upgrade so a bad token gets a plain 401.
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return s.requireToken(c)
	})
	s.app.Get("/ws", websocket.New(s.handleWebSocket))
}

// Listen serves on the configured address. Blocks until shutdown.
func (s *Server) Listen() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// Listener serves on ln. Blocks until shutdown.
func (s *Server) Listener(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown stops accepting requests, ends every session and waits for
// their streams to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.app.ShutdownWithContext(ctx)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// requireToken authenticates the request and stores the subject in Locals.
func (s *Server) requireToken(c *fiber.Ctx) error {
	token := auth.TokenFromRequest(c.Query("token"), c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"msg": "Missing token"})
	}
	subject, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Debug("rejected token", "error", err, "ip", c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"msg": "Invalid or expired token"})
	}
	c.Locals(subjectKey, subject)
	return c.Next()
}

func (s *Server) handleWebSocket(c *websocket.Conn) {
	subject, _ := c.Locals(subjectKey).(string)

	s.sessions.Add(1)
	defer s.sessions.Done()

	sess := newSession(s.baseCtx, c, subject, s.engine, s.metrics, s.logger)
	sess.Run()
}
