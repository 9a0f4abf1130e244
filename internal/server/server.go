// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"linkpilot/internal/bridge"
	"linkpilot/internal/cache"
	"linkpilot/internal/config"
	"linkpilot/internal/database"
	"linkpilot/internal/lifecycle"
	"linkpilot/internal/middleware"
	"linkpilot/internal/models"
	"linkpilot/internal/notifications"
	"linkpilot/internal/observer"
	"linkpilot/internal/repository"
	"linkpilot/internal/service"
	"linkpilot/internal/telemetry"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// dispatchInterval is how often the due scanner and the publish-timeout
// supervisor run.
const dispatchInterval = 5 * time.Second

// Server holds all dependencies and provides handlers.
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	postRepo    repository.PostRepository
	notifier    *notifications.Notifier
	hub         *notifications.Hub
	bridge      *bridge.Bridge
	sessions    *bridge.SessionRegistry
	controller  *lifecycle.Controller
	observer    *observer.Observer
	pipeline    *telemetry.Pipeline
	refresher   *telemetry.Refresher
	postService *service.PostService
}

// NewServer creates a new server instance with all dependencies.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	return NewServerWithDeps(cfg, db, cache.GetClient())
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB/Redis itself.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	middleware.InitMiddleware(cfg)
	prom := middleware.InitMetrics("linkpilot-api")

	server := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: prom,
		sessions:       bridge.NewSessionRegistry(),
	}

	if redisClient != nil {
		server.notifier = notifications.NewNotifier(redisClient)
		server.hub = notifications.NewHub()
	}

	server.postRepo = repository.NewPostRepository(db, server.notifier)
	server.bridge = bridge.New(cfg.AnalyticsTimeout())
	server.bridge.SetSessionSource(server.sessions.Get)
	server.controller = lifecycle.New(server.postRepo, server.bridge, cfg.PublishTimeout())
	server.observer = observer.New(server.postRepo, server.controller, cfg.PollInterval())
	server.pipeline = telemetry.NewPipeline(server.postRepo)
	server.refresher = telemetry.NewRefresher(server.postRepo, server.bridge, server.pipeline)
	server.postService = service.NewPostService(server.postRepo, server.controller, cfg.CivilLocation())

	// Unsolicited analytics pushes flow through the sanitizer pipeline like
	// every other counter write.
	server.bridge.Subscribe(func(_ uint, ev bridge.Event) {
		server.pipeline.HandleEvent(context.Background(), ev)
	})

	return server, nil
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	// Context middleware to propagate request ID and user ID
	app.Use(middleware.ContextMiddleware())

	// Prometheus metrics
	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New())

	// Structured logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS must run before middlewares that can short-circuit (e.g. limiter)
	// so browser clients still receive CORS headers on error responses.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	// Health checks
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	// Metrics endpoint for Prometheus
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "LinkPilot Metrics Dashboard",
	}))

	protected := api.Group("", middleware.AuthRequired)

	// Post routes. Specific /:id/:action routes before the generic /:id ones.
	posts := protected.Group("/posts")
	posts.Post("/", s.CreatePost)
	posts.Get("/", s.GetPosts)
	posts.Post("/:id/schedule", s.SchedulePost)
	posts.Post("/:id/cancel", s.CancelSchedule)
	posts.Post("/:id/retry", s.RetryPost)
	posts.Post("/:id/publish", s.PostNow)
	posts.Get("/:id", s.GetPost)
	posts.Put("/:id", s.UpdatePost)
	posts.Delete("/:id", s.DeletePost)

	// Live view of the observer's merged state plus an explicit resync.
	view := protected.Group("/view")
	view.Get("/posts", s.GetPostView)
	view.Post("/refresh", s.RefreshView)

	// Agent endpoints
	agent := protected.Group("/agent")
	agent.Get("/status", s.GetAgentStatus)
	agent.Post("/session", s.SetAgentSession)
	agent.Post("/analytics/:id", s.ScrapeAnalytics)

	// Websocket endpoints: one socket for the automation agent, one feed
	// socket for the user's own devices.
	ws := api.Group("/ws", middleware.WebSocketAuthRequired)
	ws.Get("/agent", s.AgentWebsocketHandler())
	ws.Get("/feed", s.FeedWebsocketHandler())
}

// LivenessCheck handles liveness probe requests.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// Start starts the server and all background loops, blocking until the
// listener exits.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := fiber.New(fiber.Config{
		AppName: "LinkPilot API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Printf("Error: %v", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	// Wire the user feed hub and the observer's feeders, then start the
	// background loops.
	if s.notifier != nil && s.hub != nil {
		go func() {
			if err := s.hub.StartWiring(ctx, s.notifier); err != nil {
				log.Printf("failed to start %s wiring: %v", s.hub.Name(), err)
			}
		}()
	}
	if err := s.observer.Wire(ctx, s.bridge, s.notifier); err != nil {
		log.Printf("failed to wire observer: %v", err)
	}
	go s.observer.Run(ctx)
	go s.runDispatchLoop(ctx)

	if err := s.refresher.Start(s.config.TelemetryCronSpec); err != nil {
		log.Printf("failed to start telemetry refresh: %v", err)
	}

	log.Printf("Server starting on port %s...", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// runDispatchLoop drives the due scanner and the publish-timeout supervisor.
func (s *Server) runDispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.controller.DispatchDue(ctx)
			s.controller.SuperviseTimeouts(ctx)
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			log.Printf("error shutting down HTTP server: %v", err)
		}
	}

	if s.refresher != nil {
		<-s.refresher.Stop().Done()
	}

	if err := s.bridge.Shutdown(ctx); err != nil {
		log.Printf("error shutting down %s: %v", s.bridge.Name(), err)
	}
	if s.hub != nil {
		if err := s.hub.Shutdown(ctx); err != nil {
			log.Printf("error shutting down %s: %v", s.hub.Name(), err)
		}
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Printf("error closing sql DB: %v", cerr)
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			log.Printf("error closing redis: %v", rerr)
		}
	}

	log.Println("Server shutdown complete")
	return nil
}
