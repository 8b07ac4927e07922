package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/repository"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/service/cooldown"
	"github.com/ifuryst/crosspost/internal/service/health"
	"github.com/ifuryst/crosspost/internal/service/poster"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/queue"
	"github.com/ifuryst/crosspost/internal/service/scheduler"
	"github.com/ifuryst/crosspost/internal/service/settings"
)

type Server struct {
	Config *config.Config
	Store  *repository.Store
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Bus        events.Bus
	Registry   *publisher.Registry
	Cooldowns  *cooldown.Store
	Settings   *settings.Service
	Monitoring *service.MonitoringService
	Auth       *service.AuthService
	Engine     *poster.Engine
	Queue      *queue.Queue
	Health     *health.Monitor
	Scheduler  *scheduler.Scheduler
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	store, err := repository.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	registry, err := service.NewRegistry(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to configure destinations: %w", err)
	}

	return newServer(cfg, store, registry, logger), nil
}

func newServer(cfg *config.Config, store *repository.Store, registry *publisher.Registry, logger *zap.Logger) *Server {
	ctx := context.Background()
	bus := events.NewBus()

	monitoring := service.NewMonitoringService(store.ErrorLogs, bus, logger)
	cooldowns := cooldown.NewStore(store.KV, logger)
	posting := settings.NewService(ctx, cfg.Posting, store.KV, logger)

	loader := poster.NewDiskLoader(cfg.Posting.FilesRoot, cfg.Posting.MaxFileBytes)
	engine := poster.NewEngine(registry, cooldowns, loader, monitoring, posting, bus, logger)
	q := queue.New(engine, store.Submissions, posting, monitoring, logger)
	sched := scheduler.NewScheduler(store.Submissions, q, posting,
		config.Duration(cfg.Posting.SchedulerTick, config.DefaultSchedulerTick), logger)
	monitor := health.NewMonitor(logger, bus, health.Options{
		DefaultInterval: config.Duration(cfg.Health.DefaultRefreshInterval, config.DefaultRefreshInterval),
		Debounce:        config.Duration(cfg.Health.Debounce, config.DefaultHealthDebounce),
	})

	srv := &Server{
		Config:     cfg,
		Store:      store,
		Router:     gin.New(),
		Logger:     logger,
		Bus:        bus,
		Registry:   registry,
		Cooldowns:  cooldowns,
		Settings:   posting,
		Monitoring: monitoring,
		Engine:     engine,
		Queue:      q,
		Health:     monitor,
		Scheduler:  sched,
	}
	if cfg.Auth.Enabled {
		srv.Auth = service.NewAuthService(logger, cfg.Auth.TOTPSecret, config.Duration(cfg.Auth.SessionTTL, 24*time.Hour))
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())

	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health", "/metrics"},
	}))

	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	s.Router.GET("/metrics", metricsHandler())

	api := s.Router.Group("/api/v1")
	api.Use(newRateLimiter(s.Config.Server.RateLimit, s.Config.Server.RateBurst).Middleware())
	if s.Auth != nil {
		api.POST("/auth/login", s.handleLogin)
		api.Use(s.Auth.AuthMiddleware())
	}
	{
		submissions := api.Group("/submissions")
		{
			submissions.GET("", s.handleListSubmissions)
			submissions.POST("", s.handleCreateSubmission)
			submissions.GET("/:id", s.handleGetSubmission)
		}

		q := api.Group("/queue")
		{
			q.GET("", s.handleGetQueue)
			q.POST("/:id", s.handleEnqueue)
			q.DELETE("/:id", s.handleDequeue)
			q.DELETE("", s.handleDequeueAll)
		}

		destinations := api.Group("/destinations")
		{
			destinations.GET("", s.handleListDestinations)
			destinations.POST("/:name/check", s.handleCheckDestination)
		}

		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handleUpdateSettings)
		api.GET("/notifications", s.handleListNotifications)
		api.GET("/events", s.handleEvents)
	}
}

// StartServices registers destinations with the health monitor, restores
// the queue and starts the scheduler.
func (s *Server) StartServices(ctx context.Context) error {
	for _, name := range s.Registry.Names() {
		adapter, err := s.Registry.Get(name)
		if err != nil {
			return err
		}
		opts, _ := s.Registry.Options(name)
		if err := s.Health.Register(name, adapter, opts.RefreshInterval); err != nil {
			return fmt.Errorf("failed to monitor %s: %w", name, err)
		}
	}

	if err := s.Queue.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.StartServices(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop producers before the queue so nothing new is enqueued mid-shutdown.
	s.Scheduler.Stop()
	s.Health.Stop()
	s.Queue.Stop()

	var err error
	if s.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		err = s.Server.Shutdown(shutdownCtx)
	}

	if closeErr := s.Store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
