package http

import (
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"foreman/internal/logging"
	"foreman/internal/server/app"
)

// Config configures the HTTP server.
type Config struct {
	Host            string
	Port            int
	AuthToken       string
	AllowedOrigins  []string
	RateLimit       float64 // requests per second; 0 disables
	RateBurst       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DetailCacheSize int
}

// DefaultConfig returns server defaults. WriteTimeout is zero because SSE
// connections outlive any sane response deadline.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8420,
		RateBurst:       20,
		ReadTimeout:     15 * time.Second,
		DetailCacheSize: 256,
	}
}

// Server is the HTTP/SSE/WebSocket front of the coordinator.
type Server struct {
	config      Config
	coordinator *app.Coordinator
	engine      *gin.Engine
	httpServer  *nethttp.Server
	upgrader    websocket.Upgrader
	limiter     *rate.Limiter
	detailCache *lru.Cache[string, *app.Detail] // terminal work orders only
	logger      logging.Logger
}

// New builds the server and its route table.
func New(config Config, coordinator *app.Coordinator, logger logging.Logger) (*Server, error) {
	if config.Port == 0 {
		config.Port = DefaultConfig().Port
	}
	if config.DetailCacheSize <= 0 {
		config.DetailCacheSize = DefaultConfig().DetailCacheSize
	}
	cache, err := lru.New[string, *app.Detail](config.DetailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("http: detail cache: %w", err)
	}

	s := &Server{
		config:      config,
		coordinator: coordinator,
		detailCache: cache,
		logger:      logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = DefaultConfig().RateBurst
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	s.engine = s.buildEngine()
	s.httpServer = &nethttp.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), withRequestID(), withRateLimit(s.limiter))

	corsConfig := cors.DefaultConfig()
	if len(s.config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = s.config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowWebSockets = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", requestIDHeader)
	engine.Use(cors.New(corsConfig))

	engine.GET("/health", s.handleHealth)
	engine.GET("/health/live", s.handleLive)
	engine.GET("/health/ready", s.handleReady)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", s.handleWebSocket)

	auth := requireAuth(s.config.AuthToken)
	api := engine.Group("/api/v1")
	{
		api.GET("/work-orders", s.handleListWorkOrders)
		api.GET("/work-orders/:id", s.handleGetWorkOrder)
		api.POST("/work-orders", auth, s.handleCreateWorkOrder)
		api.DELETE("/work-orders/:id", auth, s.handleCancelWorkOrder)
		api.POST("/work-orders/:id/runs", auth, s.handleStartRun)
		api.POST("/work-orders/:id/kill", auth, s.handleKillWorkOrder)

		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.GET("/runs/:id/stream", s.handleStreamRun)

		api.GET("/queue/health", s.handleQueueHealth)
		api.GET("/queue/stats", s.handleQueueStats)
		api.GET("/queue/position/:id", s.handleQueuePosition)
		api.POST("/queue/rollout/config", auth, s.handleRolloutConfig)
		api.GET("/queue/rollout/status", s.handleRolloutStatus)
		api.GET("/queue/rollout/comparison", s.handleRolloutComparison)
	}
	return engine
}

// Handler exposes the route table for tests.
func (s *Server) Handler() nethttp.Handler {
	return s.engine
}

// Start serves until Stop is called. ListenAndServe runs on its own
// goroutine; startup errors surface through the logger.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
			s.logger.Error("HTTP server: %v", err)
		}
	}()
	return nil
}

// Stop drains connections with a 10s grace period.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
