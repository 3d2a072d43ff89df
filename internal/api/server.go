// Package api serves a local HTTP control surface for a running session:
// status, subscription management, raw commands, history and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/discord-ipc/internal/config"
	"github.com/energizer-project/discord-ipc/internal/db"
	"github.com/energizer-project/discord-ipc/internal/health"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

// Session is the part of *discord.Session the API drives.
type Session interface {
	ApplicationID() string
	State() discord.State
	LastError() error
	CurrentUser() (discord.User, bool)
	Stats() discord.Stats
	Subscriptions() []discord.SubscriptionInfo
	Subscribe(ctx context.Context, evt discord.EventType, scope string) (*discord.Subscription, error)
	UnsubscribeID(ctx context.Context, id uint64) error
	SendCommand(ctx context.Context, cmd string, args interface{}) (json.RawMessage, error)
}

// History serves recorded transitions and events. *db.Journal satisfies it.
type History interface {
	RecentTransitions(ctx context.Context, limit int) ([]db.TransitionRecord, error)
	RecentEvents(ctx context.Context, eventType string, limit int) ([]db.EventRecord, error)
}

// HealthReporter serves the latest health report. *health.Manager
// satisfies it.
type HealthReporter interface {
	Report() health.Report
}

// Deps are the components the routes read from. History, Health and
// Metrics are optional; their routes answer 404 when unset.
type Deps struct {
	Session Session
	History History
	Health  HealthReporter
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	cfg  config.APIConfig
	deps Deps

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates an API server. debug enables gin's debug mode.
func NewServer(cfg config.APIConfig, deps Deps, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, deps: deps}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/health", s.handleHealth)
		api.GET("/subscriptions", s.handleListSubscriptions)
		api.POST("/subscriptions", s.handleSubscribe)
		api.DELETE("/subscriptions/:id", s.handleUnsubscribe)
		api.POST("/commands/:cmd", s.handleCommand)
	}

	history := api.Group("/history")
	{
		history.GET("/transitions", s.handleTransitions)
		history.GET("/events", s.handleEvents)
	}

	router.GET("/metrics", func(c *gin.Context) {
		if s.deps.Metrics == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
			return
		}
		s.deps.Metrics.ServeHTTP(c.Writer, c.Request)
	})

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "discord-ipc API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
