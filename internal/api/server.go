package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/db"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/health"
	intnet "github.com/energizer-project/tether/internal/network"
	"github.com/energizer-project/tether/internal/server"
	"github.com/energizer-project/tether/internal/util"
)

// Server is the admin REST API for the session server.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *server.Manager
	version  string
	started  time.Time

	// Optional dependencies
	ticks    *health.TickMonitor
	sessions *db.SessionLog
	gatherer prometheus.Gatherer

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, manager *server.Manager, version string) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		version:  version,
		started:  time.Now(),
	}
}

// SetDependencies injects components created after the server. Any of them
// may be nil; the matching endpoints then report the feature as disabled.
func (s *Server) SetDependencies(ticks *health.TickMonitor, sessions *db.SessionLog, gatherer prometheus.Gatherer) {
	s.ticks = ticks
	s.sessions = sessions
	s.gatherer = gatherer
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	sd := s.cfg.GetServerData()
	sec := s.cfg.GetApplicationData().Security
	addr := net.JoinHostPort(sd.BindAddress, strconv.Itoa(sd.APIPort))

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if sec.TLSEnabled {
		cert, err := util.LoadOrCreateCertificate(sec.TLSCertFile, sec.TLSKeyFile, sec.AutoGenerateCert, sd.BindAddress)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	log.Info().Str("addr", addr).Bool("tls", sec.TLSEnabled).Msg("admin API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	appData := s.cfg.GetApplicationData()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.GetServerData().AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(appData.Security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleGetServerInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireAdminToken(s.cfg))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/participants", s.handleGetParticipants)
		monitor.GET("/participants/:id", s.handleGetParticipant)
		monitor.GET("/ticks", s.handleGetTicks)
		monitor.GET("/sessions", s.handleGetSessions)
		monitor.GET("/resources", s.handleGetResources)
		monitor.GET("/log_entries", s.handleGetLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:id", s.handleKick)
		control.POST("/announce", s.handleAnnounce)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/server_field", s.handleSetServerField)
	}

	if appData.Metrics.Enabled && s.gatherer != nil {
		path := appData.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "tether admin API is running",
			"version": s.version,
		})
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
