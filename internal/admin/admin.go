// Package admin exposes the engine's admin HTTP API: metrics, stats,
// reset, and compression toggles, built on the same gin + CORS + JWT +
// validator stack used elsewhere for HTTP APIs and auth, rather than a bare
// net/http mux.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/batchfabric/batchengine/internal/adaptive"
	"github.com/batchfabric/batchengine/internal/batching"
)

// Config configures the admin server.
type Config struct {
	ListenAddr string
	JWTSecret  string
	// AllowedOrigins configures CORS; empty means "allow all", suitable
	// only for local/demo deployments.
	AllowedOrigins []string
}

// compressionRequest validates the optional POST /compression/enable body;
// POST /compression/disable does not read a body. The shape exists so
// future per-priority overrides have somewhere to land without breaking
// callers.
type compressionRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=200"`
}

// Server wires the Batcher core and, optionally, the Adaptive controller
// into a gin.Engine.
type Server struct {
	cfg       Config
	batcher   *batching.Batcher
	adaptive  *adaptive.Controller
	logger    *zap.Logger
	validate  *validator.Validate
	engine    *gin.Engine
	server    *http.Server
}

// New builds the admin Server. adaptiveController may be nil if no
// controller is wired, in which case /stats omits its history.
func New(cfg Config, batcher *batching.Batcher, adaptiveController *adaptive.Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST"}
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:      cfg,
		batcher:  batcher,
		adaptive: adaptiveController,
		logger:   logger,
		validate: validator.New(),
		engine:   engine,
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorized := engine.Group("/")
	if cfg.JWTSecret != "" {
		authorized.Use(s.authMiddleware())
	}
	authorized.GET("/stats", s.handleStats)
	authorized.POST("/reset", s.handleReset)
	authorized.POST("/compression/enable", s.handleCompressionEnable)
	authorized.POST("/compression/disable", s.handleCompressionDisable)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) < 8 || header[:7] != "Bearer " {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenString := header[7:]

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleStats(c *gin.Context) {
	metrics := s.batcher.GetMetrics()

	body := gin.H{
		"metrics":          metrics,
		"summary":          s.batcher.GetStats(),
		"analyticsHistory": s.batcher.AnalyticsHistory(),
	}
	if s.adaptive != nil {
		body["adaptiveHistory"] = s.adaptive.History()
		body["activeBatchSizeCap"] = s.adaptive.ActiveBatchSizeCap()
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleReset(c *gin.Context) {
	s.batcher.ResetMetrics()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleCompressionEnable(c *gin.Context) {
	// An absent or empty body is fine; only a malformed one is rejected.
	var req compressionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.batcher.EnableCompression()
	c.JSON(http.StatusOK, gin.H{"status": "compression enabled"})
}

func (s *Server) handleCompressionDisable(c *gin.Context) {
	s.batcher.DisableCompression()
	c.JSON(http.StatusOK, gin.H{"status": "compression disabled"})
}

// ListenAndServe starts the admin HTTP server; it blocks until the server
// stops or errors.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown closes the admin HTTP server immediately; in-flight requests are
// not waited for.
func (s *Server) Shutdown() error {
	return s.server.Close()
}
