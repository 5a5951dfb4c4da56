package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradejournal/journal"
	"tradejournal/models"
	"tradejournal/monitor"
)

const (
	statusRecent       = 10
	defaultRecentLimit = 20
	maxRecentLimit     = 500
)

// Controller monitor operations exposed over HTTP
type Controller interface {
	Start(ctx context.Context, creds monitor.Credentials) (monitor.StartResult, error)
	Stop() monitor.Snapshot
	Status() monitor.Snapshot
}

// Server HTTP API server
type Server struct {
	router   *gin.Engine
	monitor  Controller
	journal  journal.Store
	chartDir string
	logger   *zap.Logger
	http     *http.Server
}

// NewServer creates API server
func NewServer(ctrl Controller, store journal.Store, chartDir string, port int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:   router,
		monitor:  ctrl,
		journal:  store,
		chartDir: chartDir,
		logger:   logger,
	}
	s.http = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router, ReadHeaderTimeout: 10 * time.Second}
	s.setupRoutes()
	return s
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("📥 request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("client", c.ClientIP()),
			zap.Duration("took", time.Since(start)))
	}
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.Any("/health", s.handleHealth)

	s.router.POST("/start", s.handleStart)
	s.router.POST("/stop", s.handleStop)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/recent", s.handleRecent)
	s.router.GET("/statistics", s.handleStatistics)
	s.router.GET("/chart/:filename", s.handleChart)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// Handler for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStart(c *gin.Context) {
	creds := monitor.Credentials{
		APIKey:    formValue(c, "api_key", "bybit_api_key"),
		SecretKey: formValue(c, "api_secret", "bybit_secret_key"),
	}

	res, err := s.monitor.Start(c.Request.Context(), creds)
	var rejected *monitor.StartRejectedError
	switch {
	case errors.Is(err, monitor.ErrMissingCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error(), "status": res.Status})
		return
	case errors.As(err, &rejected):
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": rejected.Reason.Error(), "status": res.Status})
		return
	case err != nil:
		s.logger.Warn("monitor start failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error(), "status": res.Status})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"running":         res.Running,
		"already_running": res.AlreadyRunning,
		"status":          res.Status,
		"key_mask":        res.KeyMask,
	})
}

// formValue first non-empty form field among names
func formValue(c *gin.Context, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(c.PostForm(n)); v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleStop(c *gin.Context) {
	snap := s.monitor.Stop()
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"running": snap.Running,
		"phase":   snap.Phase,
		"status":  snap.Status,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.monitor.Status()

	recent := snap.Recent
	if s.journal != nil {
		records, err := s.journal.Recent(c.Request.Context(), statusRecent)
		if err != nil {
			s.logger.Warn("journal read failed, serving in-memory records", zap.Error(err))
		} else {
			recent = records
		}
	}
	if recent == nil {
		recent = []models.TradeRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"running":       snap.Running,
		"phase":         snap.Phase,
		"status":        snap.Status,
		"key_mask":      snap.KeyMask,
		"session_id":    snap.SessionID,
		"last_order_id": snap.LastOrderID,
		"processed":     snap.Processed,
		"failures":      snap.Failures,
		"recent":        recent,
	})
}

func (s *Server) handleRecent(c *gin.Context) {
	limit := defaultRecentLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit: %q", v)})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := s.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to read journal: %v", err),
		})
		return
	}
	if records == nil {
		records = []models.TradeRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleStatistics(c *gin.Context) {
	stats, err := s.journal.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to get statistics: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleChart(c *gin.Context) {
	name := c.Param("filename")
	if name != filepath.Base(name) || strings.Contains(name, "..") || !strings.EqualFold(filepath.Ext(name), ".png") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chart name"})
		return
	}
	path := filepath.Join(s.chartDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "chart not found"})
		return
	}
	c.File(path)
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.logger.Info("🌐 API server started", zap.String("addr", s.http.Addr))
	s.logger.Info("📊 routes: POST /start, POST /stop, GET /status, GET /recent, GET /statistics, GET /chart/:filename, GET /health")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
