package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/v2ray-connector/internal/config"
	"github.com/v2ray-connector/internal/engine"
	"github.com/v2ray-connector/internal/metrics"
	"github.com/v2ray-connector/internal/storage"
	"github.com/v2ray-connector/internal/types"
)

// Connector is the engine surface the view API needs.
type Connector interface {
	Status() engine.Status
	Toggle() engine.Status
	ClearLocalData()
}

// ResultsFeed is the backend surface for the read-only results feed and
// server-side data clearing.
type ResultsFeed interface {
	FetchAllResults(ctx context.Context) ([]types.ProbeResult, error)
	ClearAllData(ctx context.Context) error
}

type Server struct {
	config      *config.Config
	connector   Connector
	feed        ResultsFeed
	store       storage.Store
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    requestsPerMinute / 10, // Allow bursts
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, connector Connector, feed ResultsFeed, store storage.Store, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		connector:   connector,
		feed:        feed,
		store:       store,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}
	if s.config.API.EnableCORS {
		// The view layer may be served from anywhere.
		s.router.Use(cors.Default())
	}

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/status", s.handleStatus)
	protected.POST("/toggle", s.handleToggle)
	protected.GET("/results", s.handleResults)
	protected.GET("/subscription", s.handleGetSubscription)
	protected.PUT("/subscription", s.handleSetSubscription)
	protected.DELETE("/data", s.handleClearData)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router, used by httptest in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.connector.Status())
}

func (s *Server) handleToggle(c *gin.Context) {
	c.JSON(http.StatusOK, s.connector.Toggle())
}

func (s *Server) handleResults(c *gin.Context) {
	results, err := s.feed.FetchAllResults(c.Request.Context())
	if err != nil {
		log.Errorf("Results feed failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "testing service is unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   len(results),
		"results": results,
	})
}

func (s *Server) handleGetSubscription(c *gin.Context) {
	url, err := s.store.LoadSubscriptionURL()
	if err != nil {
		log.Errorf("Failed to load subscription URL: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to load subscription URL",
		})
		return
	}

	isDefault := url == ""
	if isDefault {
		url = s.config.Engine.DefaultSubscriptionURL
	}

	c.JSON(http.StatusOK, gin.H{
		"url":     url,
		"default": isDefault,
	})
}

type subscriptionRequest struct {
	URL string `json:"url" binding:"required,url"`
}

func (s *Server) handleSetSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "url must be a valid URL",
		})
		return
	}

	if err := s.store.SaveSubscriptionURL(req.URL); err != nil {
		log.Errorf("Failed to save subscription URL: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to save subscription URL",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url": req.URL,
	})
}

func (s *Server) handleClearData(c *gin.Context) {
	if err := s.feed.ClearAllData(c.Request.Context()); err != nil {
		log.Errorf("Server-side clear failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "testing service is unavailable",
		})
		return
	}

	s.connector.ClearLocalData()

	c.JSON(http.StatusOK, gin.H{
		"message": "cleared",
	})
}
