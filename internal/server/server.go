// Package server exposes the HTTP and WebSocket API over the auction
// services.
package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/metrics"
	"github.com/terminal-bench/auctionhouse/internal/users"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

// Config holds HTTP server settings.
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Server is the HTTP front of the auction house.
type Server struct {
	router      *gin.Engine
	users       *users.Service
	auctions    *auction.Service
	bids        *bidding.Service
	hub         *Hub
	recorder    *metrics.Recorder
	rateLimiter *RateLimiter
}

// New wires the services into a router. events and recorder may be nil, in
// which case the WebSocket feed serves no live updates and no measurements
// are written.
func New(cfg Config, us *users.Service, as *auction.Service, bs *bidding.Service, events *messaging.Client, recorder *metrics.Recorder) *Server {
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}

	s := &Server{
		router:   gin.New(),
		users:    us,
		auctions: as,
		bids:     bs,
		hub:      NewHub(),
		recorder: recorder,
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	if events != nil {
		if err := s.hub.Attach(events); err != nil {
			log.WithError(err).Error("attach event feed to websocket hub")
		}
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
	s.router.Use(s.rateLimitMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Users
		v1.POST("/users", s.register)
		v1.POST("/users/login", s.login)
		v1.GET("/users/me/balance", s.authMiddleware(), s.getBalance)
		v1.POST("/users/me/deposit", s.authMiddleware(), s.deposit)
		v1.GET("/users/me/transactions", s.authMiddleware(), s.listTransactions)
		v1.POST("/users/me/refunds", s.authMiddleware(), s.refundFinished)

		// Auctions
		v1.POST("/auctions", s.authMiddleware(), s.createAuction)
		v1.GET("/auctions", s.listAuctions)
		v1.GET("/auctions/:id", s.getAuction)
		v1.DELETE("/auctions/:id", s.authMiddleware(), s.cancelAuction)
		v1.GET("/auctions/:id/bids", s.listBids)
		v1.POST("/auctions/:id/bids", s.authMiddleware(), s.placeBid)
		v1.GET("/auctions/:id/bids/my", s.authMiddleware(), s.listMyBids)

		// WebSocket
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Start runs the HTTP server until it fails.
func (s *Server) Start(addr string) error {
	return s.router.Run(addr)
}

// Router exposes the underlying engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		userID, err := s.users.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !s.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"ip":      c.ClientIP(),
		}).Info("request")
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func currentUser(c *gin.Context) uuid.UUID {
	return c.MustGet("user_id").(uuid.UUID)
}

// RateLimiter is a per-key sliding window limiter.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Allow reports whether one more request fits in the key's window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := make([]time.Time, 0, len(requests))
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
