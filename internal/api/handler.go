// Package api exposes the exit engine over HTTP.
package api

import (
	"net/http"
	"time"

	"squareoff/internal/engine"
	"squareoff/internal/events"
	"squareoff/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the scheduler and the event bus.
type Server struct {
	Router  *gin.Engine
	Bus     *events.Bus
	DB      *db.Database
	Queries *db.RuleQueries
	Sched   *engine.Scheduler
	Auth    AuthConfig
	Meta    SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	UseMockFeed      bool
	ExecutionEnabled bool
	Version          string
}

func NewServer(bus *events.Bus, database *db.Database, sched *engine.Scheduler, meta SystemMeta, auth AuthConfig) *Server {
	if auth.TokenTTL <= 0 {
		auth.TokenTTL = defaultTokenTTL
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:  r,
		Bus:     bus,
		DB:      database,
		Queries: database.Queries(),
		Sched:   sched,
		Auth:    auth,
		Meta:    meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.GET("/rules", s.listRules)
			protected.POST("/rules", s.createRule)
			protected.POST("/rules/import", s.importRules)
			protected.GET("/rules/:id", s.getRule)
			protected.PUT("/rules/:id", s.updateRule)
			protected.DELETE("/rules/:id", s.deleteRule)
			protected.POST("/rules/:id/enable", s.enableRule)
			protected.POST("/rules/:id/disable", s.disableRule)

			protected.POST("/engine/start", s.startEngine)
			protected.POST("/engine/stop", s.stopEngine)
			protected.GET("/engine/status", s.engineStatus)

			protected.GET("/trades", s.getActiveTrades)
			protected.GET("/orders", s.getOrders)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
