// Package api exposes the coordinator's HTTP surface: task submission and
// inspection, pool health, and the operator websocket event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeworks/foreman/pkg/bus"
	"github.com/forgeworks/foreman/pkg/coordinator"
	"github.com/forgeworks/foreman/pkg/database"
	"github.com/forgeworks/foreman/pkg/taskstore"
)

// Server is the HTTP front of the coordinator.
type Server struct {
	coordinator *coordinator.PoolCoordinator
	store       *taskstore.Store
	db          *database.Client
	hub         *Hub
	httpServer  *http.Server
}

func NewServer(addr string, coord *coordinator.PoolCoordinator, store *taskstore.Store, b *bus.Bus, db *database.Client) *Server {
	s := &Server{
		coordinator: coord,
		store:       store,
		db:          db,
		hub:         NewHub(b),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.hub.HandleWebSocket)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/tasks", s.handleSubmitTask)
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.POST("/tasks/:id/stop", s.handleStopTask)
		v1.GET("/pool", s.handlePoolSnapshot)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes websocket clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
