// Package server exposes the orchestrator over a small JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/orchestrator"
)

// Server wires the HTTP routes to one orchestrator.
type Server struct {
	Router *gin.Engine

	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func New(orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	s := &Server{
		Router: gin.New(),
		orch:   orch,
		logger: logging.WithComponent(logger, "server"),
	}
	s.Router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.Router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.Router.Group("/api")
	{
		api.GET("/agents", s.listAgents)
		api.GET("/commands", s.listCommands)
		api.GET("/templates", s.listTemplates)
		api.GET("/files", s.listFiles)

		api.POST("/execute", s.execute)
		api.POST("/reply", s.reply)
		api.POST("/conversations/new", s.newConversation)
		api.GET("/history", s.history)

		workflows := api.Group("/workflows")
		{
			workflows.GET("", s.listWorkflows)
			workflows.POST("", s.startWorkflow)
			workflows.GET("/:id", s.viewWorkflow)
			workflows.DELETE("/:id", s.resetWorkflow)
			workflows.POST("/:id/advance", s.advanceWorkflow)
		}

		api.POST("/handoffs", s.initiateHandoff)
		api.POST("/handoffs/:id/complete", s.completeHandoff)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
