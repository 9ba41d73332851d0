package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"agentchat/internal/config"
	"agentchat/internal/metrics"
)

// NewRouter builds the gin engine with middleware, API routes, metrics and the UI.
func NewRouter(cfg config.BasicConfig, h *Handler, ui fs.FS, log zerolog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log), metrics.Middleware())

	h.RegisterRoutes(engine)
	engine.GET("/metrics", metrics.Handler())

	if ui != nil {
		engine.StaticFS("/static", http.FS(ui))
		engine.GET("/", func(c *gin.Context) {
			c.FileFromFS("/", http.FS(ui))
		})
	}
	return engine
}

// requestLogger writes one structured line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		evt := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			evt = log.Error()
		case status >= http.StatusBadRequest:
			evt = log.Warn()
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Server wraps the gin engine with graceful shutdown helpers.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	engine          *gin.Engine
	log             zerolog.Logger
}

func NewServer(cfg config.BasicConfig, engine *gin.Engine, log zerolog.Logger) *Server {
	return &Server{
		addr:            cfg.ServerAddress,
		shutdownTimeout: cfg.ShutdownTimeout,
		engine:          engine,
		log:             log,
	}
}

// Run starts the HTTP listener and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
