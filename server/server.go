// Package server assembles the HTTP surface: middleware, the v1 routes,
// the health and metrics endpoints, and coordinated shutdown of the
// engine, the worker pool, and the stores.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/ai/core/embedding"
	"github.com/saleschat/aiservice/ai/engine"
	"github.com/saleschat/aiservice/ai/metrics"
	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/ingest"
	"github.com/saleschat/aiservice/internal/profile"
	"github.com/saleschat/aiservice/internal/version"
	"github.com/saleschat/aiservice/plugin/cors"
	apiv1 "github.com/saleschat/aiservice/server/router/api/v1"
	"github.com/saleschat/aiservice/store"
)

const (
	shutdownTimeout = 30 * time.Second
	poolDrainBudget = 15 * time.Second
	sideEffectDrain = 10 * time.Second
	probeTimeout    = 2 * time.Second
)

// Config carries the dependencies constructed at boot. Profile and Store
// are required; the rest may be nil, which disables the matching routes
// and probes.
type Config struct {
	Profile  *profile.Profile
	Store    *store.Store
	Engine   *engine.Engine
	Vectors  vector.Store
	Embedder embedding.Service
	Registry *cors.Registry
	Sync     ingest.Runner
	Pool     *ingest.Pool
	Metrics  *metrics.PrometheusExporter
	Logger   *slog.Logger
}

// Server owns the echo instance and the shutdown order of everything
// behind it.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	engine     *engine.Engine
	vectors    vector.Store
	pool       *ingest.Pool
	logger     *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Profile == nil {
		return nil, errors.New("profile is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	s := &Server{
		Profile:    cfg.Profile,
		Store:      cfg.Store,
		echoServer: e,
		engine:     cfg.Engine,
		vectors:    cfg.Vectors,
		pool:       cfg.Pool,
		logger:     logger,
	}

	e.GET("/health", s.handleHealth)
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics.Handler()))
	}

	apiService := apiv1.NewAPIV1Service(apiv1.Config{
		Profile:  cfg.Profile,
		Store:    cfg.Store,
		Engine:   cfg.Engine,
		Vectors:  cfg.Vectors,
		Embedder: cfg.Embedder,
		Registry: cfg.Registry,
		Sync:     cfg.Sync,
		Metrics:  cfg.Metrics,
		Logger:   logger,
	})
	apiService.Register(e)

	return s, nil
}

// Start binds the listener and serves in the background. Bind failures
// come back on the returned error; anything after that is logged.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", address)
	}
	s.echoServer.Listener = listener

	s.logger.Info("Server started",
		slog.String("address", listener.Addr().String()),
		slog.String("mode", s.Profile.Mode),
		slog.String("version", s.Profile.Version),
	)
	go func() {
		if err := s.echoServer.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown drains in flight requests, then stops the worker pool, waits
// for detached chat side effects, and closes the stores. Each step gets
// its own budget so one stuck dependency cannot eat the whole window.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shut down http server", slog.Any("err", err))
	}

	if s.pool != nil {
		if err := s.pool.Close(poolDrainBudget); err != nil {
			s.logger.Error("Failed to drain ingest pool", slog.Any("err", err))
		}
	}
	if s.engine != nil {
		if err := s.engine.Close(sideEffectDrain); err != nil {
			s.logger.Error("Failed to drain chat side effects", slog.Any("err", err))
		}
	}

	if s.vectors != nil {
		if err := s.vectors.Close(); err != nil {
			s.logger.Error("Failed to close vector store", slog.Any("err", err))
		}
	}
	if err := s.Store.Close(); err != nil {
		s.logger.Error("Failed to close store", slog.Any("err", err))
	}

	s.logger.Info("Server stopped")
}

// requestLogger logs one line per request through slog. The probe routes
// are skipped to keep scrape traffic out of the logs.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			)
			return nil
		},
	})
}

type probeResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Workers int    `json:"workers,omitempty"`
}

type healthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Mode    string                 `json:"mode"`
	Probes  map[string]probeResult `json:"probes"`
}

// handleHealth reports the service and its dependencies. Any failing
// probe turns the summary degraded and the response 503 so load
// balancers rotate the instance out.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
	defer cancel()

	probes := map[string]probeResult{
		"queue": probe(s.Store.Ping(ctx)),
	}
	if s.vectors != nil {
		probes["vector_store"] = probe(s.vectors.Ping(ctx))
	}
	if s.pool != nil {
		workers := probeResult{Status: "ok", Workers: s.pool.Workers()}
		if !s.pool.Running() {
			workers = probeResult{Status: "down", Error: "pool is not running"}
		}
		probes["workers"] = workers
	}

	resp := healthResponse{
		Status:  "ok",
		Version: version.GetCurrentVersion(s.Profile.Mode),
		Mode:    s.Profile.Mode,
		Probes:  probes,
	}
	status := http.StatusOK
	for _, p := range probes {
		if p.Status != "ok" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	return c.JSON(status, resp)
}

func probe(err error) probeResult {
	if err != nil {
		return probeResult{Status: "down", Error: err.Error()}
	}
	return probeResult{Status: "ok"}
}
