// Package v1 exposes the HTTP surface: the unified chat entrypoint, the
// ingestion and admin endpoints, and the internal CORS management API.
// Handlers return typed errors from internal/apierr; the package error
// handler renders them as {success:false, error:<code>, message} bodies.
package v1

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/saleschat/aiservice/ai/cache"
	"github.com/saleschat/aiservice/ai/core/embedding"
	"github.com/saleschat/aiservice/ai/engine"
	"github.com/saleschat/aiservice/ai/metrics"
	"github.com/saleschat/aiservice/ai/vector"
	"github.com/saleschat/aiservice/ingest"
	"github.com/saleschat/aiservice/internal/profile"
	"github.com/saleschat/aiservice/plugin/cors"
	"github.com/saleschat/aiservice/store"
)

// Shared-secret headers. Both compare against INTERNAL_API_KEY; the two
// names exist so backend-channel callers and the tenant backend's internal
// tooling fail with distinct error codes.
const (
	headerAPIKey      = "X-API-Key"
	headerInternalKey = "X-Internal-Key"
)

// Config wires the service's dependencies. Profile, Store and Registry are
// required; the rest may be nil when the matching endpoints are unused
// (tests, degraded boots).
type Config struct {
	Profile  *profile.Profile
	Store    *store.Store
	Engine   *engine.Engine
	Vectors  vector.Store
	Embedder embedding.Service
	Registry *cors.Registry

	// Sync runs the ingestion pipeline inline for /api/extract/process.
	// Its fetcher carries the reduced size gate.
	Sync ingest.Runner

	Metrics *metrics.PrometheusExporter
	Logger  *slog.Logger
}

// APIV1Service holds the handler dependencies and the per-company chat
// rate limiters.
type APIV1Service struct {
	profile  *profile.Profile
	store    *store.Store
	engine   *engine.Engine
	vectors  vector.Store
	embedder embedding.Service
	registry *cors.Registry
	sync     ingest.Runner
	metrics  *metrics.PrometheusExporter
	logger   *slog.Logger

	limiters *cache.LRU[string, *rate.Limiter]
}

func NewAPIV1Service(cfg Config) *APIV1Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &APIV1Service{
		profile:  cfg.Profile,
		store:    cfg.Store,
		engine:   cfg.Engine,
		vectors:  cfg.Vectors,
		embedder: cfg.Embedder,
		registry: cfg.Registry,
		sync:     cfg.Sync,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		limiters: cache.NewLRU[string, *rate.Limiter](4096, time.Hour),
	}
}

// Register installs the routes and the error handler on the given Echo
// instance. Auth is per group; the chat route authenticates inside the
// handler because the requirement depends on the request's channel.
func (s *APIV1Service) Register(e *echo.Echo) {
	e.HTTPErrorHandler = s.errorHandler

	e.POST("/api/unified/chat-stream", s.handleChatStream)
	e.OPTIONS("/api/unified/chat-stream", cors.PreflightHandler(s.registry))

	admin := e.Group("", s.requireAPIKey)
	admin.POST("/api/extract/process", s.handleExtractProcess)
	admin.POST("/api/extract/process-async", s.handleExtractProcessAsync)
	admin.GET("/api/admin/tasks/document/:task_id/status", s.handleTaskStatus)

	admin.POST("/api/admin/companies/register", s.handleCompanyRegister)
	admin.DELETE("/api/admin/companies/:company_id", s.handleCompanyDelete)

	admin.POST("/api/admin/companies/:company_id/context/:kind", s.handleContextReplace)
	admin.GET("/api/admin/companies/:company_id/context/:kind", s.handleContextList)
	admin.PUT("/api/admin/companies/:company_id/context/:kind", s.handleContextAdd)
	admin.DELETE("/api/admin/companies/:company_id/context/:kind", s.handleContextDelete)

	admin.POST("/api/admin/companies/:company_id/files/process", s.handleFileProcess)
	admin.DELETE("/api/admin/companies/:company_id/files/:file_id", s.handleExtractionDelete)
	admin.DELETE("/api/admin/companies/:company_id/extractions/:file_id", s.handleExtractionDelete)
	admin.DELETE("/api/admin/companies/:company_id/products/:product_id", s.handleProductDelete)
	admin.DELETE("/api/admin/companies/:company_id/services/:service_id", s.handleServiceDelete)

	internal := e.Group("/api/internal/cors", s.requireInternalKey)
	internal.POST("/update-domains", s.handleCORSUpdateDomains)
	internal.DELETE("/clear-cache/:plugin_id", s.handleCORSInvalidate)
	internal.DELETE("/clear-cache", s.handleCORSClear)
	internal.GET("/status", s.handleCORSStatus)
}

// invalidateTenant drops the engine's cached tenant profile after an admin
// mutation so the next chat turn sees the new data.
func (s *APIV1Service) invalidateTenant(companyID string) {
	if s.engine != nil {
		s.engine.InvalidateTenant(companyID)
	}
}

// contextItem is the wire form of a store.ContextRecord.
type contextItem struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

func renderContextItem(r *store.ContextRecord) contextItem {
	return contextItem{
		ID:       r.ID,
		Title:    r.Title,
		Content:  r.Content,
		Language: r.Language,
	}
}
