// Package ddi binds the coordination core to HTTP: the hawkBit-style DDI
// routes polled by controllers and a small /v1 management API.
package ddi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"otad/pkg/metrics"
	"otad/services/artifacts"
	"otad/services/coordinator"
	"otad/services/registry"
	"otad/services/session"
)

// Version is reported by the health routes.
var Version = "dev"

// Coordinator is the assignment and ingestion surface used by the handlers.
type Coordinator interface {
	PollFor(ctx context.Context, controllerID string, attrs map[string]string) (*coordinator.Descriptor, error)
	Ingest(ctx context.Context, controllerID, deploymentID string, rep coordinator.Report) (coordinator.Ack, error)
	Describe(ctx context.Context, controllerID, deploymentID string) (*coordinator.Descriptor, error)
	SetAttributes(ctx context.Context, controllerID string, attrs map[string]string) (coordinator.Controller, error)
	Controller(ctx context.Context, controllerID string) (coordinator.Controller, error)
	History(ctx context.Context, deploymentID string) ([]coordinator.StatusReport, error)
}

// Deployments is the registry surface used by the management API.
type Deployments interface {
	Create(ctx context.Context, req registry.CreateRequest) (registry.Deployment, error)
	Get(ctx context.Context, id string) (registry.Deployment, error)
	GetByName(ctx context.Context, name string) (registry.Deployment, error)
	Audit(ctx context.Context, id string) ([]registry.AuditRecord, error)
}

// ArtifactStore is the artifact surface used by uploads and downloads.
type ArtifactStore interface {
	Put(ctx context.Context, name string, r io.Reader, expectedSHA256 string) (artifacts.Artifact, error)
	Stat(ctx context.Context, name string) (artifacts.Artifact, error)
	Open(ctx context.Context, locator string) (io.ReadCloser, artifacts.Artifact, error)
}

// Deps are the collaborators of a Server. Engine, Registry, Store and
// Sessions are required.
type Deps struct {
	Engine   Coordinator
	Registry Deployments
	Store    ArtifactStore
	Sessions session.Tracker

	Metrics  *metrics.Recorder
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	// Ready backs /readyz. Nil means always ready.
	Ready func(context.Context) error
	// Middleware wraps every route, outermost first.
	Middleware []func(http.Handler) http.Handler
}

// Options tune the HTTP surface.
type Options struct {
	PublicURL      string
	PollRateLimit  int
	AllowedOrigins []string
	// RequestTimeout bounds every route except artifact transfers.
	RequestTimeout time.Duration
	// TransferTimeout bounds artifact uploads and downloads. Zero means
	// no limit beyond the client's own.
	TransferTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	engine   Coordinator
	registry Deployments
	store    ArtifactStore
	sessions session.Tracker
	metrics  *metrics.Recorder
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	ready    func(context.Context) error
	wrap     []func(http.Handler) http.Handler

	publicURL       string
	pollRateLimit   int
	allowedOrigins  []string
	requestTimeout  time.Duration
	transferTimeout time.Duration
	now             func() time.Time
}

// New validates deps and returns a Server.
func New(deps Deps, opts Options) (*Server, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("engine is required")
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Store == nil:
		return nil, errors.New("artifact store is required")
	case deps.Sessions == nil:
		return nil, errors.New("session tracker is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Ready == nil {
		deps.Ready = func(context.Context) error { return nil }
	}
	if opts.PollRateLimit <= 0 {
		opts.PollRateLimit = 120
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Server{
		engine:         deps.Engine,
		registry:       deps.Registry,
		store:          deps.Store,
		sessions:       deps.Sessions,
		metrics:        deps.Metrics,
		gatherer:       deps.Gatherer,
		logger:         deps.Logger,
		ready:          deps.Ready,
		wrap:           deps.Middleware,
		publicURL:       opts.PublicURL,
		pollRateLimit:   opts.PollRateLimit,
		allowedOrigins:  opts.AllowedOrigins,
		requestTimeout:  opts.RequestTimeout,
		transferTimeout: opts.TransferTimeout,
		now:             time.Now,
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range s.wrap {
		r.Use(mw)
	}
	timeout := middleware.Timeout(s.requestTimeout)

	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Get("/", s.handleRoot)
		r.Get("/healthz", s.handleRoot)
		r.Get("/readyz", s.handleReady)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	})

	r.Route("/rest/v1/ddi/v1", func(r chi.Router) {
		// Artifact bytes are served uncompressed with their exact length.
		r.With(s.transferDeadline).Get("/artifacts/*", s.handleDownload)

		r.Route("/controller/device/{controllerId}", func(r chi.Router) {
			r.Use(timeout)
			r.Use(gzipJSON)
			r.Use(httprate.Limit(s.pollRateLimit, time.Minute,
				httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
					return chi.URLParam(r, "controllerId"), nil
				}),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					respondError(w, http.StatusTooManyRequests, errors.New("poll rate limit exceeded"))
				}),
			))
			r.Get("/", s.handlePoll)
			r.Put("/configData", s.handleConfigData)
			r.Get("/deploymentBase/{deploymentId}", s.handleDeploymentBase)
			r.Post("/deploymentBase/{deploymentId}", s.handleFeedback)
			r.Post("/deploymentBase/{deploymentId}/feedback", s.handleFeedback)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins(),
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Checksum-Sha256"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
		r.With(s.transferDeadline).Post("/artifacts/{name}", s.handleUploadArtifact)
		r.With(timeout, gzipJSON).Get("/artifacts/{name}", s.handleGetArtifact)

		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Use(gzipJSON)
			r.Post("/deployments", s.handleCreateDeployment)
			r.Get("/deployments", s.handleFindDeployment)
			r.Get("/deployments/{id}", s.handleGetDeployment)
			r.Get("/deployments/{id}/history", s.handleHistory)
			r.Get("/deployments/{id}/audit", s.handleAudit)
			r.Get("/controllers/{id}", s.handleGetController)
		})
	})

	return r
}

func (s *Server) origins() []string {
	if len(s.allowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.allowedOrigins
}

// transferDeadline replaces the request timeout on artifact transfers,
// which stream for as long as the payload takes.
func (s *Server) transferDeadline(next http.Handler) http.Handler {
	if s.transferTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.transferTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func gzipJSON(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "otad DDI server",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	if err := s.ready(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
