// Package web serves the operational HTTP surface: health probes, the
// Prometheus scrape endpoint, and a small entity API for inspection and
// trigger dispatch.
package web

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/grainflow/grainflow/pkg/actor"
	"github.com/grainflow/grainflow/pkg/core"
	grainprom "github.com/grainflow/grainflow/pkg/observability/prometheus"
)

// Config parameterizes the ops server.
type Config struct {
	Addr string

	// Resolver backs the entity API; nil disables /entities routes.
	Resolver actor.EntityResolver

	// Registry backs /metrics; nil uses the grainflow default registry.
	Registry *prometheus.Registry

	Logger core.Logger

	// Concurrency bounds simultaneous connections; zero keeps the
	// fasthttp default.
	Concurrency int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the fasthttp ops server.
type Server struct {
	cfg     Config
	logger  core.Logger
	srv     *fasthttp.Server
	metrics fasthttp.RequestHandler
	ready   atomic.Bool
}

// New builds the server without binding the listener.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = grainprom.DefaultRegistry
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		metrics: fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "grainflow",
		Concurrency:  cfg.Concurrency,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the address and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.ready.Store(true)
	s.logger.Infof("web: listening on %s", s.cfg.Addr)
	return s.srv.ListenAndServe(s.cfg.Addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.ShutdownWithContext(ctx)
}

// SetReady flips the readiness probe, for hosts that gate on replay or
// warmup.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handle routes one request. Exported so tests can drive it without a
// listener.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case path == "/readyz":
		if s.ready.Load() {
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ready")
		} else {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString("not ready")
		}
	case path == "/metrics":
		s.metrics(ctx)
	case strings.HasPrefix(path, "/entities/"):
		s.handleEntity(ctx, strings.TrimPrefix(path, "/entities/"))
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// fireRequest is the POST body of the fire endpoint.
type fireRequest struct {
	Trigger       string        `json:"trigger"`
	Args          []interface{} `json:"args,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	DedupeKey     string        `json:"dedupeKey,omitempty"`
}

type fireResponse struct {
	EntityID string `json:"entityId"`
	Applied  bool   `json:"applied"`
	State    string `json:"state"`
}

// handleEntity serves:
//
//	GET  /entities/<type>/<id>       adapter info
//	POST /entities/<type>/<id>/fire  trigger dispatch
func (s *Server) handleEntity(ctx *fasthttp.RequestCtx, rest string) {
	if s.cfg.Resolver == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "want /entities/<type>/<id>")
		return
	}
	entityType, entityID := parts[0], parts[1]

	a, err := s.cfg.Resolver.Resolve(ctx, entityType, entityID)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("entity %s/%s: %v", entityType, entityID, err))
		return
	}

	switch {
	case len(parts) == 2 && ctx.IsGet():
		s.writeJSON(ctx, fasthttp.StatusOK, a.Info())
	case len(parts) == 3 && parts[2] == "fire" && ctx.IsPost():
		s.handleFire(ctx, a)
	default:
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFire(ctx *fasthttp.RequestCtx, a *actor.Adapter) {
	var req fireRequest
	if err := core.JSONDecode(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, "bad fire request: "+err.Error())
		return
	}
	if req.Trigger == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "trigger is required")
		return
	}
	if req.CorrelationID != "" {
		a.SetCorrelation(req.CorrelationID)
	}

	applied := true
	var err error
	if req.DedupeKey != "" {
		applied, err = a.FireDedup(ctx, req.DedupeKey, req.Trigger, req.Args...)
	} else {
		err = a.Fire(ctx, req.Trigger, req.Args...)
	}
	if err != nil {
		s.writeError(ctx, fasthttp.StatusConflict, err.Error())
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, fireResponse{
		EntityID: a.EntityID(),
		Applied:  applied,
		State:    a.CurrentState(),
	})
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	data, err := core.JSONEncode(v)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":` + fmt.Sprintf("%q", msg) + `}`)
}
