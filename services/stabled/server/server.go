package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhbstable/observability"
	"nhbstable/services/stabled/app"
	"nhbstable/services/stabled/auth"
	"nhbstable/services/stabled/journal"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
	RateLimit       RateLimit
}

// Server exposes the stable engine over HTTP.
type Server struct {
	cfg     Config
	app     *app.App
	journal *journal.Journal
	auth    *auth.Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	handler http.Handler
}

// New constructs the router. The journal is optional; without it the event
// query endpoint reports 503.
func New(cfg Config, application *app.App, j *journal.Journal, authenticator *auth.Authenticator, logger *slog.Logger) (*Server, error) {
	if application == nil {
		return nil, fmt.Errorf("stable app required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		app:     application,
		journal: j,
		auth:    authenticator,
		limiter: NewRateLimiter(cfg.RateLimit, logger),
		logger:  logger,
	}
	s.handler = otelhttp.NewHandler(s.routes(), "stabled")
	return s, nil
}

// Handler exposes the configured HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v chi.Router) {
		v.Use(s.auth.Middleware)
		v.Use(s.limiter.Middleware)

		v.Get("/assets", s.handleAssets)
		v.Get("/positions/{address}", s.handlePosition)
		v.Get("/events", s.handleEvents)
		v.Get("/events/stream", s.handleEventStream)

		v.Group(func(w chi.Router) {
			w.Use(auth.RequireScope(auth.ScopePositionsWrite))
			w.Post("/collateral/deposit", s.handleDeposit)
			w.Post("/collateral/redeem", s.handleRedeem)
			w.Post("/stable/mint", s.handleMint)
			w.Post("/stable/burn", s.handleBurn)
			w.Post("/positions/open", s.handleOpen)
			w.Post("/positions/close", s.handleClose)
			w.Post("/tokens/approve", s.handleApprove)
		})
		v.With(auth.RequireScope(auth.ScopeLiquidate)).Post("/liquidations", s.handleLiquidate)
		v.Group(func(admin chi.Router) {
			admin.Use(auth.RequireScope(auth.ScopeAdmin))
			admin.Post("/admin/faucet", s.handleFaucet)
			admin.Post("/admin/prices", s.handleSetPrice)
			admin.Post("/admin/pause", s.handlePause)
			admin.Get("/admin/events/export", s.handleEventExport)
			admin.Get("/admin/events/verify", s.handleEventVerify)
		})
	})
	return r
}

// observe records request metrics under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("stable", r.Method+" "+route, status, time.Since(start))
	})
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("forcing server stop", slog.Any("error", err))
			_ = srv.Close()
		}
	}()

	s.logger.Info("stabled listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.app.IsPaused("stable") {
		status = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func principal(r *http.Request) *auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
