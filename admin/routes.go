package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/telemetry"
)

// NewRouter builds the admin API. /metrics is public when Prometheus is
// enabled; everything else needs an authenticated caller and the mutating
// endpoints need the admin role.
func NewRouter(handlers *AdminHandlers, auth *Authorizer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(UserRequired)

		r.Get("/status", handlers.handleStatus)
		r.Get("/subscriptions", handlers.handleListSubscriptions)
		r.Get("/subscriptions/{subscriptionID}/notifications", handlers.handleSubscriptionNotifications)

		r.Route("/observer", func(r chi.Router) {
			r.Use(RoleRequired(RoleAdmin))
			r.Post("/pause", handlers.handlePause)
			r.Post("/resume", handlers.handleResume)
		})
	})

	return r
}

// requestMetrics counts requests by route pattern and status class
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.AdminRequestsTotal.With(route, strconv.Itoa(status/100)+"xx").Inc()
	})
}

// Server runs the admin API
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server for handler on bind:port
func NewServer(bind string, port int, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(bind, strconv.Itoa(port)),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("Admin API listening")
	return nil
}

// Addr returns the bound address, useful when port 0 was requested
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
