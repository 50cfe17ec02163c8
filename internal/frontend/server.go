// Package frontend serves the operator-facing HTTP API: node
// inventory, the experiment verbs and the platform health check. The
// executor-facing gateway routes are mounted under the same /api/v1
// prefix so one listener serves both surfaces; only the user surface
// carries credentials.
package frontend

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/netmark-org/netmark/internal/config"
	"github.com/netmark-org/netmark/internal/gateway"
	"github.com/netmark-org/netmark/internal/logger"
)

// realm announced on 401 responses.
const realm = "netmark"

type Server struct {
	api        *API
	gateway    *gateway.API
	config     *config.Config
	httpServer *http.Server
}

func NewServer(api *API, executorAPI *gateway.API, cfg *config.Config) *Server {
	return &Server{
		api:     api,
		gateway: executorAPI,
		config:  cfg,
	}
}

// Handler assembles the middleware stack and the full route tree.
// Factored out of Serve so tests drive the exact production surface.
func (srv *Server) Handler() http.Handler {
	requestLogger := httplog.NewLogger("http", httplog.Options{
		LogLevel:         slog.LevelDebug,
		JSON:             srv.config.Global.LogFormat == "json",
		Concise:          true,
		RequestHeaders:   true,
		MessageFieldName: "msg",
		ResponseHeaders:  true,
	})

	r := chi.NewMux()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(withRecoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	authed := basicAuth(realm, srv.api.validator)

	r.Group(func(r chi.Router) {
		r.Use(authed)
		r.Get("/health", srv.api.health)
	})

	// Both surfaces share one /api/v1 mount. Executors authenticate
	// by knowing their executor ID, not by credentials, so the
	// gateway routes stay outside the basic-auth group.
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authed)
			srv.api.ConfigureRoutes(r)
		})
		srv.gateway.ConfigureRoutes(r)
	})

	return r
}

func (srv *Server) Serve(ctx context.Context) error {
	srv.httpServer = &http.Server{
		Handler:           srv.Handler(),
		Addr:              srv.config.Server.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "Server is starting", "addr", srv.httpServer.Addr)
		if err := srv.listen(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "Failed to start server", "err", err)
		}
	}()

	srv.gracefulShutdown(ctx)
	return nil
}

func (srv *Server) listen() error {
	if tls := srv.config.Server.TLS; tls != nil {
		return srv.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	}
	return srv.httpServer.ListenAndServe()
}

func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer != nil {
		logger.Info(ctx, "Server is shutting down", "addr", srv.httpServer.Addr)
		return srv.httpServer.Shutdown(ctx)
	}
	return nil
}

func (srv *Server) gracefulShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Context done, shutting down server")
	case <-quit:
		logger.Info(ctx, "Received shutdown signal")
	}

	// The drain window must outlive the canceled parent context or
	// in-flight requests would be cut off immediately.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	srv.httpServer.SetKeepAlivesEnabled(false)
	if err := srv.httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "Failed to shutdown server", "err", err)
	}

	logger.Info(ctx, "Server shutdown complete")
}

// withRecoverer is chi's Recoverer adapted to report through the
// structured logger.
func withRecoverer(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				st := string(debug.Stack())
				logger.Error(r.Context(), "Panic occurred", "err", rvr, "st", st)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	}

	return http.HandlerFunc(fn)
}
