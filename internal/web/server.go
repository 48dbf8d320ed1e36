package web

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// NewServer creates the HTTP server for the htbwatch dashboard.
func NewServer(db *sql.DB, cfg *config.Config, sess *session.Session, version, addr string, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(NewHandlers(db, cfg, sess, version, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter mounts the dashboard, the JSON API and the event stream.
func NewRouter(h *Handlers) http.Handler {
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("web: static sub-FS: " + err.Error())
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/", h.HandleStatus)

	r.Route("/api", func(r chi.Router) {
		// Bodies must be JSON: browsers preflight that, so another origin
		// cannot arm watches with a simple text/plain POST.
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/status", h.HandleStatusJSON)

		r.Put("/watcher", h.HandleWatcherArm)
		r.Delete("/watcher", h.HandleWatcherDisarm)

		r.Get("/watches", h.HandleWatchList)
		r.Post("/watches", h.HandleWatchArm)
		r.Delete("/watches/{machine}", h.HandleWatchCancel)

		r.Get("/events", h.HandleEvents)
	})

	r.Get("/ws", h.HandleStream)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServerFS(staticSub)))

	return r
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'; connect-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves srv until ctx is done, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("web: dashboard running", "url", "http://"+srv.Addr)
	if strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("web: binding to all interfaces, the dashboard may be reachable from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("web: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
