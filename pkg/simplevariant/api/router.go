package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// Options configures the router middleware.
type Options struct {
	// Origins lists the allowed CORS origins; empty disables CORS headers.
	Origins []string
	// RateLimitMax caps requests per client IP per RateLimitDuration;
	// zero disables the limiter.
	RateLimitMax      int
	RateLimitDuration time.Duration
	// ForbiddenPrefix rejects request paths under the rendition prefix;
	// empty disables the guard.
	ForbiddenPrefix string
	// Checks are reported by the health endpoint.
	Checks []HealthCheck

	Logger *slog.Logger
}

// NewRouter assembles the HTTP edge: standard chi middleware, CORS, rate
// limiting, the rendition-prefix guard, and the image routes.
func NewRouter(service simplevariant.Service, opts Options) chi.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(opts.Origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.Origins,
			AllowedMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if opts.RateLimitMax > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimitMax, opts.RateLimitDuration))
	}
	if opts.ForbiddenPrefix != "" {
		r.Use(ForbidPrefix(opts.ForbiddenPrefix, opts.Logger))
	}

	handler := NewImageHandler(service, opts.Logger, opts.Checks...)
	r.Mount("/", handler.Routes())

	return r
}

// ForbidPrefix rejects requests whose path begins with the rendition
// prefix. Deployed in front of its own rendition bucket, the service would
// otherwise resolve rendition keys as image ids and recurse.
func ForbidPrefix(prefix string, logger *slog.Logger) func(http.Handler) http.Handler {
	prefix = "/" + strings.TrimPrefix(prefix, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, prefix) {
				logger.Warn("forbidden rendition path requested", "path", r.URL.Path)
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, ErrorResponse{Error: "Forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
