// Package api exposes the image variant service over HTTP: a redirect
// edge that resolves variant requests, a delete endpoint, and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

const healthCheckTimeout = 2 * time.Second

const (
	imageStatusReady      = "ready"
	imageStatusProcessing = "processing"
)

// Pinger reports backend reachability for the health endpoint. The
// repository and queue seams both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck names a backend probe reported by the health endpoint.
type HealthCheck struct {
	Name   string
	Pinger Pinger
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the body shape shared by all failure responses. Fields
// carries per-field messages when struct validation rejected the request.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// DeleteResponse confirms variant deletion.
type DeleteResponse struct {
	Message string `json:"message"`
}

// ImageHandler handles HTTP requests for image variants.
type ImageHandler struct {
	service simplevariant.Service
	logger  *slog.Logger
	checks  []HealthCheck
}

// NewImageHandler creates an image handler. checks may be empty.
func NewImageHandler(service simplevariant.Service, logger *slog.Logger, checks ...HealthCheck) *ImageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageHandler{service: service, logger: logger, checks: checks}
}

// Routes returns the handler's routes. The image id pattern is registered
// after /health, so chi matches the static route first.
func (h *ImageHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Get("/{imageID}", h.Resolve)
	r.Delete("/{imageID}", h.Delete)

	return r
}

// Health reports liveness plus per-backend reachability. Failing checks
// flip status to "degraded" but keep the 200 so orchestrators do not kill
// a process that can still serve redirects.
func (h *ImageHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		for _, check := range h.checks {
			if err := check.Pinger.Ping(ctx); err != nil {
				h.logger.Warn("health check failed", "backend", check.Name, "error", err)
				resp.Checks[check.Name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[check.Name] = "ok"
		}
	}

	render.JSON(w, r, resp)
}

// Resolve redirects a variant request to the rendition when it is ready,
// or to the original while rendering is queued or in flight.
func (h *ImageHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")

	req, err := parseResolveRequest(imageID, r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.service.ResolveVariant(r.Context(), *req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := imageStatusReady
	if req.WantsResize() && res.ServingOriginal {
		status = imageStatusProcessing
	}

	w.Header().Set("X-Image-Status", status)
	if status == imageStatusReady {
		w.Header().Set("Cache-Control", simplevariant.CacheControlImmutable)
	} else {
		w.Header().Set("Cache-Control", simplevariant.CacheControlNoStore)
	}
	http.Redirect(w, r, h.service.PublicURL(res.Key), http.StatusFound)
}

// Delete removes variant records and rendition objects matched by the
// query selector. Without selectors every variant of the image goes.
func (h *ImageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")

	req, err := parseDeleteRequest(imageID, r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.service.DeleteImage(r.Context(), *req); err != nil {
		h.respondError(w, r, err)
		return
	}

	render.JSON(w, r, DeleteResponse{Message: "Image deleted successfully"})
}

func (h *ImageHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, simplevariant.ErrValidation):
		h.logger.Warn("request validation failed", "path", r.URL.Path, "error", err)
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: err.Error(), Fields: validationFields(err)})
	case errors.Is(err, simplevariant.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Error: "Image not found"})
	case errors.Is(err, simplevariant.ErrForbidden):
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, ErrorResponse{Error: "Forbidden"})
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Error: "Internal server error"})
	}
}

// validationFields flattens struct-tag violations into a field -> message
// map. Errors that did not come from struct validation yield nil, so the
// response carries only the top-level message.
func validationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			fields[e.Field()] = "is required"
		case "gte", "lte":
			fields[e.Field()] = "out of allowed range"
		default:
			fields[e.Field()] = "invalid value"
		}
	}
	return fields
}

func parseResolveRequest(imageID string, query url.Values) (*simplevariant.ResolveRequest, error) {
	req := simplevariant.ResolveRequest{ImageID: imageID}

	var err error
	if req.Width, err = parseDimension(query, "w"); err != nil {
		return nil, err
	}
	if req.Height, err = parseDimension(query, "h"); err != nil {
		return nil, err
	}

	if raw := query.Get("format"); raw != "" {
		format, err := simplevariant.ParseFormat(strings.ToLower(raw))
		if err != nil {
			return nil, err
		}
		req.Format = format
	}

	switch raw := query.Get("force_resize"); raw {
	case "", "false":
	case "true":
		req.ForceResize = true
	default:
		return nil, fmt.Errorf("%w: force_resize must be %q or %q", simplevariant.ErrValidation, "true", "false")
	}

	return &req, nil
}

func parseDeleteRequest(imageID string, query url.Values) (*simplevariant.DeleteRequest, error) {
	req := simplevariant.DeleteRequest{ImageID: imageID}

	var err error
	if req.Width, err = parseDimension(query, "w"); err != nil {
		return nil, err
	}
	if req.Height, err = parseDimension(query, "h"); err != nil {
		return nil, err
	}

	if raw := query.Get("format"); raw != "" {
		format, err := simplevariant.ParseFormat(strings.ToLower(raw))
		if err != nil {
			return nil, err
		}
		req.Format = &format
	}

	return &req, nil
}

func parseDimension(query url.Values, name string) (*int, error) {
	raw := query.Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", simplevariant.ErrValidation, name)
	}
	return &n, nil
}
