package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	"utm-content-engine/internal/engine"
	"utm-content-engine/internal/observability"
)

// SiteHeader lets the widget identify its site without a body field.
const SiteHeader = "X-Site-ID"

// maxBodyBytes bounds request bodies; both endpoints take a handful of short fields.
const maxBodyBytes = 4 << 10

// Resolver is satisfied by *engine.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, siteID string, p engine.Params) (*engine.Resolution, error)
}

type ContentHandler struct {
	Resolver      Resolver
	BrowserMaxAge time.Duration
	CDNMaxAge     time.Duration
}

func NewContentHandler(res Resolver, browserMaxAge, cdnMaxAge time.Duration) *ContentHandler {
	return &ContentHandler{Resolver: res, BrowserMaxAge: browserMaxAge, CDNMaxAge: cdnMaxAge}
}

type contentRequest struct {
	SiteID string `json:"site_id"`
	engine.Params
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody decodes a size-limited JSON body. On failure it writes the 400
// or 413 reply and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		observability.RequestErrors.WithLabelValues("too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	observability.RequestErrors.WithLabelValues("bad_request").Inc()
	writeError(w, http.StatusBadRequest, "Invalid request body")
	return false
}

func (h *ContentHandler) Content(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	siteID := siteIDFrom(req.SiteID, r.Header.Get(SiteHeader))

	res, err := h.Resolver.Resolve(r.Context(), siteID, req.Params)
	switch {
	case errors.Is(err, engine.ErrInvalidSite):
		observability.RequestErrors.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "site_id is required")
		return
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "No content variant found for parameters")
		return
	case errors.Is(err, engine.ErrSiteMisconfigured):
		observability.RequestErrors.WithLabelValues("site_misconfigured").Inc()
		writeError(w, http.StatusInternalServerError, "Site is not configured")
		return
	case err != nil:
		observability.RequestErrors.WithLabelValues("store").Inc()
		log.Error().Err(err).
			Str("site_id", siteID).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("content resolution failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	hdr := w.Header()
	hdr.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.BrowserMaxAge.Seconds())))
	hdr.Set("CDN-Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.CDNMaxAge.Seconds())))
	hdr.Set("Vary", "Accept-Encoding")
	hdr.Set("X-Content-Source", string(res.Tier))
	hdr.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// siteIDFrom prefers the body field. The widget sends "unknown" in the header
// when it has no site configured, which counts as absent.
func siteIDFrom(body, header string) string {
	for _, v := range []string{body, header} {
		v = strings.TrimSpace(v)
		if v != "" && !strings.EqualFold(v, "unknown") {
			return v
		}
	}
	return ""
}
