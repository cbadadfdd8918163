package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"utm-content-engine/internal/observability"
	"utm-content-engine/internal/storage"
)

// EventRecorder is satisfied by *storage.Store.
type EventRecorder interface {
	RecordEvent(ctx context.Context, e storage.EventRow) error
}

// EventHandler is the fire-and-forget interaction sink. Content resolution
// never calls it.
type EventHandler struct {
	Recorder EventRecorder
}

func NewEventHandler(rec EventRecorder) *EventHandler {
	return &EventHandler{Recorder: rec}
}

var eventTypes = map[string]string{
	"PAGE_VIEW":      "page_view",
	"CTA_CLICK":      "cta_click",
	"PURCHASE_CLICK": "purchase",
}

type eventRequest struct {
	EventType   string   `json:"event_type"`
	Segment     string   `json:"segment"`
	SiteID      string   `json:"site_id"`
	UTMSource   string   `json:"utm_source"`
	UTMMedium   string   `json:"utm_medium"`
	UTMCampaign string   `json:"utm_campaign"`
	UTMContent  string   `json:"utm_content"`
	UTMTerm     string   `json:"utm_term"`
	GCLID       string   `json:"gclid"`
	FBCLID      string   `json:"fbclid"`
	Revenue     *revenue `json:"revenue"`
	IsHoldout   bool     `json:"is_holdout"`
}

type eventResponse struct {
	Success   bool   `json:"success"`
	EventType string `json:"event_type"`
	Segment   string `json:"segment"`
	Timestamp string `json:"timestamp"`
}

// revenue accepts both 19.99 and "19.99".
type revenue float64

func (r *revenue) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*r = revenue(f)
	return nil
}

func (h *EventHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	siteID := siteIDFrom(req.SiteID, r.Header.Get(SiteHeader))

	typ, ok := eventTypes[strings.ToUpper(req.EventType)]
	if !ok {
		typ = "page_view"
	}
	row := storage.EventRow{
		SiteID:      siteID,
		Type:        typ,
		Segment:     req.Segment,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		UTMContent:  req.UTMContent,
		UTMTerm:     req.UTMTerm,
		GCLID:       req.GCLID,
		FBCLID:      req.FBCLID,
		IsHoldout:   req.IsHoldout,
	}
	if req.Revenue != nil {
		v := float64(*req.Revenue)
		row.Revenue = &v
	}

	if siteID != "" {
		err := h.Recorder.RecordEvent(r.Context(), row)
		switch {
		case errors.Is(err, storage.ErrSiteNotFound):
			log.Debug().Str("site_id", siteID).Msg("event for unknown site dropped")
		case err != nil:
			observability.RequestErrors.WithLabelValues("event_store").Inc()
			log.Error().Err(err).Str("site_id", siteID).Msg("record event")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
	}

	writeJSON(w, http.StatusOK, eventResponse{
		Success:   true,
		EventType: req.EventType,
		Segment:   req.Segment,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
