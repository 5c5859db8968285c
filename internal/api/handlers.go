package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harborguard/internal/auth"
	"github.com/austindbirch/harborguard/internal/delivery"
	"github.com/austindbirch/harborguard/internal/store"
)

type createDestinationRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// createDestinationResponse is the only place a signing secret leaves the
// service.
type createDestinationResponse struct {
	delivery.Destination
	Secret string `json:"secret"`
}

type fireEventRequest struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

type fireEventResponse struct {
	Status   string            `json:"status"`
	Event    string            `json:"event"`
	Outcomes []outcomeResponse `json:"outcomes,omitempty"`
}

type outcomeResponse struct {
	DeliveryID    string `json:"deliveryId"`
	DestinationID string `json:"destinationId"`
	Kind          string `json:"kind"`
	HTTPStatus    *int   `json:"httpStatus,omitempty"`
	Succeeded     bool   `json:"succeeded"`
	DurationMs    int64  `json:"durationMs"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	var req createDestinationRequest
	if !s.decode(w, r, &req) {
		return
	}

	dest, err := s.deps.Store.CreateDestination(r.Context(), store.NewDestination{
		TenantID: tenantID,
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.logger.WithContext(r.Context()).
		WithTenant(tenantID).
		WithDestination(dest.ID).
		WithField("events", dest.SubscribedEvents).
		Info("Destination created")

	writeJSON(w, http.StatusCreated, createDestinationResponse{Destination: dest, Secret: dest.Secret})
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	dests, err := s.deps.Store.ListDestinations(r.Context(), tenantID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if dests == nil {
		dests = []delivery.Destination{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"destinations": dests})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		dest, err := s.deps.Store.SetDestinationEnabled(r.Context(), tenantID, id, enabled)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}

		s.logger.WithContext(r.Context()).
			WithTenant(tenantID).
			WithDestination(id).
			WithField("enabled", enabled).
			Info("Destination updated")

		writeJSON(w, http.StatusOK, dest)
	}
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if _, err := s.deps.Store.GetDestination(r.Context(), tenantID, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	records, err := s.deps.Store.ListDeliveryRecords(r.Context(), tenantID, id, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if records == nil {
		records = []delivery.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": records})
}

// handleFireEvent triggers a fan-out. With ?wait=true the response carries
// every outcome; otherwise the fan-out is queued (or run detached when no
// queue is configured) and the handler returns 202 immediately.
func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	var req fireEventRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Event = strings.TrimSpace(req.Event)
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	log := s.logger.WithContext(r.Context()).WithTenant(tenantID).WithEvent(req.Event)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		outcomes := s.deps.Fanout.Fire(r.Context(), tenantID, req.Event, req.Data)
		resp := fireEventResponse{Status: "completed", Event: req.Event, Outcomes: make([]outcomeResponse, 0, len(outcomes))}
		for _, o := range outcomes {
			resp.Outcomes = append(resp.Outcomes, outcomeResponse{
				DeliveryID:    o.Record.ID,
				DestinationID: o.Record.DestinationID,
				Kind:          o.Kind,
				HTTPStatus:    o.Record.HTTPStatus,
				Succeeded:     o.Record.Succeeded,
				DurationMs:    o.Record.DurationMs,
				Error:         o.Record.Error,
			})
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if s.deps.Publisher != nil {
		err := s.deps.Publisher.Publish(r.Context(), tenantID, req.Event, req.Data)
		if err == nil {
			log.Info("Event queued")
			writeJSON(w, http.StatusAccepted, fireEventResponse{Status: "queued", Event: req.Event})
			return
		}
		log.WithError(err).Warn("Failed to queue event, running fan-out in process")
	}

	ctx := context.WithoutCancel(r.Context())
	s.detached.Go(func() {
		s.deps.Fanout.Fire(ctx, tenantID, req.Event, req.Data)
	})
	log.Info("Event accepted")
	writeJSON(w, http.StatusAccepted, fireEventResponse{Status: "accepted", Event: req.Event})
}

// handleInbound runs behind the signature middleware, so reaching it means
// the body was signed with the inbound secret.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	s.logger.WithContext(r.Context()).
		WithField("source", chi.URLParam(r, "source")).
		WithField("bytes", len(body)).
		Info("Inbound webhook verified")

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	// Keep event data numbers exact; float64 would round large integers
	// before the body is signed.
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "destination not found")
	default:
		s.logger.WithContext(r.Context()).WithError(err).Error("Store operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := auth.GetTenantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant")
		return "", false
	}
	return tenantID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
