// Package api serves stored measurements over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcranalyzer/internal/blob"
	"mcranalyzer/internal/logging"
	"mcranalyzer/pkg/domain"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// maxBodyBytes bounds reagent assignment payloads.
const maxBodyBytes = 1 << 20

// Handler exposes the measurement store and image archive.
type Handler struct {
	Store   domain.Store
	Archive *blob.Archive
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer       prometheus.Gatherer
	Logger         *logging.Logger
	ImageURLExpiry time.Duration
}

// NewHandler constructs a handler. archive and gatherer may be nil.
func NewHandler(store domain.Store, archive *blob.Archive, gatherer prometheus.Gatherer, log *logging.Logger) *Handler {
	return &Handler{Store: store, Archive: archive, Gatherer: gatherer, Logger: log, ImageURLExpiry: blob.DefaultURLExpiry}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestLogger)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/measurements", h.handleList).Methods(http.MethodGet)
	api.HandleFunc("/measurements/{id:[0-9]+}", h.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/measurements/{id:[0-9]+}", h.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/measurements/{id:[0-9]+}/reagents", h.handleAssign).Methods(http.MethodPut)
	api.HandleFunc("/measurements/{id:[0-9]+}/image", h.handleImage).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *Handler) logger(r *http.Request) *logging.Logger {
	log := h.Logger
	if log == nil {
		log = logging.Nop()
	}
	return log.WithComponent("api").WithRequestID(r.Header.Get(RequestIDHeader))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "mcranalyzer",
		"archive": h.Archive.Enabled(),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.Store.QueryMeasurements(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.MeasurementRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"measurements": records, "count": len(records)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := measurementID(w, r)
	if !ok {
		return
	}
	rec, err := h.Store.GetMeasurement(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := measurementID(w, r)
	if !ok {
		return
	}
	rec, err := h.Store.GetMeasurement(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	deleted, err := h.Store.DeleteMeasurement(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, fmt.Sprintf("measurement %d not found", id))
		return
	}
	if _, err := h.Archive.Remove(r.Context(), rec.ImageKey); err != nil {
		h.logger(r).WithError(err).Warn().Str("image_key", rec.ImageKey).Msg("archived image not removed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := measurementID(w, r)
	if !ok {
		return
	}
	var assignments []domain.WellAssignment
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&assignments); err != nil {
		writeError(w, http.StatusBadRequest, "invalid assignment payload: "+err.Error())
		return
	}
	for _, a := range assignments {
		if strings.TrimSpace(a.Reagent) == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("well %v: reagent name required", a.Well))
			return
		}
	}
	if err := h.Store.AssignReagents(r.Context(), id, assignments); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	rec, err := h.Store.GetMeasurement(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) {
	id, ok := measurementID(w, r)
	if !ok {
		return
	}
	rec, err := h.Store.GetMeasurement(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if rec.ImageKey == "" || !h.Archive.Enabled() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("measurement %d has no archived image", id))
		return
	}
	url, err := h.Archive.URL(r.Context(), rec.ImageKey, h.ImageURLExpiry)
	switch {
	case err == nil:
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	case !errors.Is(err, blob.ErrUnsupported):
		h.writeStoreError(w, r, err)
		return
	}
	info, rc, err := h.Archive.Open(r.Context(), rec.ImageKey)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	defer rc.Close()
	contentType := info.ContentType
	if contentType == "" {
		contentType = blob.ImageContentType
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(info.ETag))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger(r).WithError(err).Warn().Int64("measurement_id", id).Msg("image stream interrupted")
	}
}

func measurementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid measurement id %q", raw))
		return 0, false
	}
	return id, true
}

func parseFilter(r *http.Request) (domain.MeasurementFilter, error) {
	q := r.URL.Query()
	filter := domain.MeasurementFilter{
		DeviceSerial: strings.TrimSpace(q.Get("device")),
		PlateName:    strings.TrimSpace(q.Get("plate")),
		ReagentName:  strings.TrimSpace(q.Get("reagent")),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return filter, fmt.Errorf("from: %w", err)
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return filter, fmt.Errorf("to: %w", err)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return filter, fmt.Errorf("from must be before to")
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("limit: %q is not a non-negative integer", raw)
		}
		filter.Limit = n
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 time", raw)
	}
	return t, nil
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsIntegrity(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case domain.IsNotFound(err), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger(r).WithError(err).Error().Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requestLogger assigns a request ID and logs each request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		h.logger(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(started)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
