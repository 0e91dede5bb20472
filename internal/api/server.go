// Package api exposes the quarantine review surface over HTTP: listing and
// inspecting quarantined records, driving their review lifecycle, CSV export
// for offline analysis, and operational stats.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jszwec/csvutil"

	"github.com/skyward/skyguard/internal/httpx"
	"github.com/skyward/skyguard/internal/ingestion"
	"github.com/skyward/skyguard/internal/metrics"
	"github.com/skyward/skyguard/internal/quality"
	"github.com/skyward/skyguard/internal/retention"
	"github.com/skyward/skyguard/internal/store"
	"github.com/skyward/skyguard/pkg/models"
)

// QuarantineStore is the slice of the repository the API serves.
type QuarantineStore interface {
	Get(ctx context.Context, id string) (quality.QuarantineRecord, error)
	List(ctx context.Context, f store.ListFilter) ([]quality.QuarantineRecord, error)
	UpdateStatus(ctx context.Context, id string, next quality.Status, reviewer, notes string) error
	StatusCounts(ctx context.Context) (map[quality.Status]int, error)
	ApprovedForRelease(ctx context.Context, limit int) ([]quality.QuarantineRecord, error)
}

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	store     QuarantineStore
	validator *Validator
	registry  *metrics.Registry
	sweeper   *retention.Sweeper
	ingest    *ingestion.Metrics
}

// Validator is the ad-hoc assessment pipeline behind POST /assess.
type Validator struct {
	Scorer   *quality.Validator
	Detector *quality.Detector
	Decider  *quality.Decider
}

// NewServer wires the review API. Sweeper and ingest metrics may be nil; the
// stats endpoint then omits those sections.
func NewServer(st QuarantineStore, v *Validator, registry *metrics.Registry, sweeper *retention.Sweeper, ingest *ingestion.Metrics) *Server {
	return &Server{store: st, validator: v, registry: registry, sweeper: sweeper, ingest: ingest}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/quarantine", s.handleList)
		r.Get("/quarantine/export", s.handleExport)
		r.Get("/quarantine/{id}", s.handleGet)
		r.Patch("/quarantine/{id}/status", s.handleUpdateStatus)
		r.Post("/quarantine/release", s.handleRelease)
		r.Get("/stats", s.handleStats)
		r.Post("/assess", s.handleAssess)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "skyguard"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.registry.Export()))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()

	f := store.ListFilter{
		Status: quality.Status(r.URL.Query().Get("status")),
		ICAO24: r.URL.Query().Get("icao24"),
		Limit:  parseLimit(r.URL.Query().Get("limit"), 100),
	}
	if f.Status != "" && !quality.ValidStatus(f.Status) {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown status %q", f.Status)})
		return
	}

	records, err := s.store.List(r.Context(), f)
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()

	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

type statusUpdateRequest struct {
	Status   quality.Status `json:"status"`
	Reviewer string         `json:"reviewer"`
	Notes    string         `json:"notes"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()

	var req statusUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	id := chi.URLParam(r, "id")
	err := s.store.UpdateStatus(r.Context(), id, req.Status, req.Reviewer, req.Notes)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, store.ErrInvalidTransition):
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case err != nil:
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
	}
}

// exportRow flattens one quarantine record for CSV consumers.
type exportRow struct {
	ID            string  `csv:"quarantine_id"`
	ICAO24        string  `csv:"icao24"`
	QuarantinedAt string  `csv:"quarantined_at"`
	Status        string  `csv:"status"`
	Reasons       string  `csv:"reasons"`
	OverallScore  float64 `csv:"overall_score"`
	Grade         string  `csv:"grade"`
	IssueCount    int     `csv:"issue_count"`
	AnomalyCount  int     `csv:"anomaly_count"`
	ExpiresAt     string  `csv:"expires_at"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()

	f := store.ListFilter{
		Status: quality.Status(r.URL.Query().Get("status")),
		Limit:  parseLimit(r.URL.Query().Get("limit"), 500),
	}
	records, err := s.store.List(r.Context(), f)
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	rows := make([]exportRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, exportRow{
			ID:            rec.ID,
			ICAO24:        rec.ICAO24,
			QuarantinedAt: rec.QuarantinedAt.UTC().Format(time.RFC3339),
			Status:        string(rec.Status),
			Reasons:       joinReasons(rec.Reasons),
			OverallScore:  rec.Score.Overall,
			Grade:         string(rec.Score.Grade),
			IssueCount:    len(rec.Score.Issues),
			AnomalyCount:  len(rec.Anomalies),
			ExpiresAt:     rec.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}

	body, err := csvutil.Marshal(rows)
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="quarantine.csv"`)
	_, _ = w.Write(body)
}

// releaseResult is the outcome of reprocessing one approved record.
type releaseResult struct {
	ID      string        `json:"id"`
	ICAO24  string        `json:"icao24"`
	Rescore quality.Score `json:"rescore"`
}

// handleRelease reprocesses records that review approved: each is scored
// again and moved to REPROCESSED. Records whose transition fails stay
// approved and are reported separately.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()

	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	approved, err := s.store.ApprovedForRelease(r.Context(), limit)
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	released := make([]releaseResult, 0, len(approved))
	var failed []string
	for _, rec := range approved {
		score := s.validator.Scorer.Validate(&rec.Record, nil)
		if err := s.store.UpdateStatus(r.Context(), rec.ID, quality.StatusReprocessed, "", "released after review"); err != nil {
			failed = append(failed, rec.ID)
			continue
		}
		released = append(released, releaseResult{ID: rec.ID, ICAO24: rec.ICAO24, Rescore: score})
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"released": released,
		"count":    len(released),
		"failed":   failed,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()

	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	stats := map[string]any{"quarantine": counts}
	if s.sweeper != nil {
		stats["retention"] = s.sweeper.Stats()
	}
	if s.ingest != nil {
		stats["ingestion"] = s.ingest.Snapshot()
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

// assessResponse carries the full evaluation of one record without persisting
// anything: score, anomalies, and what the quarantine policy would decide.
type assessResponse struct {
	Score           quality.Score     `json:"score"`
	Anomalies       []quality.Anomaly `json:"anomalies"`
	WouldQuarantine bool              `json:"would_quarantine"`
	Reasons         []quality.Reason  `json:"reasons,omitempty"`
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()

	var rec models.StateVector
	if err := httpx.DecodeJSON(r, &rec); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if rec.ICAO24 == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "icao24 is required"})
		return
	}

	score := s.validator.Scorer.Validate(&rec, nil)
	anomalies := s.validator.Detector.Detect(&rec, nil)
	would, reasons := s.validator.Decider.Evaluate(score, anomalies)

	httpx.WriteJSON(w, http.StatusOK, assessResponse{
		Score:           score,
		Anomalies:       anomalies,
		WouldQuarantine: would,
		Reasons:         reasons,
	})
}

func joinReasons(reasons []quality.Reason) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ";"
		}
		out += string(r)
	}
	return out
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
