package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pharmsim/asl-engine/internal/api/middleware"
	"github.com/pharmsim/asl-engine/internal/consent"
	"github.com/pharmsim/asl-engine/internal/domain/asl"
	"github.com/pharmsim/asl-engine/internal/observability/metrics"
	"github.com/pharmsim/asl-engine/internal/records"
)

// ASLHandler handles the patient view, consent transitions, search and
// dispensing.
type ASLHandler struct {
	records *records.Service
	machine *consent.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewASLHandler creates a new handler
func NewASLHandler(rec *records.Service, machine *consent.Machine, m *metrics.Metrics, logger *zap.Logger) *ASLHandler {
	return &ASLHandler{records: rec, machine: machine, metrics: m, logger: logger}
}

// Routes returns the handler routes, mounted under /api/v1
func (h *ASLHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/asl/{patientID}", func(r chi.Router) {
		r.Get("/", h.View)
		r.Post("/request-access", h.RequestAccess)
		r.Post("/refresh", h.Refresh)
		r.Get("/search", h.Search)
		r.Post("/dispense", h.Dispense)
	})
	r.Delete("/patients/{patientID}/consent", h.DeleteConsent)
	r.With(middleware.RequireTeacher).Get("/stats/consent", h.ConsentCensus)
	return r
}

func patientID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "patientID"), 10, 64)
}

// View handles GET /asl/{patientID}
func (h *ASLHandler) View(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := patientID(r)
	if err != nil {
		jsonError(w, "invalid patient id", http.StatusBadRequest)
		return
	}

	view, err := h.records.PatientView(ctx, id)
	if err != nil {
		h.writeError(ctx, w, err, "load patient view")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// TransitionResponse is the body for all consent transitions
type TransitionResponse struct {
	Message              string              `json:"message"`
	Consent              asl.ConsentSnapshot `json:"consent-status"`
	UpdatedPrescriptions int64               `json:"updated_prescriptions"`
	ShouldReload         bool                `json:"should_reload"`
}

// RequestAccess handles POST /asl/{patientID}/request-access
func (h *ASLHandler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "request_access", h.machine.RequestAccess)
}

// Refresh handles POST /asl/{patientID}/refresh
func (h *ASLHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "refresh", func(ctx context.Context, id int64) (*consent.TransitionResult, error) {
		res, err := h.machine.Refresh(ctx, id)
		if err == nil {
			h.metrics.PrescriptionsReleased.Add(float64(res.UpdatedPrescriptions))
		}
		return res, err
	})
}

// DeleteConsent handles DELETE /patients/{patientID}/consent
func (h *ASLHandler) DeleteConsent(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "delete_consent", h.machine.DeleteConsent)
}

func (h *ASLHandler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id int64) (*consent.TransitionResult, error)) {
	ctx := r.Context()
	tracer := otel.Tracer("asl-handler")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	id, err := patientID(r)
	if err != nil {
		jsonError(w, "invalid patient id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("patient_id", id))

	res, err := fn(ctx, id)
	if err != nil {
		h.metrics.ConsentTransitions.WithLabelValues(op, "error").Inc()
		h.writeError(ctx, w, err, op)
		return
	}

	h.metrics.ConsentTransitions.WithLabelValues(op, "ok").Inc()
	writeJSON(w, http.StatusOK, TransitionResponse{
		Message:              res.Message,
		Consent:              res.Consent,
		UpdatedPrescriptions: res.UpdatedPrescriptions,
		ShouldReload:         res.ShouldReload,
	})
}

// Search handles GET /asl/{patientID}/search?q=
func (h *ASLHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := patientID(r)
	if err != nil {
		jsonError(w, "invalid patient id", http.StatusBadRequest)
		return
	}

	results, err := h.records.Search(ctx, id, r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(ctx, w, err, "search")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// DispenseRequest is the body for POST /asl/{patientID}/dispense
type DispenseRequest struct {
	PrescriptionIDs []int64 `json:"prescription_ids"`
	DispensedBy     string  `json:"dispensed_by"`
	DispensedDate   string  `json:"dispensed_date,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

// Dispense handles POST /asl/{patientID}/dispense
func (h *ASLHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := patientID(r)
	if err != nil {
		jsonError(w, "invalid patient id", http.StatusBadRequest)
		return
	}

	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	count, err := h.records.Dispense(ctx, id, records.DispenseRequest{
		PrescriptionIDs: req.PrescriptionIDs,
		DispensedBy:     req.DispensedBy,
		DispensedDate:   req.DispensedDate,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeError(ctx, w, err, "dispense")
		return
	}

	h.metrics.PrescriptionsDispensed.Add(float64(count))
	h.logger.Info("dispense recorded",
		zap.Int64("patient_id", id),
		zap.Int("count", count),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"dispensed": count})
}

// ConsentCensus handles GET /stats/consent (teacher role)
func (h *ASLHandler) ConsentCensus(w http.ResponseWriter, r *http.Request) {
	census, err := h.records.ConsentCensus(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, err, "consent census")
		return
	}
	writeJSON(w, http.StatusOK, census)
}

// writeError maps service errors onto HTTP statuses: state conflicts to
// 409, missing rows to 404, consent gating to 403, the rest to 500.
func (h *ASLHandler) writeError(ctx context.Context, w http.ResponseWriter, err error, op string) {
	switch {
	case asl.IsStateConflict(err):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, asl.ErrNotFound):
		jsonError(w, "patient not found", http.StatusNotFound)
	case errors.Is(err, records.ErrConsentNotGranted):
		jsonError(w, err.Error(), http.StatusForbidden)
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}
