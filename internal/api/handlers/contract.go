// Package handlers provides HTTP handlers for the ASL API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pharmsim/asl-engine/internal/api/middleware"
	"github.com/pharmsim/asl-engine/internal/contract"
	"github.com/pharmsim/asl-engine/internal/ingest"
	"github.com/pharmsim/asl-engine/internal/observability/metrics"
)

// ContractHandler handles pt_data contract ingestion
type ContractHandler struct {
	ingest  *ingest.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewContractHandler creates a new handler
func NewContractHandler(svc *ingest.Service, m *metrics.Metrics, logger *zap.Logger) *ContractHandler {
	return &ContractHandler{ingest: svc, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *ContractHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Ingest)
	return r
}

// IngestResponse summarizes an accepted contract
type IngestResponse struct {
	PatientID            int64     `json:"patient_id"`
	Medicare             int64     `json:"medicare"`
	NewPatient           bool      `json:"new_patient"`
	CreatedPrescriptions int       `json:"created_prescriptions"`
	CreatedPrescribers   int       `json:"created_prescribers"`
	IngestedAt           time.Time `json:"ingested_at"`
}

// Ingest handles POST /contracts. The body is one pt_data document;
// ?overwrite=true replaces an existing patient's demographics.
func (h *ContractHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("contract-handler")
	ctx, span := tracer.Start(ctx, "ingest_contract")
	defer span.End()

	start := time.Now()

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		h.metrics.ContractsRejected.Inc()
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))
	span.SetAttributes(attribute.Bool("overwrite", overwrite))

	res, err := h.ingest.Ingest(ctx, raw, overwrite)
	if err != nil {
		var verr *contract.ValidationError
		if errors.As(err, &verr) {
			h.metrics.ContractsRejected.Inc()
			h.logger.Warn("contract rejected",
				zap.String("reason", verr.Error()),
				zap.String("request_id", middleware.GetRequestID(ctx)),
			)
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  verr.Error(),
				"where":  verr.Where,
				"fields": verr.Fields,
			})
			return
		}

		h.logger.Error("ingest failed", zap.Error(err))
		span.RecordError(err)
		jsonError(w, "failed to ingest contract", http.StatusInternalServerError)
		return
	}

	h.metrics.ContractsIngested.Inc()
	h.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("patient_id", res.Patient.ID))

	writeJSON(w, http.StatusCreated, IngestResponse{
		PatientID:            res.Patient.ID,
		Medicare:             res.Patient.Medicare,
		NewPatient:           res.IsNewPatient,
		CreatedPrescriptions: res.CreatedPrescriptions,
		CreatedPrescribers:   res.CreatedPrescribers,
		IngestedAt:           time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
