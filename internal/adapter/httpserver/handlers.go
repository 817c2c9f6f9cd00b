package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/ratelimit"
	"github.com/verifact/provider-validator/internal/report"
	"github.com/verifact/provider-validator/internal/usecase"
)

// maxCSVBytes bounds CSV intake bodies.
const maxCSVBytes = 10 << 20

// Server holds the handler dependencies.
type Server struct {
	Orchestrator *usecase.Orchestrator
	Limiter      *ratelimit.Limiter
	validate     *validator.Validate
}

// NewServer constructs a Server.
func NewServer(orc *usecase.Orchestrator, lim *ratelimit.Limiter) *Server {
	return &Server{
		Orchestrator: orc,
		Limiter:      lim,
		validate:     validator.New(),
	}
}

type submitRequest struct {
	Providers []domain.Provider         `json:"providers" validate:"required,min=1,dive"`
	Options   *domain.ValidationOptions `json:"options"`
	Priority  string                    `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type submitResponse struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	ProviderCount int       `json:"provider_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// SubmitBatch handles POST /v1/jobs.
func (s *Server) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed JSON body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("invalid request: %w", domain.ErrInvalidArgument), err.Error())
		return
	}
	opts := domain.DefaultValidationOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	job, err := s.Orchestrator.SubmitBatch(r.Context(), req.Providers, opts,
		r.Header.Get("Idempotency-Key"), domain.JobPriority(req.Priority))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		ProviderCount: job.ProviderCount,
		CreatedAt:     job.CreatedAt,
	})
}

// SubmitCSV handles POST /v1/jobs/csv. The body is raw CSV; the content is
// sniffed so mislabelled uploads are rejected early.
func (s *Server) SubmitCSV(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCSVBytes+1))
	if err != nil {
		writeError(w, r, fmt.Errorf("reading body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if len(body) > maxCSVBytes {
		writeError(w, r, fmt.Errorf("body exceeds %d bytes: %w", maxCSVBytes, domain.ErrInvalidArgument), nil)
		return
	}
	if mt := mimetype.Detect(body); !mt.Is("text/csv") && !mt.Is("text/plain") {
		writeError(w, r, fmt.Errorf("body is %s, want CSV: %w", mt.String(), domain.ErrInvalidArgument), nil)
		return
	}
	providers, err := usecase.ParseProvidersCSV(body)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	opts := domain.DefaultValidationOptions()
	if raw := r.URL.Query().Get("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			writeError(w, r, fmt.Errorf("malformed options: %w", domain.ErrInvalidArgument), nil)
			return
		}
	}
	job, err := s.Orchestrator.SubmitBatch(r.Context(), providers, opts,
		r.Header.Get("Idempotency-Key"), domain.JobPriority(r.URL.Query().Get("priority")))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		ProviderCount: job.ProviderCount,
		CreatedAt:     job.CreatedAt,
	})
}

type statusResponse struct {
	JobID              string                   `json:"job_id"`
	Status             string                   `json:"status"`
	ProviderCount      int                      `json:"provider_count"`
	CompletedCount     int                      `json:"completed_count"`
	FailedCount        int                      `json:"failed_count"`
	ProgressPercentage float64                  `json:"progress_percentage"`
	ValidationOptions  domain.ValidationOptions `json:"validation_options"`
	Error              string                   `json:"error,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// GetStatus handles GET /v1/jobs/{jobID}.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.Orchestrator.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:              job.ID,
		Status:             string(job.Status),
		ProviderCount:      job.ProviderCount,
		CompletedCount:     job.CompletedCount,
		FailedCount:        job.FailedCount,
		ProgressPercentage: report.Round4(job.Progress),
		ValidationOptions:  job.Options,
		Error:              job.Error,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
	})
}

type fieldSummaryExport struct {
	FieldName           string   `json:"field_name"`
	AgreedValue         string   `json:"agreed_value"`
	Confidence          float64  `json:"confidence"`
	Status              string   `json:"status"`
	ContributingSources []string `json:"contributing_sources"`
	ValidationCount     int      `json:"validation_count"`
}

type reportExport struct {
	ProviderID          string                        `json:"provider_id"`
	JobID               string                        `json:"job_id"`
	OverallConfidence   float64                       `json:"overall_confidence"`
	ValidationStatus    string                        `json:"validation_status"`
	FieldSummaries      map[string]fieldSummaryExport `json:"field_summaries"`
	AggregatedFields    map[string]string             `json:"aggregated_fields"`
	Flags               []string                      `json:"flags"`
	ValidationTimestamp time.Time                     `json:"validation_timestamp"`
	ProcessingTimeMS    int64                         `json:"processing_time_ms"`
	Signature           string                        `json:"signature,omitempty"`
}

// GetReport handles GET /v1/jobs/{jobID}/providers/{providerID}/report.
// Confidences are rounded to four decimals on this boundary only.
func (s *Server) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Orchestrator.Report(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := reportExport{
		ProviderID:          rep.ProviderID,
		JobID:               rep.JobID,
		OverallConfidence:   report.Round4(rep.OverallConfidence),
		ValidationStatus:    string(rep.ValidationStatus),
		FieldSummaries:      make(map[string]fieldSummaryExport, len(rep.FieldSummaries)),
		AggregatedFields:    rep.AggregatedFields,
		Flags:               rep.Flags,
		ValidationTimestamp: rep.ValidationTimestamp,
		ProcessingTimeMS:    rep.ProcessingTime.Milliseconds(),
		Signature:           rep.Signature,
	}
	for name, fs := range rep.FieldSummaries {
		out.FieldSummaries[name] = fieldSummaryExport{
			FieldName:           fs.FieldName,
			AgreedValue:         fs.AgreedValue,
			Confidence:          report.Round4(fs.Confidence),
			Status:              string(fs.Status),
			ContributingSources: fs.ContributingSources,
			ValidationCount:     fs.ValidationCount,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel handles POST /v1/jobs/{jobID}/cancel.
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.Orchestrator.Cancel(r.Context(), jobID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(domain.JobCancelled)})
}

// Limits handles GET /v1/limits: the operator view of every source
// limiter.
func (s *Server) Limits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": s.Limiter.StatusAll()})
}
