package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifact/provider-validator/internal/adapter/repo/memory"
	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/idempotency"
	"github.com/verifact/provider-validator/internal/ratelimit"
	"github.com/verifact/provider-validator/internal/usecase"
)

type noopQueue struct{}

func (noopQueue) Enqueue(context.Context, domain.WorkerTask) error { return nil }
func (noopQueue) Reserve(context.Context, domain.TaskType, time.Duration) (*domain.WorkerTask, error) {
	return nil, nil
}
func (noopQueue) Ack(context.Context, domain.TaskType, string) error           { return nil }
func (noopQueue) Nack(context.Context, domain.WorkerTask, time.Duration) error { return nil }
func (noopQueue) TombstoneJob(context.Context, string) error                   { return nil }
func (noopQueue) IsTombstoned(context.Context, string) (bool, error)           { return false, nil }
func (noopQueue) RequeueExpired(context.Context, domain.TaskType) (int, error) { return 0, nil }

func newTestHandler(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	orc := usecase.NewOrchestrator(usecase.Orchestrator{
		Jobs:        store.Jobs(),
		Providers:   store.Providers(),
		Reports:     store.Reports(),
		Idempotency: idempotency.NewMemoryStore(time.Hour),
		Queue:       noopQueue{},
	})
	srv := NewServer(orc, ratelimit.New(nil))

	r := chi.NewRouter()
	r.Post("/v1/jobs", srv.SubmitBatch)
	r.Post("/v1/jobs/csv", srv.SubmitCSV)
	r.Post("/v1/jobs/{jobID}/cancel", srv.Cancel)
	r.Get("/v1/jobs/{jobID}", srv.GetStatus)
	r.Get("/v1/jobs/{jobID}/providers/{providerID}/report", srv.GetReport)
	r.Get("/v1/limits", srv.Limits)
	return r, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitBody() map[string]interface{} {
	return map[string]interface{}{
		"providers": []map[string]string{{
			"provider_id": "P1",
			"given_name":  "John",
			"family_name": "Smith",
			"identifier":  "1234567893",
		}},
		"priority": "high",
	}
}

func TestSubmitBatchAccepted(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		JobID         string `json:"job_id"`
		Status        string `json:"status"`
		ProviderCount int    `json:"provider_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, 1, resp.ProviderCount)
}

func TestSubmitBatchRejectsEmpty(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]interface{}{"providers": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
}

func TestSubmitBatchRejectsBadPriority(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	body := submitBody()
	body["priority"] = "asap"
	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatchMalformedJSON(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatchIdempotencyConflict(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := func(body map[string]interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		r := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
		r.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	first := req(submitBody())
	require.Equal(t, http.StatusAccepted, first.Code)

	other := submitBody()
	other["providers"] = []map[string]string{{"provider_id": "P2", "identifier": "9876543210"}}
	second := req(other)
	require.Equal(t, http.StatusConflict, second.Code)

	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &env))
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", env.Error.Code)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		JobID         string  `json:"job_id"`
		Status        string  `json:"status"`
		ProviderCount int     `json:"provider_count"`
		Progress      float64 `json:"progress_percentage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, created.JobID, status.JobID)
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, 1, status.ProviderCount)
}

func TestGetStatusNotFound(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestSubmitCSV(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	csv := "provider_id,given_name,identifier\nP1,John,1234567893\nP2,Jane,9876543210\n"
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/csv?priority=urgent", strings.NewReader(csv))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		ProviderCount int `json:"provider_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ProviderCount)
}

func TestSubmitCSVRejectsBinary(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/csv",
		bytes.NewReader([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelFlow(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/"+created.JobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "cancelled", status.Status)

	// A second cancel stays OK; cancel is idempotent.
	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/"+created.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetReportPendingThenFinal(t *testing.T) {
	t.Parallel()
	h, store := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	path := "/v1/jobs/" + created.JobID + "/providers/P1/report"
	rec = doJSON(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep struct {
		ValidationStatus  string  `json:"validation_status"`
		OverallConfidence float64 `json:"overall_confidence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "pending", rep.ValidationStatus)

	require.NoError(t, store.CreateReport(context.Background(), domain.ProviderReport{
		JobID: created.JobID, ProviderID: "P1",
		ValidationStatus: domain.ReportValid, OverallConfidence: 0.857142857,
	}))

	rec = doJSON(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "valid", rep.ValidationStatus)
	assert.Equal(t, 0.8571, rep.OverallConfidence, "rounded at the boundary")
}

func TestGetReportUnknownProvider(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+created.JobID+"/providers/ghost/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLimits(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sources []struct {
			Source string `json:"source"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 5)
	assert.Equal(t, "identifier_check", resp.Sources[0].Source)
}
