package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/fableforge/internal/api/dto"
	"github.com/fableforge/fableforge/internal/config"
	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/internal/lock"
	"github.com/fableforge/fableforge/internal/manager"
	"github.com/fableforge/fableforge/internal/notify"
	"github.com/fableforge/fableforge/internal/processor"
	"github.com/fableforge/fableforge/internal/scheduler"
	"github.com/fableforge/fableforge/internal/store"
	"github.com/fableforge/fableforge/internal/worker"
)

type testAPI struct {
	engine *gin.Engine
	mgr    *manager.Manager
	reg    *processor.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	cfg := config.Default()
	mgr := manager.New(st, cfg, logger)
	sched := scheduler.New(mgr, cfg, logger)
	reg := processor.NewRegistry()

	w := worker.New(worker.Options{
		Manager:   mgr,
		Scheduler: sched,
		Registry:  reg,
		Locker:    lock.New(cfg.Engine.LockTTL, logger),
		Notifier:  notify.New(nil, logger),
		Config:    cfg,
		Logger:    logger,
	})

	deps := &Dependencies{Logger: logger, Manager: mgr, Scheduler: sched, Worker: w}
	jobHandler := NewJobHandler(deps)
	workerHandler := NewWorkerHandler(deps)

	r := gin.New()
	r.POST("/api/v1/jobs", jobHandler.CreateJob)
	r.GET("/api/v1/jobs", jobHandler.ListJobs)
	r.GET("/api/v1/jobs/:job_id", jobHandler.GetJob)
	r.POST("/api/v1/jobs/:job_id/cancel", jobHandler.CancelJob)
	r.DELETE("/api/v1/jobs/:job_id", jobHandler.DeleteJob)
	r.POST("/api/v1/worker/process", workerHandler.ProcessJobs)
	r.GET("/api/v1/worker/status", workerHandler.Status)
	r.GET("/api/v1/worker/stats", workerHandler.Stats)

	return &testAPI{engine: r, mgr: mgr, reg: reg}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)
	return rec
}

func TestCreateJobEndpoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/jobs", gin.H{
		"job_type":   "cartoonize",
		"input_data": gin.H{"prompt": "a fox"},
		"user_id":    "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, "cartoonize", created.JobType)
	assert.Equal(t, string(job.StatusPending), created.Status)
	assert.Equal(t, "alice", created.UserID)
}

func TestCreateJobEndpointRejectsBadInput(t *testing.T) {
	api := newTestAPI(t)

	// Unknown type.
	rec := api.do(http.MethodPost, "/api/v1/jobs", gin.H{"job_type": "mystery"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing type entirely.
	rec = api.do(http.MethodPost, "/api/v1/jobs", gin.H{"user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobEndpointDelayUntil(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	api.reg.Register(&completingProcessor{mgr: api.mgr, jobType: job.TypeCartoonize})

	rec := api.do(http.MethodPost, "/api/v1/jobs", gin.H{
		"job_type":    "cartoonize",
		"input_data":  gin.H{"prompt": "a fox"},
		"delay_until": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// A delayed job sits out processing passes until its time arrives.
	rec = api.do(http.MethodPost, "/api/v1/worker/process", gin.H{"max_jobs": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var result worker.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 0, result.Processed)

	got, err := api.mgr.GetJobStatus(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)

	// Malformed timestamps are rejected before the job is created.
	rec = api.do(http.MethodPost, "/api/v1/jobs", gin.H{
		"job_type":    "cartoonize",
		"delay_until": "tomorrow-ish",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobEndpoint(t *testing.T) {
	api := newTestAPI(t)

	created, err := api.mgr.CreateJob(context.Background(), job.TypeAutoStory, nil, "")
	require.NoError(t, err)

	rec := api.do(http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.JobID)

	// Well-formed but unknown ID.
	rec = api.do(http.MethodGet, "/api/v1/jobs/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Not a UUID at all.
	rec = api.do(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsEndpointPaginates(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := api.mgr.CreateJob(ctx, job.TypeAutoStory, nil, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}

	rec := api.do(http.MethodGet, "/api/v1/jobs?page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page1 dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page1))
	assert.Len(t, page1.Jobs, 2)
	require.NotEmpty(t, page1.NextCursor)

	rec = api.do(http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+page1.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page2 dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page2))
	assert.Len(t, page2.Jobs, 2)

	// No overlap between pages.
	seen := map[string]bool{}
	for _, j := range append(page1.Jobs, page2.Jobs...) {
		assert.False(t, seen[j.JobID], "job %s appeared twice", j.JobID)
		seen[j.JobID] = true
	}

	rec = api.do(http.MethodGet, "/api/v1/jobs?cursor=!!!bad!!!", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJobEndpoint(t *testing.T) {
	api := newTestAPI(t)

	created, err := api.mgr.CreateJob(context.Background(), job.TypeCartoonize, nil, "")
	require.NoError(t, err)

	rec := api.do(http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancelling again conflicts.
	rec = api.do(http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteJobEndpoint(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	created, err := api.mgr.CreateJob(ctx, job.TypeCartoonize, nil, "")
	require.NoError(t, err)

	// Active jobs cannot be deleted.
	rec := api.do(http.MethodDelete, "/api/v1/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, api.mgr.CancelJob(ctx, created.ID))

	rec = api.do(http.MethodDelete, "/api/v1/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodDelete, "/api/v1/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerProcessEndpoint(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	api.reg.Register(&completingProcessor{mgr: api.mgr, jobType: job.TypeCartoonize})

	created, err := api.mgr.CreateJob(ctx, job.TypeCartoonize, []byte(`{"prompt":"x"}`), "")
	require.NoError(t, err)

	rec := api.do(http.MethodPost, "/api/v1/worker/process", gin.H{"max_jobs": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var result worker.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Processed)

	got, err := api.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestWorkerStatusAndStatsEndpoints(t *testing.T) {
	api := newTestAPI(t)

	_, err := api.mgr.CreateJob(context.Background(), job.TypeAutoStory, nil, "")
	require.NoError(t, err)

	rec := api.do(http.MethodGet, "/api/v1/worker/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status worker.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.Pending)

	rec = api.do(http.MethodGet, "/api/v1/worker/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats job.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
}

// completingProcessor immediately completes its job.
type completingProcessor struct {
	mgr     *manager.Manager
	jobType job.Type
}

func (p *completingProcessor) Type() job.Type { return p.jobType }
func (p *completingProcessor) Process(ctx context.Context, j *job.Job) error {
	return p.mgr.MarkJobCompleted(ctx, j.ID, []byte(`{"url":"https://img.test/1.png"}`))
}
