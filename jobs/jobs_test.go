package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/backoffice/internal/jobs"
	"github.com/odyssey-erp/backoffice/internal/transfer"
)

type fakeLister struct {
	cutoff time.Time
	limit  int
	docs   []transfer.Document
	err    error
}

func (f *fakeLister) StalePending(_ context.Context, cutoff time.Time, limit int) ([]transfer.Document, error) {
	f.cutoff = cutoff
	f.limit = limit
	return f.docs, f.err
}

type fakePurger struct {
	retention time.Duration
	removed   int64
}

func (f *fakePurger) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	f.retention = olderThan
	return f.removed, nil
}

func TestStaleTransferJobUsesThreshold(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	lister := &fakeLister{docs: []transfer.Document{{ID: 1, Code: "CK-20240312-ABC123"}, {ID: 2, Code: "CK-20240313-DEF456"}}}
	job := NewStaleTransferJob(lister, 0, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = func() time.Time { return now }

	task, err := NewStaleTransferTask(StaleTransferPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now.Add(-48*time.Hour), lister.cutoff)

	task, err = NewStaleTransferTask(StaleTransferPayload{OlderThan: time.Hour, Limit: 10})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now.Add(-time.Hour), lister.cutoff)
	require.Equal(t, 10, lister.limit)
}

func TestStaleTransferJobErrors(t *testing.T) {
	lister := &fakeLister{err: errors.New("db down")}
	job := NewStaleTransferJob(lister, time.Hour, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskStaleTransferScan, nil))
	require.EqualError(t, err, "db down")

	err = job.Handle(context.Background(), asynq.NewTask(TaskStaleTransferScan, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	var missing *StaleTransferJob
	require.Error(t, missing.Handle(context.Background(), asynq.NewTask(TaskStaleTransferScan, nil)))
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	purger := &fakePurger{removed: 5}
	job := &IdempotencyCleanupJob{Store: purger}

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 7*24*time.Hour, purger.retention)

	task, err := NewIdempotencyCleanupTask(2 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 2*time.Hour, purger.retention)

	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte("nope"))), asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, QueueDefault, body.Queue)
	require.Zero(t, body.Pending)
}
