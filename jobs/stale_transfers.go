package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/backoffice/internal/jobs"
	"github.com/odyssey-erp/backoffice/internal/transfer"
)

// StaleLister is the slice of the transfer service the scan needs.
type StaleLister interface {
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]transfer.Document, error)
}

// StaleTransferJob logs pending transfers the destination has not closed.
type StaleTransferJob struct {
	Transfers StaleLister
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	After     time.Duration
	clock     func() time.Time
}

// NewStaleTransferJob wires the scan. after defaults to 48h.
func NewStaleTransferJob(transfers StaleLister, after time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *StaleTransferJob {
	if after <= 0 {
		after = 48 * time.Hour
	}
	return &StaleTransferJob{
		Transfers: transfers,
		Logger:    logger,
		Metrics:   metrics,
		After:     after,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes TaskStaleTransferScan tasks.
func (j *StaleTransferJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Transfers == nil {
		return errors.New("stale transfer scan: handler not configured")
	}
	var payload StaleTransferPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskStaleTransferScan)
	defer func() { err = tracker.End(err) }()

	after := j.After
	if payload.OlderThan > 0 {
		after = payload.OlderThan
	}
	cutoff := j.clock().Add(-after)

	docs, err := j.Transfers.StalePending(ctx, cutoff, payload.Limit)
	if err != nil {
		j.logger().Error("stale transfer scan", slog.Any("error", err))
		return err
	}
	j.Metrics.SetStaleTransfers(len(docs))
	for _, doc := range docs {
		j.logger().Warn("transfer pending past threshold",
			slog.Int64("transfer_id", doc.ID),
			slog.String("code", doc.Code),
			slog.Int64("to_warehouse_id", doc.ToWarehouse.ID),
			slog.Time("submitted_at", submittedAt(doc)),
		)
	}
	j.logger().Info("stale transfer scan complete", slog.Int("stale", len(docs)), slog.Time("cutoff", cutoff))
	return nil
}

func (j *StaleTransferJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func submittedAt(doc transfer.Document) time.Time {
	if doc.SubmittedAt != nil {
		return *doc.SubmittedAt
	}
	return doc.UpdatedAt
}
