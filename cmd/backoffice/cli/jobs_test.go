package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/jobs"
)

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskStaleTransferScan)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskStaleTransferScan, task.Type())

	task, err = BuildTask(jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	var payload jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, 7*24*time.Hour, payload.Retention)

	_, err = BuildTask("mail:send")
	require.EqualError(t, err, "jobs cli: unsupported job mail:send")
}

func TestUnconfiguredCLI(t *testing.T) {
	_, err := NewJobsCLI(asynq.RedisClientOpt{})
	require.Error(t, err)

	var c *JobsCLI
	_, err = c.Trigger(context.Background(), jobs.TaskStaleTransferScan)
	require.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	require.Error(t, err)
}
