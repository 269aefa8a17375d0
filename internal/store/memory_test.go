package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftwoodhq/metriclift/internal/transform"
)

func TestMemoryStoreUpsertsAndAggregates(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	score := 80

	result, err := memory.InsertSessionBatch(ctx, []transform.TransformedSession{
		{ID: "s-1", SessionStart: start, ProductivityScore: &score},
		{ID: "s-2", SessionStart: start.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Inserted)

	result, err = memory.InsertSessionBatch(ctx, []transform.TransformedSession{
		{ID: "s-1", SessionStart: start},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated)

	aggregates, err := memory.SessionAggregates(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, aggregates.Count)
	require.Equal(t, start, *aggregates.EarliestStart)
	require.Equal(t, start.Add(time.Hour), *aggregates.LatestStart)
}

func TestMemoryStoreRejectsMetricsForMissingSessions(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()

	result, err := memory.InsertToolMetricBatch(ctx, []transform.TransformedToolMetric{
		{ID: "m-1", SessionID: "nope", ToolName: "compiler"},
	})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0].Err, "does not exist")
}

func TestMemoryStoreInjectedFailures(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()
	memory.FailRecordIDs["s-bad"] = "disk full"

	result, err := memory.InsertSessionBatch(ctx, []transform.TransformedSession{
		{ID: "s-ok", SessionStart: time.Now()},
		{ID: "s-bad", SessionStart: time.Now()},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "s-bad", result.Errors[0].RecordID)

	deleted, err := memory.DeleteSessionsByID(ctx, []string{"s-ok", "s-bad"})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}
