package store

import (
	"context"
	"time"

	"github.com/driftwoodhq/metriclift/internal/transform"
)

// RowError is a per-record write failure inside an otherwise accepted batch.
type RowError struct {
	RecordID string
	Err      string
}

// BatchResult reports affected-row counts for one batch write.
type BatchResult struct {
	Inserted int
	Updated  int
	Skipped  int
	Errors   []RowError
}

// SessionAggregates summarizes the sessions currently held by the
// destination store, used for baseline comparison after import.
type SessionAggregates struct {
	Count                int
	EarliestStart        *time.Time
	LatestStart          *time.Time
	AvgProductivityScore *float64
}

// Store is the narrow contract against the tenant-scoped relational
// destination. Implementations are bound to a single tenant schema at
// construction and must never reach across tenants.
type Store interface {
	InsertSessionBatch(ctx context.Context, rows []transform.TransformedSession) (BatchResult, error)
	InsertToolMetricBatch(ctx context.Context, rows []transform.TransformedToolMetric) (BatchResult, error)

	QuerySessions(ctx context.Context) ([]transform.TransformedSession, error)
	QueryToolMetrics(ctx context.Context) ([]transform.TransformedToolMetric, error)

	DeleteSessionsByID(ctx context.Context, ids []string) (int, error)
	DeleteToolMetricsByID(ctx context.Context, ids []string) (int, error)

	SessionAggregates(ctx context.Context) (SessionAggregates, error)
	ToolMetricCount(ctx context.Context) (int, error)
}
