package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/driftwoodhq/metriclift/internal/transform"
)

var tenantSchemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresStore writes migrated metrics into one tenant schema. Every
// statement is scoped to the schema bound at construction.
type PostgresStore struct {
	db     *sql.DB
	schema string
}

func NewPostgresStore(db *sql.DB, tenantSchema string) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	schema := strings.TrimSpace(tenantSchema)
	if !tenantSchemaPattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid tenant schema %q", tenantSchema)
	}
	return &PostgresStore{db: db, schema: schema}, nil
}

func (s *PostgresStore) table(name string) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(name)
}

// InsertSessionBatch upserts one batch of sessions. Each row is its own
// statement so a single bad row never poisons the rest of the batch.
func (s *PostgresStore) InsertSessionBatch(ctx context.Context, rows []transform.TransformedSession) (BatchResult, error) {
	if s == nil || s.db == nil {
		return BatchResult{}, fmt.Errorf("postgres store is not configured")
	}

	result := BatchResult{}
	query := `INSERT INTO ` + s.table("sessions") + ` (
			id,
			cloud_user_id,
			session_start,
			session_end,
			total_duration_ms,
			tools_used,
			productivity_score,
			session_type,
			project_id,
			tags,
			interruptions_count,
			focus_time_ms,
			description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET cloud_user_id = EXCLUDED.cloud_user_id,
		    session_start = EXCLUDED.session_start,
		    session_end = EXCLUDED.session_end,
		    total_duration_ms = EXCLUDED.total_duration_ms,
		    tools_used = EXCLUDED.tools_used,
		    productivity_score = EXCLUDED.productivity_score,
		    session_type = EXCLUDED.session_type,
		    project_id = EXCLUDED.project_id,
		    tags = EXCLUDED.tags,
		    interruptions_count = EXCLUDED.interruptions_count,
		    focus_time_ms = EXCLUDED.focus_time_ms,
		    description = EXCLUDED.description,
		    updated_at = NOW()
		RETURNING (xmax = 0) AS inserted`

	for _, row := range rows {
		var inserted bool
		err := s.db.QueryRowContext(
			ctx,
			query,
			row.ID,
			nullableText(row.CloudUserID),
			row.SessionStart,
			nullableTime(row.SessionEnd),
			row.TotalDurationMs,
			nullableJSON(row.ToolsUsed),
			nullableInt(row.ProductivityScore),
			row.SessionType,
			nullableText(row.ProjectID),
			pq.Array(row.Tags),
			row.InterruptionsCount,
			row.FocusTimeMs,
			nullableText(row.Description),
		).Scan(&inserted)
		if err != nil {
			result.Errors = append(result.Errors, RowError{RecordID: row.ID, Err: err.Error()})
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	return result, nil
}

func (s *PostgresStore) InsertToolMetricBatch(ctx context.Context, rows []transform.TransformedToolMetric) (BatchResult, error) {
	if s == nil || s.db == nil {
		return BatchResult{}, fmt.Errorf("postgres store is not configured")
	}

	result := BatchResult{}
	query := `INSERT INTO ` + s.table("tool_metrics") + ` (
			id,
			session_id,
			tool_name,
			tool_category,
			execution_count,
			total_duration_ms,
			average_duration_ms,
			success_rate,
			error_count,
			memory_usage_mb,
			cpu_time_ms,
			output_size_bytes,
			parameters,
			command_line,
			working_directory
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id, tool_name) DO UPDATE
		SET tool_category = EXCLUDED.tool_category,
		    execution_count = EXCLUDED.execution_count,
		    total_duration_ms = EXCLUDED.total_duration_ms,
		    average_duration_ms = EXCLUDED.average_duration_ms,
		    success_rate = EXCLUDED.success_rate,
		    error_count = EXCLUDED.error_count,
		    memory_usage_mb = EXCLUDED.memory_usage_mb,
		    cpu_time_ms = EXCLUDED.cpu_time_ms,
		    output_size_bytes = EXCLUDED.output_size_bytes,
		    parameters = EXCLUDED.parameters,
		    command_line = EXCLUDED.command_line,
		    working_directory = EXCLUDED.working_directory,
		    updated_at = NOW()
		RETURNING (xmax = 0) AS inserted`

	for _, row := range rows {
		var inserted bool
		err := s.db.QueryRowContext(
			ctx,
			query,
			row.ID,
			row.SessionID,
			row.ToolName,
			nullableText(row.ToolCategory),
			row.ExecutionCount,
			row.TotalDurationMs,
			row.AverageDurationMs,
			row.SuccessRate,
			row.ErrorCount,
			nullableFloat(row.MemoryUsageMb),
			nullableInt64(row.CPUTimeMs),
			nullableInt64(row.OutputSizeBytes),
			nullableJSON(row.Parameters),
			nullableText(row.CommandLine),
			nullableText(row.WorkingDirectory),
		).Scan(&inserted)
		if err != nil {
			result.Errors = append(result.Errors, RowError{RecordID: row.ID, Err: err.Error()})
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	return result, nil
}

func (s *PostgresStore) QuerySessions(ctx context.Context) ([]transform.TransformedSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			id,
			COALESCE(cloud_user_id, ''),
			session_start,
			session_end,
			total_duration_ms,
			tools_used,
			productivity_score,
			COALESCE(session_type, ''),
			COALESCE(project_id, ''),
			tags,
			interruptions_count,
			focus_time_ms,
			COALESCE(description, '')
		FROM `+s.table("sessions")+`
		ORDER BY session_start, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]transform.TransformedSession, 0)
	for rows.Next() {
		var (
			session      transform.TransformedSession
			sessionEnd   sql.NullTime
			toolsUsed    []byte
			productivity sql.NullInt64
			tags         pq.StringArray
		)
		if err := rows.Scan(
			&session.ID,
			&session.CloudUserID,
			&session.SessionStart,
			&sessionEnd,
			&session.TotalDurationMs,
			&toolsUsed,
			&productivity,
			&session.SessionType,
			&session.ProjectID,
			&tags,
			&session.InterruptionsCount,
			&session.FocusTimeMs,
			&session.Description,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if sessionEnd.Valid {
			end := sessionEnd.Time
			session.SessionEnd = &end
		}
		if len(toolsUsed) > 0 {
			session.ToolsUsed = json.RawMessage(toolsUsed)
		}
		if productivity.Valid {
			score := int(productivity.Int64)
			session.ProductivityScore = &score
		}
		session.Tags = tags
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading session rows: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) QueryToolMetrics(ctx context.Context) ([]transform.TransformedToolMetric, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			id,
			session_id,
			tool_name,
			COALESCE(tool_category, ''),
			execution_count,
			total_duration_ms,
			average_duration_ms,
			success_rate,
			error_count,
			memory_usage_mb,
			cpu_time_ms,
			output_size_bytes,
			parameters,
			COALESCE(command_line, ''),
			COALESCE(working_directory, '')
		FROM `+s.table("tool_metrics")+`
		ORDER BY session_id, tool_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool metrics: %w", err)
	}
	defer rows.Close()

	metrics := make([]transform.TransformedToolMetric, 0)
	for rows.Next() {
		var (
			metric     transform.TransformedToolMetric
			memory     sql.NullFloat64
			cpu        sql.NullInt64
			outputSize sql.NullInt64
			parameters []byte
		)
		if err := rows.Scan(
			&metric.ID,
			&metric.SessionID,
			&metric.ToolName,
			&metric.ToolCategory,
			&metric.ExecutionCount,
			&metric.TotalDurationMs,
			&metric.AverageDurationMs,
			&metric.SuccessRate,
			&metric.ErrorCount,
			&memory,
			&cpu,
			&outputSize,
			&parameters,
			&metric.CommandLine,
			&metric.WorkingDirectory,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tool metric row: %w", err)
		}
		if memory.Valid {
			value := memory.Float64
			metric.MemoryUsageMb = &value
		}
		if cpu.Valid {
			value := cpu.Int64
			metric.CPUTimeMs = &value
		}
		if outputSize.Valid {
			value := outputSize.Int64
			metric.OutputSizeBytes = &value
		}
		if len(parameters) > 0 {
			metric.Parameters = json.RawMessage(parameters)
		}
		metrics = append(metrics, metric)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading tool metric rows: %w", err)
	}
	return metrics, nil
}

func (s *PostgresStore) DeleteSessionsByID(ctx context.Context, ids []string) (int, error) {
	return s.deleteByID(ctx, "sessions", ids)
}

func (s *PostgresStore) DeleteToolMetricsByID(ctx context.Context, ids []string) (int, error) {
	return s.deleteByID(ctx, "tool_metrics", ids)
}

func (s *PostgresStore) deleteByID(ctx context.Context, table string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM `+s.table(table)+` WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed reading %s delete row count: %w", table, err)
	}
	return int(affected), nil
}

func (s *PostgresStore) SessionAggregates(ctx context.Context) (SessionAggregates, error) {
	var (
		aggregates SessionAggregates
		earliest   sql.NullTime
		latest     sql.NullTime
		avgScore   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			MIN(session_start),
			MAX(session_start),
			AVG(productivity_score)
		FROM `+s.table("sessions")).Scan(&aggregates.Count, &earliest, &latest, &avgScore)
	if err != nil {
		return SessionAggregates{}, fmt.Errorf("failed to aggregate sessions: %w", err)
	}
	if earliest.Valid {
		value := earliest.Time
		aggregates.EarliestStart = &value
	}
	if latest.Valid {
		value := latest.Time
		aggregates.LatestStart = &value
	}
	if avgScore.Valid {
		value := avgScore.Float64
		aggregates.AvgProductivityScore = &value
	}
	return aggregates, nil
}

func (s *PostgresStore) ToolMetricCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table("tool_metrics")).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tool metrics: %w", err)
	}
	return count, nil
}

func nullableText(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt64(value *int64) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullableFloat(value *float64) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
