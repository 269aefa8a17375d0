package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/driftwoodhq/metriclift/internal/baseline"
	"github.com/driftwoodhq/metriclift/internal/importer"
	"github.com/driftwoodhq/metriclift/internal/parser"
	"github.com/driftwoodhq/metriclift/internal/transform"
	"github.com/driftwoodhq/metriclift/internal/validate"
)

const (
	DetailReportFileName     = "migration_detail_report.md"
	ErrorReportFileName      = "error_report.json"
	ValidationReportFileName = "validation_report.md"
	MetadataFileName         = "migration_metadata.json"
)

// Summary is the computed roll-up carried on the terminal migration result.
type Summary struct {
	TotalSessionsParsed     int     `json:"total_sessions_parsed"`
	TotalToolMetricsParsed  int     `json:"total_tool_metrics_parsed"`
	SessionsImported        int     `json:"sessions_imported"`
	ToolMetricsImported     int     `json:"tool_metrics_imported"`
	DuplicatesRemoved       int     `json:"duplicates_removed"`
	TotalErrors             int     `json:"total_errors"`
	DataIntegrityScore      int     `json:"data_integrity_score"`
	DistinctUsersIdentified int     `json:"distinct_users_identified"`
	BaselineConfidence      float64 `json:"baseline_confidence"`
}

// Data carries everything the report writers need about one run.
type Data struct {
	MigrationID  string
	TenantID     string
	TenantSchema string
	StartedAt    time.Time
	CompletedAt  time.Time
	Success      bool
	FailureCause string

	Parse      *parser.ParseResult
	Transform  *transform.TransformationResult
	Validation *validate.ValidationResult
	Import     *importer.Result
	Baseline   *baseline.ComparisonResult
	Summary    Summary
}

// WriteDetailReport renders the human-readable per-run report.
func WriteDetailReport(reportsDir string, data Data) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# Migration Detail Report\n\n")
	fmt.Fprintf(&b, "- Migration ID: `%s`\n", data.MigrationID)
	fmt.Fprintf(&b, "- Tenant: `%s` (schema `%s`)\n", data.TenantID, data.TenantSchema)
	fmt.Fprintf(&b, "- Started: %s\n", data.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Completed: %s\n", data.CompletedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Outcome: %s\n\n", outcomeLabel(data))

	fmt.Fprintf(&b, "## Summary\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Sessions parsed | %d |\n", data.Summary.TotalSessionsParsed)
	fmt.Fprintf(&b, "| Tool metrics parsed | %d |\n", data.Summary.TotalToolMetricsParsed)
	fmt.Fprintf(&b, "| Sessions imported | %d |\n", data.Summary.SessionsImported)
	fmt.Fprintf(&b, "| Tool metrics imported | %d |\n", data.Summary.ToolMetricsImported)
	fmt.Fprintf(&b, "| Duplicates removed | %d |\n", data.Summary.DuplicatesRemoved)
	fmt.Fprintf(&b, "| Distinct users | %d |\n", data.Summary.DistinctUsersIdentified)
	fmt.Fprintf(&b, "| Total errors | %d |\n", data.Summary.TotalErrors)
	fmt.Fprintf(&b, "| Data integrity score | %d/100 |\n\n", data.Summary.DataIntegrityScore)

	if data.Parse != nil {
		fmt.Fprintf(&b, "## Parse Phase\n\n")
		fmt.Fprintf(&b, "- Files scanned: %d\n", data.Parse.Statistics.FilesScanned)
		fmt.Fprintf(&b, "- Records seen: %d\n", data.Parse.Statistics.RecordsSeen)
		if data.Parse.Statistics.EarliestTimestamp != nil && data.Parse.Statistics.LatestTimestamp != nil {
			fmt.Fprintf(&b, "- Observed range: %s .. %s\n",
				data.Parse.Statistics.EarliestTimestamp.Format(time.RFC3339),
				data.Parse.Statistics.LatestTimestamp.Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "- Parse errors: %d\n\n", len(data.Parse.Errors))
	}

	if data.Transform != nil {
		stats := data.Transform.Statistics
		fmt.Fprintf(&b, "## Transform Phase\n\n")
		fmt.Fprintf(&b, "- Sessions: %d -> %d (duplicates removed: %d, invalid skipped: %d)\n",
			stats.OriginalSessions, stats.TransformedSessions,
			stats.DuplicateSessionsRemoved, stats.InvalidSessionsSkipped)
		fmt.Fprintf(&b, "- Tool metrics: %d -> %d (duplicates removed: %d, invalid skipped: %d)\n",
			stats.OriginalToolMetrics, stats.TransformedToolMetrics,
			stats.DuplicateToolMetricsRemoved, stats.InvalidToolMetricsSkipped)
		fmt.Fprintf(&b, "- Transformation errors: %d\n\n", len(data.Transform.Errors))
	}

	if data.Validation != nil {
		fmt.Fprintf(&b, "## Validation Phase\n\n")
		fmt.Fprintf(&b, "- Valid: %t\n", data.Validation.IsValid)
		fmt.Fprintf(&b, "- Errors: %d, warnings: %d\n\n",
			len(data.Validation.Errors), len(data.Validation.Warnings))
	}

	if data.Import != nil {
		fmt.Fprintf(&b, "## Import Phase\n\n")
		fmt.Fprintf(&b, "- Records processed: %d\n", data.Import.TotalRecordsProcessed)
		fmt.Fprintf(&b, "- Inserted: %d, updated: %d, skipped: %d\n",
			data.Import.RecordsInserted, data.Import.RecordsUpdated, data.Import.RecordsSkipped)
		fmt.Fprintf(&b, "- Import errors: %d\n\n", len(data.Import.Errors))
	}

	if data.Baseline != nil {
		fmt.Fprintf(&b, "## Baseline Comparison\n\n")
		fmt.Fprintf(&b, "- Comparison valid: %t\n", data.Baseline.ComparisonValid)
		fmt.Fprintf(&b, "- Session count diff: %d\n", data.Baseline.Differences.SessionCountDiff)
		fmt.Fprintf(&b, "- Tool metric count diff: %d\n", data.Baseline.Differences.ToolMetricCountDiff)
		fmt.Fprintf(&b, "- Confidence: %.2f\n\n", data.Baseline.Confidence)
	}

	return writeReportFile(reportsDir, DetailReportFileName, []byte(b.String()))
}

type errorReportEntry struct {
	Phase    string `json:"phase"`
	Type     string `json:"type,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Error    string `json:"error"`
}

type errorReport struct {
	MigrationID string             `json:"migration_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	TotalErrors int                `json:"total_errors"`
	Errors      []errorReportEntry `json:"errors"`
}

// WriteErrorReport renders the machine-readable error roll-up. Callers
// only invoke it when the run recorded at least one error.
func WriteErrorReport(reportsDir string, data Data) (string, error) {
	entries := make([]errorReportEntry, 0)

	if data.Parse != nil {
		for _, e := range data.Parse.Errors {
			entries = append(entries, errorReportEntry{
				Phase: "parse", Type: e.Type, RecordID: e.RecordID, Error: e.Err,
			})
		}
	}
	if data.Transform != nil {
		for _, e := range data.Transform.Errors {
			entries = append(entries, errorReportEntry{
				Phase: "transform", Type: e.Type, RecordID: e.RecordID, Error: e.Err,
			})
		}
	}
	if data.Validation != nil {
		for _, e := range data.Validation.Errors {
			entries = append(entries, errorReportEntry{
				Phase: "validate", Type: e.Check, RecordID: e.RecordID, Error: e.Err,
			})
		}
	}
	if data.Import != nil {
		for _, e := range data.Import.Errors {
			entries = append(entries, errorReportEntry{
				Phase: "import", Type: e.Entity, RecordID: e.RecordID, Error: e.Err,
			})
		}
	}

	payload, err := json.MarshalIndent(errorReport{
		MigrationID: data.MigrationID,
		GeneratedAt: time.Now().UTC(),
		TotalErrors: len(entries),
		Errors:      entries,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode error report: %w", err)
	}
	return writeReportFile(reportsDir, ErrorReportFileName, payload)
}

// WriteValidationReport renders the validator's full diagnostic.
func WriteValidationReport(reportsDir string, validation *validate.ValidationResult) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# Validation Report\n\n")
	fmt.Fprintf(&b, "- Valid: %t\n\n", validation.IsValid)
	fmt.Fprintf(&b, "## Integrity Checks\n\n")
	fmt.Fprintf(&b, "| Check | Passed |\n|---|---|\n")
	fmt.Fprintf(&b, "| Session data integrity | %t |\n", validation.IntegrityChecks.SessionDataIntegrity)
	fmt.Fprintf(&b, "| Tool metric consistency | %t |\n", validation.IntegrityChecks.ToolMetricConsistency)
	fmt.Fprintf(&b, "| Foreign key integrity | %t |\n", validation.IntegrityChecks.ForeignKeyIntegrity)
	fmt.Fprintf(&b, "| Duplicate check | %t |\n\n", validation.IntegrityChecks.DuplicateCheck)

	if len(validation.Errors) > 0 {
		fmt.Fprintf(&b, "## Errors\n\n")
		for _, e := range validation.Errors {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Check, e.RecordID, e.Err)
		}
		fmt.Fprintf(&b, "\n")
	}
	if len(validation.Warnings) > 0 {
		fmt.Fprintf(&b, "## Warnings\n\n")
		for _, w := range validation.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	return writeReportFile(reportsDir, ValidationReportFileName, []byte(b.String()))
}

type runMetadata struct {
	MigrationID  string    `json:"migration_id"`
	TenantID     string    `json:"tenant_id"`
	TenantSchema string    `json:"tenant_schema"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	Success      bool      `json:"success"`
	FailureCause string    `json:"failure_cause,omitempty"`
	Summary      Summary   `json:"summary"`
}

// WriteMetadata records the run's terminal metadata at the run root.
func WriteMetadata(runDir string, data Data) (string, error) {
	payload, err := json.MarshalIndent(runMetadata{
		MigrationID:  data.MigrationID,
		TenantID:     data.TenantID,
		TenantSchema: data.TenantSchema,
		StartedAt:    data.StartedAt.UTC(),
		CompletedAt:  data.CompletedAt.UTC(),
		Success:      data.Success,
		FailureCause: data.FailureCause,
		Summary:      data.Summary,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run metadata: %w", err)
	}
	return writeReportFile(runDir, MetadataFileName, payload)
}

func outcomeLabel(data Data) string {
	if data.Success {
		return "succeeded"
	}
	if data.FailureCause != "" {
		return "failed: " + data.FailureCause
	}
	return "failed"
}

func writeReportFile(dir, name string, payload []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return path, nil
}
