package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftwoodhq/metriclift/internal/baseline"
	"github.com/driftwoodhq/metriclift/internal/config"
	"github.com/driftwoodhq/metriclift/internal/importer"
	"github.com/driftwoodhq/metriclift/internal/parser"
	"github.com/driftwoodhq/metriclift/internal/report"
	"github.com/driftwoodhq/metriclift/internal/store"
	"github.com/driftwoodhq/metriclift/internal/transform"
	"github.com/driftwoodhq/metriclift/internal/validate"
)

type Phase string

const (
	PhaseSetup           Phase = "setup"
	PhaseParse           Phase = "parse"
	PhaseTransform       Phase = "transform"
	PhaseValidate        Phase = "validate"
	PhaseBackup          Phase = "backup"
	PhaseImport          Phase = "import"
	PhaseBaselineCompare Phase = "baseline_compare"
	PhaseReport          Phase = "report"
)

// Events carries optional observer callbacks. Every field may be nil.
type Events struct {
	PhaseComplete  func(phase Phase, result *MigrationResult)
	ImportProgress func(progress importer.Progress)
	Complete       func(result *MigrationResult)
	Error          func(err error)
}

// MigrationResult is the terminal state of one run. Run always returns
// one, even when a phase fails or panics.
type MigrationResult struct {
	MigrationID  string
	TenantID     string
	TenantSchema string
	RunDir       string
	StartedAt    time.Time
	CompletedAt  time.Time
	Success      bool
	FailureCause string

	Parse      *parser.ParseResult
	Transform  *transform.TransformationResult
	Validation *validate.ValidationResult
	Import     *importer.Result
	Baseline   *baseline.ComparisonResult

	Summary     report.Summary
	ReportPaths []string

	RollbackPerformed bool
	RollbackError     string
}

// Runner drives a migration through its phases in order. A validation
// failure aborts the run before anything touches the destination store.
type Runner struct {
	cfg    config.MigrationConfig
	store  store.Store
	events Events
}

func New(cfg config.MigrationConfig, destination store.Store, events Events) *Runner {
	return &Runner{cfg: cfg, store: destination, events: events}
}

// Run executes the migration under a fresh migration id. It never panics
// past this frame and never returns nil.
func (r *Runner) Run(ctx context.Context) *MigrationResult {
	return r.run(ctx, uuid.New().String())
}

// Resume re-executes a previous run under its original migration id. The
// run directory and import checkpoint are reused, so records already
// persisted are skipped.
func (r *Runner) Resume(ctx context.Context, migrationID string) *MigrationResult {
	return r.run(ctx, migrationID)
}

func (r *Runner) run(ctx context.Context, migrationID string) (result *MigrationResult) {
	result = &MigrationResult{
		MigrationID:  migrationID,
		TenantID:     r.cfg.TenantID,
		TenantSchema: r.cfg.TenantSchema,
		StartedAt:    time.Now(),
	}
	defer func() {
		result.CompletedAt = time.Now()
		if r.events.Complete != nil {
			r.events.Complete(result)
		}
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			r.fail(result, fmt.Errorf("migration panicked: %v", recovered))
			// A panic during or after the import phase must still
			// compensate for whatever was persisted.
			if r.cfg.EnableRollback {
				r.rollback(result)
			}
			r.writeReports(result)
		}
	}()

	log.Info().
		Str("migration_id", result.MigrationID).
		Str("tenant", r.cfg.TenantID).
		Str("schema", r.cfg.TenantSchema).
		Msg("migration starting")

	releaseLock, err := r.setup(result)
	if err != nil {
		r.fail(result, err)
		return result
	}
	defer releaseLock()
	r.phaseDone(PhaseSetup, result)

	if err := r.parsePhase(result); err != nil {
		r.fail(result, err)
		r.writeReports(result)
		return result
	}
	r.phaseDone(PhaseParse, result)

	if err := r.transformPhase(result); err != nil {
		r.fail(result, err)
		r.writeReports(result)
		return result
	}
	r.phaseDone(PhaseTransform, result)

	if r.cfg.EnableValidation {
		result.Validation = validate.New().Validate(result.Transform)
		r.phaseDone(PhaseValidate, result)
		if !result.Validation.IsValid {
			r.fail(result, fmt.Errorf("validation failed with %d errors", len(result.Validation.Errors)))
			r.writeReports(result)
			return result
		}
	}

	if r.cfg.EnableBackup {
		if err := r.backupPhase(ctx, result); err != nil {
			r.fail(result, err)
			r.writeReports(result)
			return result
		}
		r.phaseDone(PhaseBackup, result)
	}

	if err := r.importPhase(ctx, result); err != nil {
		r.fail(result, err)
		if r.cfg.EnableRollback {
			r.rollback(result)
		}
		r.writeReports(result)
		return result
	}
	r.phaseDone(PhaseImport, result)

	if err := r.baselinePhase(ctx, result); err != nil {
		// Advisory phase: log and keep going.
		log.Warn().Err(err).Str("migration_id", result.MigrationID).Msg("baseline comparison failed")
	} else {
		r.phaseDone(PhaseBaselineCompare, result)
	}

	result.Success = true
	r.finishSummary(result)
	r.writeReports(result)
	r.phaseDone(PhaseReport, result)

	log.Info().
		Str("migration_id", result.MigrationID).
		Int("sessions", result.Summary.SessionsImported).
		Int("tool_metrics", result.Summary.ToolMetricsImported).
		Int("errors", result.Summary.TotalErrors).
		Msg("migration complete")
	return result
}

// setup creates the per-run directory tree and takes the tenant lock.
func (r *Runner) setup(result *MigrationResult) (func(), error) {
	result.RunDir = filepath.Join(r.cfg.ReportingDir, result.MigrationID)
	for _, dir := range []string{
		result.RunDir,
		filepath.Join(result.RunDir, "checkpoints"),
		filepath.Join(result.RunDir, "backup"),
		filepath.Join(result.RunDir, "reports"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}

	// Single-process guard: one concurrent run per tenant schema.
	lockPath := filepath.Join(r.cfg.ReportingDir, "."+r.cfg.TenantSchema+".lock")
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another migration for schema %s appears to be running (lock %s)", r.cfg.TenantSchema, lockPath)
		}
		return nil, fmt.Errorf("failed to take tenant lock %s: %w", lockPath, err)
	}
	fmt.Fprintf(lock, "%s %s\n", result.MigrationID, time.Now().UTC().Format(time.RFC3339))
	lock.Close()

	return func() {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("lock", lockPath).Msg("failed to release tenant lock")
		}
	}, nil
}

func (r *Runner) parsePhase(result *MigrationResult) error {
	parsed, err := parser.New(r.cfg.SourceDir).Parse()
	if err != nil {
		return fmt.Errorf("parse phase failed: %w", err)
	}
	result.Parse = parsed
	log.Info().
		Str("migration_id", result.MigrationID).
		Int("sessions", len(parsed.Sessions)).
		Int("tool_metrics", len(parsed.ToolMetrics)).
		Int("errors", len(parsed.Errors)).
		Msg("parse phase complete")
	return nil
}

func (r *Runner) transformPhase(result *MigrationResult) error {
	transformed, err := transform.New(r.cfg.TransformOptions()).Transform(result.Parse)
	if err != nil {
		return fmt.Errorf("transform phase failed: %w", err)
	}
	result.Transform = transformed
	log.Info().
		Str("migration_id", result.MigrationID).
		Int("sessions", len(transformed.Sessions)).
		Int("tool_metrics", len(transformed.ToolMetrics)).
		Int("duplicates_removed", transformed.Statistics.DuplicateSessionsRemoved+transformed.Statistics.DuplicateToolMetricsRemoved).
		Msg("transform phase complete")
	return nil
}

func (r *Runner) importPhase(ctx context.Context, result *MigrationResult) error {
	opts := importer.Options{
		BatchSize:       r.cfg.BatchSize,
		ContinueOnError: r.cfg.ContinueOnError,
	}
	if r.cfg.EnableCheckpointing {
		opts.CheckpointPath = filepath.Join(result.RunDir, "checkpoints", "import_checkpoint.json")
	}

	imp := importer.New(r.store, opts)
	if r.cfg.EnableProgressTracking {
		imp.OnProgress = func(p importer.Progress) {
			if r.events.ImportProgress != nil {
				r.events.ImportProgress(p)
			}
		}
	}

	importResult, err := imp.Import(ctx, result.Transform)
	result.Import = importResult
	if err != nil {
		return fmt.Errorf("import phase failed: %w", err)
	}
	if !importResult.Success {
		return fmt.Errorf("import finished with %d errors", len(importResult.Errors))
	}
	return nil
}

func (r *Runner) baselinePhase(ctx context.Context, result *MigrationResult) error {
	comparison, err := baseline.New(baseline.Options{
		SessionCountTolerance:    r.cfg.SessionCountTolerance,
		ToolMetricCountTolerance: r.cfg.ToolMetricCountTolerance,
	}).Compare(ctx, r.store, result.Parse.Statistics, result.Transform)
	if err != nil {
		return err
	}
	result.Baseline = comparison
	if !comparison.ComparisonValid {
		log.Warn().
			Str("migration_id", result.MigrationID).
			Int("session_diff", comparison.Differences.SessionCountDiff).
			Int("tool_metric_diff", comparison.Differences.ToolMetricCountDiff).
			Float64("confidence", comparison.Confidence).
			Msg("baseline drift detected")
	}
	return nil
}

// rollback deletes exactly the records this run persisted, by recorded
// primary-key sets. Best effort: failures are reported, never re-thrown.
func (r *Runner) rollback(result *MigrationResult) {
	if result.Import == nil {
		return
	}
	if len(result.Import.InsertedSessionIDs) == 0 && len(result.Import.InsertedToolMetricIDs) == 0 {
		return
	}

	log.Warn().
		Str("migration_id", result.MigrationID).
		Int("sessions", len(result.Import.InsertedSessionIDs)).
		Int("tool_metrics", len(result.Import.InsertedToolMetricIDs)).
		Msg("rolling back imported records")

	// Tool metrics reference sessions, so they go first.
	ctx := context.Background()
	if len(result.Import.InsertedToolMetricIDs) > 0 {
		if _, err := r.store.DeleteToolMetricsByID(ctx, result.Import.InsertedToolMetricIDs); err != nil {
			result.RollbackError = fmt.Sprintf("failed to delete tool metrics: %v", err)
			log.Error().Err(err).Str("migration_id", result.MigrationID).Msg("rollback incomplete")
			return
		}
	}
	if len(result.Import.InsertedSessionIDs) > 0 {
		if _, err := r.store.DeleteSessionsByID(ctx, result.Import.InsertedSessionIDs); err != nil {
			result.RollbackError = fmt.Sprintf("failed to delete sessions: %v", err)
			log.Error().Err(err).Str("migration_id", result.MigrationID).Msg("rollback incomplete")
			return
		}
	}
	result.RollbackPerformed = true
}

func (r *Runner) finishSummary(result *MigrationResult) {
	summary := report.Summary{}
	if result.Parse != nil {
		summary.TotalSessionsParsed = len(result.Parse.Sessions)
		summary.TotalToolMetricsParsed = len(result.Parse.ToolMetrics)
		summary.TotalErrors += len(result.Parse.Errors)
	}
	if result.Transform != nil {
		summary.DuplicatesRemoved = result.Transform.Statistics.DuplicateSessionsRemoved +
			result.Transform.Statistics.DuplicateToolMetricsRemoved
		summary.DistinctUsersIdentified = result.Transform.Statistics.DistinctUsers
		summary.TotalErrors += len(result.Transform.Errors)
	}
	if result.Validation != nil {
		summary.TotalErrors += len(result.Validation.Errors)
	}
	if result.Import != nil {
		summary.SessionsImported = len(result.Import.InsertedSessionIDs)
		summary.ToolMetricsImported = len(result.Import.InsertedToolMetricIDs)
		summary.TotalErrors += len(result.Import.Errors)
	}
	if result.Baseline != nil {
		summary.BaselineConfidence = result.Baseline.Confidence
	}

	parsed := summary.TotalSessionsParsed + summary.TotalToolMetricsParsed
	imported := summary.SessionsImported + summary.ToolMetricsImported
	if parsed == 0 {
		summary.DataIntegrityScore = 100
	} else {
		summary.DataIntegrityScore = (imported * 100) / parsed
	}

	result.Summary = summary
}

func (r *Runner) writeReports(result *MigrationResult) {
	r.finishSummary(result)

	data := report.Data{
		MigrationID:  result.MigrationID,
		TenantID:     result.TenantID,
		TenantSchema: result.TenantSchema,
		StartedAt:    result.StartedAt,
		CompletedAt:  time.Now(),
		Success:      result.Success,
		FailureCause: result.FailureCause,
		Parse:        result.Parse,
		Transform:    result.Transform,
		Validation:   result.Validation,
		Import:       result.Import,
		Baseline:     result.Baseline,
		Summary:      result.Summary,
	}

	if result.RunDir == "" {
		return
	}
	reportsDir := filepath.Join(result.RunDir, "reports")

	if path, err := report.WriteMetadata(result.RunDir, data); err != nil {
		log.Error().Err(err).Str("migration_id", result.MigrationID).Msg("failed to write run metadata")
	} else {
		result.ReportPaths = append(result.ReportPaths, path)
	}

	if !r.cfg.EnableDetailedReports {
		return
	}

	if path, err := report.WriteDetailReport(reportsDir, data); err != nil {
		log.Error().Err(err).Str("migration_id", result.MigrationID).Msg("failed to write detail report")
	} else {
		result.ReportPaths = append(result.ReportPaths, path)
	}

	if result.Validation != nil {
		if path, err := report.WriteValidationReport(reportsDir, result.Validation); err != nil {
			log.Error().Err(err).Str("migration_id", result.MigrationID).Msg("failed to write validation report")
		} else {
			result.ReportPaths = append(result.ReportPaths, path)
		}
	}

	if result.Summary.TotalErrors > 0 {
		if path, err := report.WriteErrorReport(reportsDir, data); err != nil {
			log.Error().Err(err).Str("migration_id", result.MigrationID).Msg("failed to write error report")
		} else {
			result.ReportPaths = append(result.ReportPaths, path)
		}
	}
}

func (r *Runner) fail(result *MigrationResult, err error) {
	result.Success = false
	result.FailureCause = err.Error()
	log.Error().Err(err).Str("migration_id", result.MigrationID).Msg("migration failed")
	if r.events.Error != nil {
		r.events.Error(err)
	}
}

func (r *Runner) phaseDone(phase Phase, result *MigrationResult) {
	log.Debug().Str("migration_id", result.MigrationID).Str("phase", string(phase)).Msg("phase complete")
	if r.events.PhaseComplete != nil {
		r.events.PhaseComplete(phase, result)
	}
}
