package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftwoodhq/metriclift/internal/config"
	"github.com/driftwoodhq/metriclift/internal/importer"
	"github.com/driftwoodhq/metriclift/internal/report"
	"github.com/driftwoodhq/metriclift/internal/store"
	"github.com/driftwoodhq/metriclift/internal/transform"
)

func writeSourceFixture(t *testing.T, path string, lines []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func runnerFixtureConfig(t *testing.T) config.MigrationConfig {
	t.Helper()
	sourceDir := t.TempDir()
	writeSourceFixture(t, filepath.Join(sourceDir, "sessions", "2026-01.jsonl"), []string{
		`{"session_id":"s-1","session_start":"2026-01-02T09:00:00Z","session_end":"2026-01-02T10:30:00Z","productivity_score":7.5,"metadata":{"user":"frank"}}`,
		`{"session_id":"s-2","session_start":"2026-01-03T08:00:00Z","session_end":"2026-01-03T09:00:00Z","metadata":{"user":"lori"}}`,
	})
	writeSourceFixture(t, filepath.Join(sourceDir, "metrics", "2026-01.jsonl"), []string{
		`{"session_id":"s-1","tool_name":"compiler","execution_count":12,"total_duration_ms":34000,"success_rate":0.92}`,
	})

	return config.MigrationConfig{
		TenantID:                "acme",
		TenantSchema:            "tenant_acme",
		SourceDir:               sourceDir,
		ReportingDir:            t.TempDir(),
		UserMappingStrategy:     transform.UserMappingStrategyCreate,
		DedupStrategy:           transform.DedupStrategyStrict,
		MinSessionDurationMs:    1000,
		MaxSessionDurationHours: 24,
		BatchSize:               10,
		EnableValidation:        true,
		EnableBackup:            true,
		EnableRollback:          true,
		EnableDetailedReports:   true,
		EnableProgressTracking:  true,
		EnableCheckpointing:     true,
	}
}

func TestRunEndToEnd(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	memory := store.NewMemoryStore()

	var phases []Phase
	var progressEvents int
	result := New(cfg, memory, Events{
		PhaseComplete:  func(phase Phase, _ *MigrationResult) { phases = append(phases, phase) },
		ImportProgress: func(importer.Progress) { progressEvents++ },
	}).Run(context.Background())

	require.True(t, result.Success, "failure cause: %s", result.FailureCause)
	require.NotEmpty(t, result.MigrationID)
	require.Equal(t, 2, result.Summary.SessionsImported)
	require.Equal(t, 1, result.Summary.ToolMetricsImported)
	require.Equal(t, 100, result.Summary.DataIntegrityScore)
	require.NotZero(t, progressEvents)

	require.Equal(t, []Phase{
		PhaseSetup, PhaseParse, PhaseTransform, PhaseValidate,
		PhaseBackup, PhaseImport, PhaseBaselineCompare, PhaseReport,
	}, phases)

	sessions, err := memory.QuerySessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	// Run directory layout.
	require.FileExists(t, filepath.Join(result.RunDir, report.MetadataFileName))
	require.FileExists(t, filepath.Join(result.RunDir, "reports", report.DetailReportFileName))
	require.FileExists(t, filepath.Join(result.RunDir, "reports", report.ValidationReportFileName))
	require.NoFileExists(t, filepath.Join(result.RunDir, "reports", report.ErrorReportFileName))
	require.FileExists(t, filepath.Join(result.RunDir, "backup", backupSessionsFileName))

	// Lock is released, so a second run goes through.
	require.NoFileExists(t, filepath.Join(cfg.ReportingDir, ".tenant_acme.lock"))
	second := New(cfg, memory, Events{}).Run(context.Background())
	require.True(t, second.Success)
}

func TestRunAbortsBeforeImportWhenValidationFails(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	// A negative reported duration with no session_end passes transform
	// bounds checks but fails the session integrity check.
	writeSourceFixture(t, filepath.Join(cfg.SourceDir, "sessions", "bad-duration.jsonl"), []string{
		`{"session_id":"s-neg","session_start":"2026-01-05T09:00:00Z","total_duration_ms":-5000,"metadata":{"user":"frank"}}`,
	})

	memory := store.NewMemoryStore()
	result := New(cfg, memory, Events{}).Run(context.Background())

	require.False(t, result.Success)
	require.Contains(t, result.FailureCause, "validation failed")
	require.Nil(t, result.Import)
	require.Zero(t, memory.SessionBatchCalls)

	require.FileExists(t, filepath.Join(result.RunDir, "reports", report.ErrorReportFileName))
	require.FileExists(t, filepath.Join(result.RunDir, report.MetadataFileName))
}

func TestRunRollsBackFailedImport(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	cfg.ContinueOnError = false

	memory := store.NewMemoryStore()
	memory.FailRecordIDs["s-2"] = "constraint violation"

	result := New(cfg, memory, Events{}).Run(context.Background())

	require.False(t, result.Success)
	require.Contains(t, result.FailureCause, "import")
	require.True(t, result.RollbackPerformed)
	require.Empty(t, result.RollbackError)

	// The partially imported rows were deleted again.
	sessions, err := memory.QuerySessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestRunKeepsRowsWhenRollbackDisabled(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	cfg.ContinueOnError = false
	cfg.EnableRollback = false

	memory := store.NewMemoryStore()
	memory.FailRecordIDs["s-2"] = "constraint violation"

	result := New(cfg, memory, Events{}).Run(context.Background())

	require.False(t, result.Success)
	require.False(t, result.RollbackPerformed)

	sessions, err := memory.QuerySessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestRunRefusesConcurrentTenantRun(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	require.NoError(t, os.MkdirAll(cfg.ReportingDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.ReportingDir, ".tenant_acme.lock"), []byte("held\n"), 0o644))

	memory := store.NewMemoryStore()
	result := New(cfg, memory, Events{}).Run(context.Background())

	require.False(t, result.Success)
	require.Contains(t, result.FailureCause, "appears to be running")
	require.Zero(t, memory.SessionBatchCalls)
}

func TestRunRollsBackWhenProgressObserverPanics(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	memory := store.NewMemoryStore()

	result := New(cfg, memory, Events{
		ImportProgress: func(importer.Progress) { panic("progress observer blew up") },
	}).Run(context.Background())

	require.False(t, result.Success)
	require.Contains(t, result.FailureCause, "panic")
	require.True(t, result.RollbackPerformed)

	sessions, err := memory.QuerySessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestRunRollsBackWhenObserverPanicsAfterImport(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	memory := store.NewMemoryStore()

	result := New(cfg, memory, Events{
		PhaseComplete: func(phase Phase, _ *MigrationResult) {
			if phase == PhaseImport {
				panic("post-import observer blew up")
			}
		},
	}).Run(context.Background())

	require.False(t, result.Success)
	require.Contains(t, result.FailureCause, "panicked")
	require.True(t, result.RollbackPerformed)

	sessions, err := memory.QuerySessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestRunSurvivesPanickingEventCallback(t *testing.T) {
	cfg := runnerFixtureConfig(t)
	memory := store.NewMemoryStore()

	result := New(cfg, memory, Events{
		PhaseComplete: func(phase Phase, _ *MigrationResult) {
			if phase == PhaseTransform {
				panic("observer blew up")
			}
		},
	}).Run(context.Background())

	require.NotNil(t, result)
	require.False(t, result.Success)
	require.Contains(t, result.FailureCause, "panicked")
}
