package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRunOptions(t *testing.T) {
	opts, err := parseRunOptions("run", []string{"--config", "m.yaml", "--source", "/tmp/devmetrics", "--dry-run"})
	require.NoError(t, err)
	require.Equal(t, "m.yaml", opts.ConfigPath)
	require.Equal(t, "/tmp/devmetrics", opts.SourceDir)
	require.True(t, opts.DryRun)

	_, err = parseRunOptions("run", []string{"stray"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected positional")
}

func TestParseResumeOptionsRequiresUUID(t *testing.T) {
	_, _, err := parseResumeOptions([]string{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "--migration-id is required")

	_, _, err = parseResumeOptions([]string{"--migration-id", "not-a-uuid"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be a UUID")

	_, id, err := parseResumeOptions([]string{"--migration-id", "0f8fad5b-d9cb-469f-a165-70867728950e"})
	require.NoError(t, err)
	require.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", id)
}

func TestRunMigrationDryRunAgainstFixtures(t *testing.T) {
	sourceDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "sessions"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "sessions", "fixture.jsonl"), []byte(
		`{"session_id":"s-1","session_start":"2026-01-02T09:00:00Z","session_end":"2026-01-02T10:30:00Z","metadata":{"user":"frank"}}`+"\n"), 0o644))

	reportingDir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "migration.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(
		"tenant_id: acme\ntenant_schema: tenant_acme\nsource_dir: %s\nreporting_dir: %s\n",
		sourceDir, reportingDir)), 0o644))

	var out bytes.Buffer
	err := runMigration(&out, runOptions{ConfigPath: configPath, DryRun: true}, "")
	require.NoError(t, err)

	require.Contains(t, out.String(), "Dry run")
	require.Contains(t, out.String(), "1 imported")
	require.Contains(t, out.String(), "integrity score: 100/100")
}

func TestRunStatusListsRuns(t *testing.T) {
	reportingDir := t.TempDir()
	runDir := filepath.Join(reportingDir, "0f8fad5b-d9cb-469f-a165-70867728950e")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "migration_metadata.json"), []byte(`{
  "migration_id": "0f8fad5b-d9cb-469f-a165-70867728950e",
  "tenant_id": "acme",
  "tenant_schema": "tenant_acme",
  "started_at": "2026-08-01T09:00:00Z",
  "completed_at": "2026-08-01T09:05:00Z",
  "success": true,
  "summary": {"sessions_imported": 42, "tool_metrics_imported": 7, "total_errors": 0}
}`), 0o644))

	var out bytes.Buffer
	require.NoError(t, runStatus(&out, reportingDir))
	require.Contains(t, out.String(), "0f8fad5b-d9cb-469f-a165-70867728950e")
	require.Contains(t, out.String(), "42 sessions")
}

func TestRunStatusHandlesEmptyDirectory(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runStatus(&out, t.TempDir()))
	require.Contains(t, out.String(), "No migration runs found.")
}
