package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSourceFixture(t *testing.T, path string, lines []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestParserReadsSessionsAndToolMetrics(t *testing.T) {
	root := t.TempDir()

	writeSourceFixture(t, filepath.Join(root, "sessions", "2026-01.jsonl"), []string{
		`{"session_id":"s-1","session_start":"2026-01-02T09:00:00Z","session_end":"2026-01-02T10:30:00Z","productivity_score":7.5,"tags":["deep-work"],"focus_time_ms":5400000,"metadata":{"user":"frank"}}`,
		`{"session_id":"s-2","session_start":"2026-01-03T08:00:00Z","session_type":"review","metadata":{"user":"lori"}}`,
	})
	writeSourceFixture(t, filepath.Join(root, "metrics", "2026-01.jsonl"), []string{
		`{"session_id":"s-1","tool_name":"compiler","tool_category":"build","execution_count":12,"total_duration_ms":34000,"success_rate":0.92,"error_count":1}`,
	})

	result, err := New(root).Parse()
	require.NoError(t, err)
	require.Len(t, result.Sessions, 2)
	require.Len(t, result.ToolMetrics, 1)
	require.Empty(t, result.Errors)

	require.Equal(t, "s-1", result.Sessions[0].SessionID)
	require.Equal(t, "development", result.Sessions[0].SessionType)
	require.Equal(t, "frank", result.Sessions[0].LocalUser)
	require.NotNil(t, result.Sessions[0].SessionEnd)
	require.Equal(t, int64(5400000), result.Sessions[0].FocusTimeMs)
	require.Equal(t, "review", result.Sessions[1].SessionType)

	require.Equal(t, "compiler", result.ToolMetrics[0].ToolName)
	require.Equal(t, int64(12), result.ToolMetrics[0].ExecutionCount)

	require.Equal(t, 2, result.Statistics.FilesScanned)
	require.Equal(t, 3, result.Statistics.RecordsSeen)
	require.Equal(t, 2, result.Statistics.SessionCount)
	require.Equal(t, 1, result.Statistics.ToolMetricCount)
	require.NotNil(t, result.Statistics.EarliestTimestamp)
	require.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), *result.Statistics.EarliestTimestamp)
	require.Equal(t, time.Date(2026, 1, 3, 8, 0, 0, 0, time.UTC), *result.Statistics.LatestTimestamp)
}

func TestParserRecordsMalformedRecordsWithoutAborting(t *testing.T) {
	root := t.TempDir()

	writeSourceFixture(t, filepath.Join(root, "sessions", "mixed.jsonl"), []string{
		`{"session_id":"good-1","session_start":"2026-02-01T12:00:00Z"}`,
		`{"session_id":"broken-1","session_start":"not-a-timestamp"}`,
		`{not json at all`,
		`{"session_start":"2026-02-01T13:00:00Z"}`,
		`{"session_id":"good-2","session_start":"2026-02-01T14:00:00Z"}`,
	})

	result, err := New(root).Parse()
	require.NoError(t, err)
	require.Len(t, result.Sessions, 2)
	require.Len(t, result.Errors, 3)
	require.Equal(t, 5, result.Statistics.RecordsSeen)

	require.Equal(t, ParseErrorTypeSession, result.Errors[0].Type)
	require.Equal(t, "broken-1", result.Errors[0].RecordID)
	require.Contains(t, result.Errors[0].Err, "session_start")
	require.Contains(t, result.Errors[0].OriginalData, "broken-1")

	require.Contains(t, result.Errors[2].Err, "session_id is required")
}

func TestParserReadsCombinedExportFiles(t *testing.T) {
	root := t.TempDir()

	writeSourceFixture(t, filepath.Join(root, "export.json"), []string{
		`{"sessions":[{"session_id":"s-9","session_start":"2026-03-01T09:00:00Z"}],` +
			`"tool_metrics":[{"session_id":"s-9","tool_name":"linter","success_rate":0.5}]}`,
	})

	result, err := New(root).Parse()
	require.NoError(t, err)
	require.Len(t, result.Sessions, 1)
	require.Len(t, result.ToolMetrics, 1)
	require.Equal(t, "s-9", result.ToolMetrics[0].SessionID)
}

func TestParserSkipsSymlinkedFiles(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	target := filepath.Join(outside, "secret.jsonl")
	writeSourceFixture(t, target, []string{
		`{"session_id":"outside","session_start":"2026-01-01T00:00:00Z"}`,
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sessions"), 0o755))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "sessions", "link.jsonl")))

	result, err := New(root).Parse()
	require.NoError(t, err)
	require.Empty(t, result.Sessions)
	require.Len(t, result.Errors, 1)
	require.Equal(t, ParseErrorTypeFile, result.Errors[0].Type)
	require.Contains(t, result.Errors[0].Err, "symlink")
}

func TestParserAcceptsEpochMillisTimestamps(t *testing.T) {
	root := t.TempDir()

	writeSourceFixture(t, filepath.Join(root, "sessions", "epoch.jsonl"), []string{
		`{"session_id":"s-epoch","session_start":"1767312000000"}`,
	})

	result, err := New(root).Parse()
	require.NoError(t, err)
	require.Len(t, result.Sessions, 1)
	require.Equal(t, time.UnixMilli(1767312000000).UTC(), result.Sessions[0].SessionStart)
}

func TestParserFailsOnMissingSourceDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "does-not-exist")).Parse()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to open metrics source")
}
