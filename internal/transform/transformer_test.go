package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftwoodhq/metriclift/internal/parser"
)

func sessionFixture(id, user string, start time.Time, duration time.Duration) parser.ParsedSession {
	end := start.Add(duration)
	return parser.ParsedSession{
		SessionID:    id,
		SessionStart: start,
		SessionEnd:   &end,
		LocalUser:    user,
	}
}

func metricFixture(sessionID, toolName string, successRate float64) parser.ParsedToolMetric {
	return parser.ParsedToolMetric{
		SessionID:      sessionID,
		ToolName:       toolName,
		ExecutionCount: 1,
		SuccessRate:    successRate,
	}
}

func TestTransformUserMappingCreateIsIdempotent(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-1", "frank", start, time.Hour),
		},
	}

	first, err := New(Options{UserMappingStrategy: UserMappingStrategyCreate}).Transform(input)
	require.NoError(t, err)
	second, err := New(Options{UserMappingStrategy: UserMappingStrategyCreate}).Transform(input)
	require.NoError(t, err)

	require.Len(t, first.Sessions, 1)
	require.NotEmpty(t, first.Sessions[0].CloudUserID)
	require.Equal(t, first.Sessions[0].CloudUserID, second.Sessions[0].CloudUserID)
	require.Equal(t, first.UserMappings["frank"].CloudUserID, second.UserMappings["frank"].CloudUserID)
}

func TestTransformMapStrategyRejectsUnknownUsers(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-1", "known", start, time.Hour),
			sessionFixture("s-2", "stranger", start.Add(2*time.Hour), time.Hour),
		},
	}

	result, err := New(Options{
		UserMappingStrategy: UserMappingStrategyMap,
		UserMappings:        map[string]string{"known": "cloud-user-1"},
	}).Transform(input)
	require.NoError(t, err)

	require.Len(t, result.Sessions, 2)
	require.Equal(t, "cloud-user-1", result.Sessions[0].CloudUserID)
	require.Empty(t, result.Sessions[1].CloudUserID)

	var userErrors []TransformationError
	for _, e := range result.Errors {
		if e.Type == TransformationErrorTypeUser {
			userErrors = append(userErrors, e)
		}
	}
	require.Len(t, userErrors, 1)
	require.Equal(t, "stranger", userErrors[0].RecordID)
}

func TestTransformStrictDedupCollapsesRepeatedSessionIDs(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-dup", "frank", start, time.Hour),
			sessionFixture("s-dup", "frank", start.Add(3*time.Hour), time.Hour),
		},
	}

	result, err := New(Options{DedupStrategy: DedupStrategyStrict}).Transform(input)
	require.NoError(t, err)
	require.Len(t, result.Sessions, 1)
	require.Equal(t, 1, result.Statistics.DuplicateSessionsRemoved)
}

func TestTransformRejectsOverlongSessions(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-25h", "frank", start, 25*time.Hour),
		},
	}

	result, err := New(Options{}).Transform(input)
	require.NoError(t, err)
	require.Empty(t, result.Sessions)
	require.Equal(t, 1, result.Statistics.InvalidSessionsSkipped)
	require.Len(t, result.Errors, 1)
	require.Equal(t, TransformationErrorTypeSession, result.Errors[0].Type)
	require.Equal(t, "s-25h", result.Errors[0].RecordID)
	require.Contains(t, result.Errors[0].Err, "exceeds the maximum")
}

func TestTransformRejectsTooShortSessions(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-short", "frank", start, 200*time.Millisecond),
		},
	}

	result, err := New(Options{}).Transform(input)
	require.NoError(t, err)
	require.Empty(t, result.Sessions)
	require.Contains(t, result.Errors[0].Err, "below the minimum")
}

func TestTransformClampsSuccessRate(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-1", "frank", start, time.Hour),
		},
		ToolMetrics: []parser.ParsedToolMetric{
			metricFixture("s-1", "over", 1.5),
			metricFixture("s-1", "under", -0.2),
			metricFixture("s-1", "percent", 92),
		},
	}

	result, err := New(Options{}).Transform(input)
	require.NoError(t, err)
	require.Len(t, result.ToolMetrics, 3)

	rates := make(map[string]float64)
	for _, metric := range result.ToolMetrics {
		rates[metric.ToolName] = metric.SuccessRate
	}
	require.Equal(t, 1.0, rates["over"])
	require.Equal(t, 0.0, rates["under"])
	require.InDelta(t, 0.92, rates["percent"], 0.0001)
}

func TestTransformNormalizesProductivityScore(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	tenScale := 7.5
	hundredScale := 88.0
	outOfBounds := 5000.0

	tenSession := sessionFixture("s-ten", "frank", start, time.Hour)
	tenSession.ProductivityScore = &tenScale
	hundredSession := sessionFixture("s-hundred", "frank", start.Add(2*time.Hour), time.Hour)
	hundredSession.ProductivityScore = &hundredScale
	badSession := sessionFixture("s-bad", "frank", start.Add(4*time.Hour), time.Hour)
	badSession.ProductivityScore = &outOfBounds

	result, err := New(Options{}).Transform(&parser.ParseResult{
		Sessions: []parser.ParsedSession{tenSession, hundredSession, badSession},
	})
	require.NoError(t, err)
	require.Len(t, result.Sessions, 2)
	require.Equal(t, 75, *result.Sessions[0].ProductivityScore)
	require.Equal(t, 88, *result.Sessions[1].ProductivityScore)
	require.Equal(t, 1, result.Statistics.InvalidSessionsSkipped)
}

func TestTransformRejectsDanglingToolMetrics(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-1", "frank", start, time.Hour),
		},
		ToolMetrics: []parser.ParsedToolMetric{
			metricFixture("s-1", "compiler", 1),
			metricFixture("s-ghost", "compiler", 1),
		},
	}

	result, err := New(Options{}).Transform(input)
	require.NoError(t, err)
	require.Len(t, result.ToolMetrics, 1)
	require.Equal(t, 1, result.Statistics.InvalidToolMetricsSkipped)
	require.Contains(t, result.Errors[0].Err, "unknown session")

	// Referential integrity: every surviving metric maps to a session.
	ids := make(map[string]struct{})
	for _, session := range result.Sessions {
		ids[session.ID] = struct{}{}
	}
	for _, metric := range result.ToolMetrics {
		_, ok := ids[metric.SessionID]
		require.True(t, ok)
	}
}

func TestTransformLooseDedupCollapsesNearbySessions(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-a", "frank", start, time.Hour),
			sessionFixture("s-b", "frank", start.Add(2*time.Minute), time.Hour),
			sessionFixture("s-c", "frank", start.Add(30*time.Minute), time.Hour),
			sessionFixture("s-d", "lori", start.Add(1*time.Minute), time.Hour),
		},
		ToolMetrics: []parser.ParsedToolMetric{
			metricFixture("s-b", "compiler", 1),
			metricFixture("s-c", "compiler", 1),
		},
	}

	result, err := New(Options{
		DedupStrategy:    DedupStrategyLoose,
		LooseDedupWindow: 5 * time.Minute,
	}).Transform(input)
	require.NoError(t, err)

	// s-b collapses into s-a; s-c survives (outside window); other users
	// are unaffected.
	require.Len(t, result.Sessions, 3)
	kept := make(map[string]struct{})
	for _, session := range result.Sessions {
		kept[session.ID] = struct{}{}
	}
	require.Contains(t, kept, "s-a")
	require.Contains(t, kept, "s-c")
	require.Contains(t, kept, "s-d")

	// Metrics of the collapsed session go with it.
	require.Len(t, result.ToolMetrics, 1)
	require.Equal(t, "s-c", result.ToolMetrics[0].SessionID)
	require.Equal(t, 1, result.Statistics.DuplicateSessionsRemoved)
	require.Equal(t, 1, result.Statistics.DuplicateToolMetricsRemoved)
}

func TestTransformComputesDurationFromSessionBounds(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	input := &parser.ParseResult{
		Sessions: []parser.ParsedSession{
			sessionFixture("s-1", "frank", start, 90*time.Minute),
		},
	}

	result, err := New(Options{}).Transform(input)
	require.NoError(t, err)
	require.Equal(t, int64(90*60*1000), result.Sessions[0].TotalDurationMs)
}

func TestTransformSanitizesFreeText(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	metric := metricFixture("s-1", "  shell\x00tool  ", 1)
	metric.CommandLine = "run \x1b[31mthing\x1b[0m"

	result, err := New(Options{}).Transform(&parser.ParseResult{
		Sessions:    []parser.ParsedSession{sessionFixture("s-1", "frank", start, time.Hour)},
		ToolMetrics: []parser.ParsedToolMetric{metric},
	})
	require.NoError(t, err)
	require.Len(t, result.ToolMetrics, 1)
	require.Equal(t, "shelltool", result.ToolMetrics[0].ToolName)
	require.Equal(t, "run [31mthing[0m", result.ToolMetrics[0].CommandLine)
}
