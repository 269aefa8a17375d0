package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftwoodhq/metriclift/internal/transform"
)

func validInput() *transform.TransformationResult {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	return &transform.TransformationResult{
		Sessions: []transform.TransformedSession{
			{ID: "s-1", CloudUserID: "u-1", SessionStart: start, SessionEnd: &end, TotalDurationMs: 3600000},
			{ID: "s-2", CloudUserID: "u-1", SessionStart: start.Add(2 * time.Hour)},
		},
		ToolMetrics: []transform.TransformedToolMetric{
			{ID: "m-1", SessionID: "s-1", ToolName: "compiler", ExecutionCount: 3, SuccessRate: 0.9},
			{ID: "m-2", SessionID: "s-2", ToolName: "linter", ExecutionCount: 1, SuccessRate: 1},
		},
		UserMappings: map[string]transform.UserMapping{
			"frank": {LocalUser: "frank", CloudUserID: "u-1"},
		},
	}
}

func TestValidatorAcceptsConsistentData(t *testing.T) {
	result := New().Validate(validInput())
	require.True(t, result.IsValid)
	require.Empty(t, result.Errors)
	require.True(t, result.IntegrityChecks.SessionDataIntegrity)
	require.True(t, result.IntegrityChecks.ToolMetricConsistency)
	require.True(t, result.IntegrityChecks.ForeignKeyIntegrity)
	require.True(t, result.IntegrityChecks.DuplicateCheck)
}

func TestValidatorRunsAllChecksWithoutShortCircuit(t *testing.T) {
	input := validInput()
	// Break every check at once.
	input.Sessions[0].SessionStart = time.Time{}
	input.Sessions = append(input.Sessions, input.Sessions[1])
	input.ToolMetrics[0].SuccessRate = 1.4
	input.ToolMetrics = append(input.ToolMetrics, transform.TransformedToolMetric{
		ID: "m-3", SessionID: "s-ghost", ToolName: "compiler", SuccessRate: 0.5,
	})

	result := New().Validate(input)
	require.False(t, result.IsValid)
	require.False(t, result.IntegrityChecks.SessionDataIntegrity)
	require.False(t, result.IntegrityChecks.ToolMetricConsistency)
	require.False(t, result.IntegrityChecks.ForeignKeyIntegrity)
	require.False(t, result.IntegrityChecks.DuplicateCheck)

	checks := make(map[string]int)
	for _, e := range result.Errors {
		checks[e.Check]++
	}
	require.NotZero(t, checks[CheckSessionDataIntegrity])
	require.NotZero(t, checks[CheckToolMetricConsistency])
	require.NotZero(t, checks[CheckForeignKeyIntegrity])
	require.NotZero(t, checks[CheckDuplicates])
}

func TestValidatorFlagsDanglingToolMetricReference(t *testing.T) {
	input := validInput()
	input.ToolMetrics[1].SessionID = "s-missing"

	result := New().Validate(input)
	require.False(t, result.IsValid)
	require.False(t, result.IntegrityChecks.ForeignKeyIntegrity)
	require.True(t, result.IntegrityChecks.SessionDataIntegrity)
	require.True(t, result.IntegrityChecks.DuplicateCheck)
}

func TestValidatorWarnsOnUnresolvedCloudUser(t *testing.T) {
	input := validInput()
	input.Sessions[1].CloudUserID = ""

	result := New().Validate(input)
	require.True(t, result.IsValid)
	require.NotEmpty(t, result.Warnings)
	require.Contains(t, result.Warnings[0], "no resolved cloud user")
}
