package transform

import (
	"time"

	json "github.com/goccy/go-json"
)

const (
	TransformationErrorTypeSession    = "session"
	TransformationErrorTypeToolMetric = "toolMetric"
	TransformationErrorTypeUser       = "user"
)

const (
	UserMappingStrategyCreate  = "create"
	UserMappingStrategyMap     = "map"
	UserMappingStrategyDefault = "default"
)

const (
	DedupStrategyStrict = "strict"
	DedupStrategyLoose  = "loose"
	DedupStrategyNone   = "none"
)

// TransformedSession is a destination-ready session row. Durations are
// 64-bit milliseconds; ProductivityScore is normalized to 0-100.
type TransformedSession struct {
	ID                 string
	CloudUserID        string
	SessionStart       time.Time
	SessionEnd         *time.Time
	TotalDurationMs    int64
	ToolsUsed          json.RawMessage
	ProductivityScore  *int
	SessionType        string
	ProjectID          string
	Tags               []string
	InterruptionsCount int
	FocusTimeMs        int64
	Description        string
}

// TransformedToolMetric is a destination-ready tool-usage row. Its
// SessionID always references a TransformedSession from the same run.
type TransformedToolMetric struct {
	ID                string
	SessionID         string
	ToolName          string
	ToolCategory      string
	ExecutionCount    int64
	TotalDurationMs   int64
	AverageDurationMs int64
	SuccessRate       float64
	ErrorCount        int64
	MemoryUsageMb     *float64
	CPUTimeMs         *int64
	OutputSizeBytes   *int64
	Parameters        json.RawMessage
	CommandLine       string
	WorkingDirectory  string
}

type UserMapping struct {
	LocalUser   string
	CloudUserID string
	Email       string
	FirstName   string
	LastName    string
	Role        string
}

type TransformationError struct {
	Type     string
	RecordID string
	Err      string
}

type TransformationStatistics struct {
	OriginalSessions            int
	TransformedSessions         int
	OriginalToolMetrics         int
	TransformedToolMetrics      int
	DuplicateSessionsRemoved    int
	DuplicateToolMetricsRemoved int
	InvalidSessionsSkipped      int
	InvalidToolMetricsSkipped   int
	DistinctUsers               int
}

type TransformationResult struct {
	Sessions     []TransformedSession
	ToolMetrics  []TransformedToolMetric
	UserMappings map[string]UserMapping
	Errors       []TransformationError
	Statistics   TransformationStatistics
}
