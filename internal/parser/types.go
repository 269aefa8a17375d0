package parser

import (
	"time"

	json "github.com/goccy/go-json"
)

const (
	ParseErrorTypeSession    = "session"
	ParseErrorTypeToolMetric = "tool_metric"
	ParseErrorTypeFile       = "file"
)

// ParsedSession is one recorded work session as found in local storage,
// normalized but not yet validated for import.
type ParsedSession struct {
	SessionID          string
	SessionStart       time.Time
	SessionEnd         *time.Time
	TotalDurationMs    *int64
	ToolsUsed          json.RawMessage
	ProductivityScore  *float64
	SessionType        string
	ProjectID          string
	Tags               []string
	InterruptionsCount int
	FocusTimeMs        int64
	Description        string
	LocalUser          string
	SourcePath         string
	Line               int
}

// ParsedToolMetric is one aggregated tool-usage record tied to a session.
type ParsedToolMetric struct {
	SessionID         string
	ToolName          string
	ToolCategory      string
	ExecutionCount    int64
	TotalDurationMs   float64
	AverageDurationMs float64
	SuccessRate       float64
	ErrorCount        int64
	MemoryUsageMb     *float64
	CPUTimeMs         *float64
	OutputSizeBytes   *int64
	Parameters        json.RawMessage
	CommandLine       string
	WorkingDirectory  string
	SourcePath        string
	Line              int
}

type ParseError struct {
	Type         string
	RecordID     string
	Err          string
	OriginalData string
}

type ParseStatistics struct {
	FilesScanned      int
	RecordsSeen       int
	SessionCount      int
	ToolMetricCount   int
	EarliestTimestamp *time.Time
	LatestTimestamp   *time.Time
}

type ParseResult struct {
	Sessions    []ParsedSession
	ToolMetrics []ParsedToolMetric
	Errors      []ParseError
	Statistics  ParseStatistics
}
