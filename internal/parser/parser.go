package parser

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const defaultSourceDirName = ".devmetrics"

type rawSessionRecord struct {
	SessionID          string          `json:"session_id"`
	SessionStart       string          `json:"session_start"`
	SessionEnd         string          `json:"session_end"`
	TotalDurationMs    *float64        `json:"total_duration_ms"`
	ToolsUsed          json.RawMessage `json:"tools_used"`
	ProductivityScore  *float64        `json:"productivity_score"`
	SessionType        string          `json:"session_type"`
	ProjectID          string          `json:"project_id"`
	Tags               []string        `json:"tags"`
	InterruptionsCount *int            `json:"interruptions_count"`
	FocusTimeMs        *float64        `json:"focus_time_ms"`
	Description        string          `json:"description"`
	Metadata           struct {
		User string `json:"user"`
	} `json:"metadata"`
}

type rawToolMetricRecord struct {
	SessionID         string          `json:"session_id"`
	ToolName          string          `json:"tool_name"`
	ToolCategory      string          `json:"tool_category"`
	ExecutionCount    *float64        `json:"execution_count"`
	TotalDurationMs   *float64        `json:"total_duration_ms"`
	AverageDurationMs *float64        `json:"average_duration_ms"`
	SuccessRate       *float64        `json:"success_rate"`
	ErrorCount        *float64        `json:"error_count"`
	MemoryUsageMb     *float64        `json:"memory_usage_mb"`
	CPUTimeMs         *float64        `json:"cpu_time_ms"`
	OutputSizeBytes   *float64        `json:"output_size_bytes"`
	Parameters        json.RawMessage `json:"parameters"`
	CommandLine       string          `json:"command_line"`
	WorkingDirectory  string          `json:"working_directory"`
}

type rawCombinedExport struct {
	Sessions    []json.RawMessage `json:"sessions"`
	ToolMetrics []json.RawMessage `json:"tool_metrics"`
}

// Parser reads locally recorded metric files from a source directory.
// It is tolerant of malformed records: each bad record becomes an error
// entry, never an aborted parse.
type Parser struct {
	SourceDir string
}

func New(sourceDir string) *Parser {
	return &Parser{SourceDir: strings.TrimSpace(sourceDir)}
}

// DefaultSourceDir returns the well-known local metrics location.
func DefaultSourceDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultSourceDirName), nil
}

func (p *Parser) Parse() (*ParseResult, error) {
	root := p.SourceDir
	if root == "" {
		resolved, err := DefaultSourceDir()
		if err != nil {
			return nil, err
		}
		root = resolved
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics source %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("metrics source %s is not a directory", root)
	}

	result := &ParseResult{}

	sessionFiles, err := discoverMetricFiles(filepath.Join(root, "sessions"))
	if err != nil {
		return nil, err
	}
	metricFiles, err := discoverMetricFiles(filepath.Join(root, "metrics"))
	if err != nil {
		return nil, err
	}
	exportFiles, err := filepath.Glob(filepath.Join(root, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to discover export files in %s: %w", root, err)
	}
	sort.Strings(exportFiles)

	for _, path := range sessionFiles {
		p.parseFile(path, ParseErrorTypeSession, result)
	}
	for _, path := range metricFiles {
		p.parseFile(path, ParseErrorTypeToolMetric, result)
	}
	for _, path := range exportFiles {
		p.parseExportFile(path, result)
	}

	result.Statistics.SessionCount = len(result.Sessions)
	result.Statistics.ToolMetricCount = len(result.ToolMetrics)

	return result, nil
}

func discoverMetricFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	files := make([]string, 0)
	for _, pattern := range []string{"*.json", "*.jsonl"} {
		matched, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to discover metric files in %s: %w", dir, err)
		}
		files = append(files, matched...)
	}
	sort.Strings(files)
	return files, nil
}

// parseFile reads one session or tool-metric file. JSONL files carry one
// record per line; plain JSON files carry a single record or an array.
func (p *Parser) parseFile(path, recordType string, result *ParseResult) {
	if !p.guardReadable(path, result) {
		return
	}
	result.Statistics.FilesScanned++

	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		p.parseLines(path, recordType, result)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, ParseError{
			Type: ParseErrorTypeFile, RecordID: path, Err: err.Error(),
		})
		return
	}

	for _, raw := range splitTopLevelRecords(data) {
		p.parseRecord(raw, recordType, path, 0, result)
	}
}

func (p *Parser) parseLines(path, recordType string, result *ParseResult) {
	file, err := os.Open(path)
	if err != nil {
		result.Errors = append(result.Errors, ParseError{
			Type: ParseErrorTypeFile, RecordID: path, Err: err.Error(),
		})
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.parseRecord([]byte(line), recordType, path, lineNo, result)
	}
	if err := scanner.Err(); err != nil {
		result.Errors = append(result.Errors, ParseError{
			Type: ParseErrorTypeFile, RecordID: path, Err: err.Error(),
		})
	}
}

// parseExportFile reads a combined export holding both entity lists.
func (p *Parser) parseExportFile(path string, result *ParseResult) {
	if !p.guardReadable(path, result) {
		return
	}
	result.Statistics.FilesScanned++

	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, ParseError{
			Type: ParseErrorTypeFile, RecordID: path, Err: err.Error(),
		})
		return
	}

	var export rawCombinedExport
	if err := json.Unmarshal(data, &export); err != nil {
		result.Errors = append(result.Errors, ParseError{
			Type:         ParseErrorTypeFile,
			RecordID:     path,
			Err:          fmt.Sprintf("failed to parse export file: %v", err),
			OriginalData: truncateOriginalData(string(data)),
		})
		return
	}

	for _, raw := range export.Sessions {
		p.parseRecord(raw, ParseErrorTypeSession, path, 0, result)
	}
	for _, raw := range export.ToolMetrics {
		p.parseRecord(raw, ParseErrorTypeToolMetric, path, 0, result)
	}
}

// guardReadable rejects symlinked source files so a hostile source tree
// cannot route reads outside the configured directory.
func (p *Parser) guardReadable(path string, result *ParseResult) bool {
	info, err := os.Lstat(path)
	if err != nil {
		result.Errors = append(result.Errors, ParseError{
			Type: ParseErrorTypeFile, RecordID: path, Err: err.Error(),
		})
		return false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		result.Errors = append(result.Errors, ParseError{
			Type:     ParseErrorTypeFile,
			RecordID: path,
			Err:      "source file must not be a symlink",
		})
		return false
	}
	return true
}

func (p *Parser) parseRecord(raw []byte, recordType, path string, line int, result *ParseResult) {
	result.Statistics.RecordsSeen++

	switch recordType {
	case ParseErrorTypeSession:
		session, err := decodeSessionRecord(raw, path, line)
		if err != nil {
			result.Errors = append(result.Errors, ParseError{
				Type:         ParseErrorTypeSession,
				RecordID:     sessionIDFromRaw(raw),
				Err:          err.Error(),
				OriginalData: truncateOriginalData(string(raw)),
			})
			return
		}
		result.Sessions = append(result.Sessions, session)
		result.Statistics.observeTimestamp(session.SessionStart)
		if session.SessionEnd != nil {
			result.Statistics.observeTimestamp(*session.SessionEnd)
		}
	case ParseErrorTypeToolMetric:
		metric, err := decodeToolMetricRecord(raw, path, line)
		if err != nil {
			result.Errors = append(result.Errors, ParseError{
				Type:         ParseErrorTypeToolMetric,
				RecordID:     sessionIDFromRaw(raw),
				Err:          err.Error(),
				OriginalData: truncateOriginalData(string(raw)),
			})
			return
		}
		result.ToolMetrics = append(result.ToolMetrics, metric)
	}
}

func decodeSessionRecord(raw []byte, path string, line int) (ParsedSession, error) {
	var record rawSessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ParsedSession{}, fmt.Errorf("malformed session record: %w", err)
	}

	sessionID := strings.TrimSpace(record.SessionID)
	if sessionID == "" {
		return ParsedSession{}, fmt.Errorf("session_id is required")
	}

	start, err := parseMetricTimestamp(record.SessionStart)
	if err != nil {
		return ParsedSession{}, fmt.Errorf("invalid session_start: %w", err)
	}

	session := ParsedSession{
		SessionID:    sessionID,
		SessionStart: start,
		ToolsUsed:    record.ToolsUsed,
		SessionType:  firstNonEmpty(strings.TrimSpace(record.SessionType), "development"),
		ProjectID:    strings.TrimSpace(record.ProjectID),
		Tags:         record.Tags,
		Description:  record.Description,
		LocalUser:    strings.TrimSpace(record.Metadata.User),
		SourcePath:   path,
		Line:         line,
	}

	if strings.TrimSpace(record.SessionEnd) != "" {
		end, err := parseMetricTimestamp(record.SessionEnd)
		if err != nil {
			return ParsedSession{}, fmt.Errorf("invalid session_end: %w", err)
		}
		session.SessionEnd = &end
	}

	if record.TotalDurationMs != nil {
		// Sign and bounds are the validator's concern; parsing only
		// checks structure.
		duration := int64(*record.TotalDurationMs)
		session.TotalDurationMs = &duration
	}
	if record.ProductivityScore != nil {
		score := *record.ProductivityScore
		session.ProductivityScore = &score
	}
	if record.InterruptionsCount != nil {
		session.InterruptionsCount = *record.InterruptionsCount
	}
	if record.FocusTimeMs != nil {
		session.FocusTimeMs = int64(*record.FocusTimeMs)
	}

	return session, nil
}

func decodeToolMetricRecord(raw []byte, path string, line int) (ParsedToolMetric, error) {
	var record rawToolMetricRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ParsedToolMetric{}, fmt.Errorf("malformed tool metric record: %w", err)
	}

	sessionID := strings.TrimSpace(record.SessionID)
	if sessionID == "" {
		return ParsedToolMetric{}, fmt.Errorf("session_id is required")
	}
	toolName := strings.TrimSpace(record.ToolName)
	if toolName == "" {
		return ParsedToolMetric{}, fmt.Errorf("tool_name is required")
	}

	metric := ParsedToolMetric{
		SessionID:        sessionID,
		ToolName:         toolName,
		ToolCategory:     strings.TrimSpace(record.ToolCategory),
		Parameters:       record.Parameters,
		CommandLine:      record.CommandLine,
		WorkingDirectory: record.WorkingDirectory,
		SourcePath:       path,
		Line:             line,
	}

	if record.ExecutionCount != nil {
		metric.ExecutionCount = int64(*record.ExecutionCount)
	}
	if record.TotalDurationMs != nil {
		metric.TotalDurationMs = *record.TotalDurationMs
	}
	if record.AverageDurationMs != nil {
		metric.AverageDurationMs = *record.AverageDurationMs
	}
	if record.SuccessRate != nil {
		metric.SuccessRate = *record.SuccessRate
	}
	if record.ErrorCount != nil {
		metric.ErrorCount = int64(*record.ErrorCount)
	}
	metric.MemoryUsageMb = record.MemoryUsageMb
	metric.CPUTimeMs = record.CPUTimeMs
	if record.OutputSizeBytes != nil {
		size := int64(*record.OutputSizeBytes)
		metric.OutputSizeBytes = &size
	}

	return metric, nil
}

// splitTopLevelRecords accepts either a single JSON object or an array of
// objects and returns the individual raw records.
func splitTopLevelRecords(data []byte) []json.RawMessage {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return []json.RawMessage{json.RawMessage(data)}
		}
		return records
	}
	return []json.RawMessage{json.RawMessage(data)}
}

func parseMetricTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	if millis, err := strconv.ParseInt(trimmed, 10, 64); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", trimmed)
}

func sessionIDFromRaw(raw []byte) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.SessionID)
}

func truncateOriginalData(value string) string {
	runes := []rune(strings.TrimSpace(value))
	if len(runes) <= 512 {
		return string(runes)
	}
	return string(runes[:512]) + "..."
}

func (s *ParseStatistics) observeTimestamp(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if s.EarliestTimestamp == nil || ts.Before(*s.EarliestTimestamp) {
		earliest := ts
		s.EarliestTimestamp = &earliest
	}
	if s.LatestTimestamp == nil || ts.After(*s.LatestTimestamp) {
		latest := ts
		s.LatestTimestamp = &latest
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
