package transform

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/driftwoodhq/metriclift/internal/parser"
)

// cloudUserNamespace seeds deterministic cloud user ids so the same local
// user resolves to the same cloud identity within and across runs.
var cloudUserNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

var toolMetricNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

const (
	defaultMinSessionDurationMs    = int64(1000)
	defaultMaxSessionDurationHours = 24
	defaultLooseDedupWindow        = 5 * time.Minute

	maxProductivityScoreBound = 1000.0

	maxToolNameRunes         = 128
	maxCommandLineRunes      = 1024
	maxWorkingDirectoryRunes = 512
	maxDescriptionRunes      = 4096
)

type Options struct {
	UserMappingStrategy string
	// UserMappings backs the "map" strategy: local user -> cloud user id.
	UserMappings       map[string]string
	DefaultCloudUserID string

	DedupStrategy    string
	LooseDedupWindow time.Duration

	MinSessionDurationMs    int64
	MaxSessionDurationHours int
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.UserMappingStrategy) == "" {
		o.UserMappingStrategy = UserMappingStrategyCreate
	}
	if strings.TrimSpace(o.DedupStrategy) == "" {
		o.DedupStrategy = DedupStrategyStrict
	}
	if o.LooseDedupWindow <= 0 {
		o.LooseDedupWindow = defaultLooseDedupWindow
	}
	if o.MinSessionDurationMs <= 0 {
		o.MinSessionDurationMs = defaultMinSessionDurationMs
	}
	if o.MaxSessionDurationHours <= 0 {
		o.MaxSessionDurationHours = defaultMaxSessionDurationHours
	}
	return o
}

type Transformer struct {
	opts Options
}

func New(opts Options) *Transformer {
	return &Transformer{opts: opts.withDefaults()}
}

// transformState holds all per-build caches. It lives for exactly one
// Transform call; nothing survives across runs.
type transformState struct {
	userCache      map[string]UserMapping
	sessionIDs     map[string]struct{}
	metricKeys     map[string]struct{}
	localUserByID  map[string]string
	duplicateSess  int
	duplicateTools int
}

type metricKey struct {
	SessionID string
	ToolName  string
}

func (k metricKey) String() string {
	return k.SessionID + "\x00" + k.ToolName
}

func (t *Transformer) Transform(input *parser.ParseResult) (*TransformationResult, error) {
	if input == nil {
		return nil, fmt.Errorf("parse result is required")
	}

	state := &transformState{
		userCache:     make(map[string]UserMapping),
		sessionIDs:    make(map[string]struct{}),
		metricKeys:    make(map[string]struct{}),
		localUserByID: make(map[string]string),
	}

	result := &TransformationResult{
		UserMappings: state.userCache,
	}
	result.Statistics.OriginalSessions = len(input.Sessions)
	result.Statistics.OriginalToolMetrics = len(input.ToolMetrics)

	t.resolveUsers(input.Sessions, state, result)

	for _, session := range input.Sessions {
		t.transformSession(session, state, result)
	}
	for _, metric := range input.ToolMetrics {
		t.transformToolMetric(metric, state, result)
	}

	t.deduplicate(state, result)
	t.postValidate(result)

	result.Statistics.TransformedSessions = len(result.Sessions)
	result.Statistics.TransformedToolMetrics = len(result.ToolMetrics)
	result.Statistics.DuplicateSessionsRemoved = state.duplicateSess
	result.Statistics.DuplicateToolMetricsRemoved = state.duplicateTools
	result.Statistics.DistinctUsers = len(state.userCache)

	return result, nil
}

// resolveUsers maps every distinct local user to a cloud identity once and
// caches the mapping for the remainder of the run.
func (t *Transformer) resolveUsers(sessions []parser.ParsedSession, state *transformState, result *TransformationResult) {
	locals := make([]string, 0)
	seen := make(map[string]struct{})
	for _, session := range sessions {
		local := strings.TrimSpace(session.LocalUser)
		if local == "" {
			continue
		}
		if _, ok := seen[local]; ok {
			continue
		}
		seen[local] = struct{}{}
		locals = append(locals, local)
	}
	sort.Strings(locals)

	for _, local := range locals {
		mapping, err := t.resolveUser(local)
		if err != nil {
			result.Errors = append(result.Errors, TransformationError{
				Type:     TransformationErrorTypeUser,
				RecordID: local,
				Err:      err.Error(),
			})
			continue
		}
		state.userCache[local] = mapping
	}
}

func (t *Transformer) resolveUser(localUser string) (UserMapping, error) {
	switch t.opts.UserMappingStrategy {
	case UserMappingStrategyCreate:
		cloudID := uuid.NewSHA1(cloudUserNamespace, []byte(localUser)).String()
		return UserMapping{
			LocalUser:   localUser,
			CloudUserID: cloudID,
			Email:       sanitizeLocalPart(localUser) + "@migrated.local",
			FirstName:   localUser,
			Role:        "member",
		}, nil
	case UserMappingStrategyMap:
		cloudID, ok := t.opts.UserMappings[localUser]
		if !ok || strings.TrimSpace(cloudID) == "" {
			return UserMapping{}, fmt.Errorf("no cloud user mapping for local user %q", localUser)
		}
		return UserMapping{LocalUser: localUser, CloudUserID: strings.TrimSpace(cloudID), Role: "member"}, nil
	case UserMappingStrategyDefault:
		if strings.TrimSpace(t.opts.DefaultCloudUserID) == "" {
			return UserMapping{}, fmt.Errorf("default cloud user id is not configured")
		}
		return UserMapping{LocalUser: localUser, CloudUserID: strings.TrimSpace(t.opts.DefaultCloudUserID), Role: "member"}, nil
	default:
		return UserMapping{}, fmt.Errorf("unknown user mapping strategy %q", t.opts.UserMappingStrategy)
	}
}

func (t *Transformer) transformSession(session parser.ParsedSession, state *transformState, result *TransformationResult) {
	sessionID := strings.TrimSpace(session.SessionID)
	if _, exists := state.sessionIDs[sessionID]; exists {
		state.duplicateSess++
		return
	}

	if err := t.validateSession(session); err != nil {
		result.Statistics.InvalidSessionsSkipped++
		result.Errors = append(result.Errors, TransformationError{
			Type:     TransformationErrorTypeSession,
			RecordID: sessionID,
			Err:      err.Error(),
		})
		return
	}

	transformed := TransformedSession{
		ID:                 sessionID,
		SessionStart:       session.SessionStart,
		SessionEnd:         session.SessionEnd,
		ToolsUsed:          session.ToolsUsed,
		SessionType:        sanitizeText(session.SessionType, maxToolNameRunes),
		ProjectID:          sanitizeText(session.ProjectID, maxToolNameRunes),
		Tags:               sanitizeTags(session.Tags),
		InterruptionsCount: session.InterruptionsCount,
		FocusTimeMs:        session.FocusTimeMs,
		Description:        sanitizeText(session.Description, maxDescriptionRunes),
	}

	if mapping, ok := state.userCache[strings.TrimSpace(session.LocalUser)]; ok {
		transformed.CloudUserID = mapping.CloudUserID
	} else if strings.TrimSpace(t.opts.DefaultCloudUserID) != "" {
		transformed.CloudUserID = strings.TrimSpace(t.opts.DefaultCloudUserID)
	}

	switch {
	case session.TotalDurationMs != nil:
		transformed.TotalDurationMs = *session.TotalDurationMs
	case session.SessionEnd != nil:
		transformed.TotalDurationMs = session.SessionEnd.Sub(session.SessionStart).Milliseconds()
	}

	if session.ProductivityScore != nil {
		normalized := normalizeProductivityScore(*session.ProductivityScore)
		transformed.ProductivityScore = &normalized
	}

	state.sessionIDs[sessionID] = struct{}{}
	state.localUserByID[sessionID] = strings.TrimSpace(session.LocalUser)
	result.Sessions = append(result.Sessions, transformed)
}

func (t *Transformer) validateSession(session parser.ParsedSession) error {
	if strings.TrimSpace(session.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if session.SessionStart.IsZero() {
		return fmt.Errorf("session start is required")
	}
	if session.SessionEnd != nil {
		duration := session.SessionEnd.Sub(session.SessionStart)
		if duration < 0 {
			return fmt.Errorf("session end %s precedes session start %s",
				session.SessionEnd.Format(time.RFC3339), session.SessionStart.Format(time.RFC3339))
		}
		if duration.Milliseconds() < t.opts.MinSessionDurationMs {
			return fmt.Errorf("session duration %dms is below the minimum of %dms",
				duration.Milliseconds(), t.opts.MinSessionDurationMs)
		}
		maxDuration := time.Duration(t.opts.MaxSessionDurationHours) * time.Hour
		if duration > maxDuration {
			return fmt.Errorf("session duration %s exceeds the maximum of %dh",
				duration, t.opts.MaxSessionDurationHours)
		}
	}
	if session.ProductivityScore != nil {
		score := *session.ProductivityScore
		if score < 0 || score > maxProductivityScoreBound {
			return fmt.Errorf("productivity score %.2f is outside the accepted range [0, %.0f]",
				score, maxProductivityScoreBound)
		}
	}
	return nil
}

func (t *Transformer) transformToolMetric(metric parser.ParsedToolMetric, state *transformState, result *TransformationResult) {
	sessionID := strings.TrimSpace(metric.SessionID)
	toolName := sanitizeText(metric.ToolName, maxToolNameRunes)
	recordID := sessionID + "/" + toolName

	if _, ok := state.sessionIDs[sessionID]; !ok {
		result.Statistics.InvalidToolMetricsSkipped++
		result.Errors = append(result.Errors, TransformationError{
			Type:     TransformationErrorTypeToolMetric,
			RecordID: recordID,
			Err:      fmt.Sprintf("tool metric references unknown session %q", sessionID),
		})
		return
	}

	key := metricKey{SessionID: sessionID, ToolName: toolName}.String()
	if _, exists := state.metricKeys[key]; exists {
		state.duplicateTools++
		return
	}

	if err := validateToolMetric(metric); err != nil {
		result.Statistics.InvalidToolMetricsSkipped++
		result.Errors = append(result.Errors, TransformationError{
			Type:     TransformationErrorTypeToolMetric,
			RecordID: recordID,
			Err:      err.Error(),
		})
		return
	}

	transformed := TransformedToolMetric{
		ID:                uuid.NewSHA1(toolMetricNamespace, []byte(key)).String(),
		SessionID:         sessionID,
		ToolName:          toolName,
		ToolCategory:      sanitizeText(metric.ToolCategory, maxToolNameRunes),
		ExecutionCount:    metric.ExecutionCount,
		TotalDurationMs:   int64(metric.TotalDurationMs),
		AverageDurationMs: int64(metric.AverageDurationMs),
		SuccessRate:       normalizeSuccessRate(metric.SuccessRate),
		ErrorCount:        metric.ErrorCount,
		MemoryUsageMb:     metric.MemoryUsageMb,
		Parameters:        metric.Parameters,
		CommandLine:       sanitizeText(metric.CommandLine, maxCommandLineRunes),
		WorkingDirectory:  sanitizeText(metric.WorkingDirectory, maxWorkingDirectoryRunes),
	}
	if metric.CPUTimeMs != nil {
		cpu := int64(*metric.CPUTimeMs)
		transformed.CPUTimeMs = &cpu
	}
	transformed.OutputSizeBytes = metric.OutputSizeBytes

	state.metricKeys[key] = struct{}{}
	result.ToolMetrics = append(result.ToolMetrics, transformed)
}

func validateToolMetric(metric parser.ParsedToolMetric) error {
	if strings.TrimSpace(metric.ToolName) == "" {
		return fmt.Errorf("tool name is required")
	}
	if metric.ExecutionCount < 0 {
		return fmt.Errorf("execution count must not be negative")
	}
	if metric.ErrorCount < 0 {
		return fmt.Errorf("error count must not be negative")
	}
	if metric.TotalDurationMs < 0 || metric.AverageDurationMs < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// postValidate re-checks referential integrity and required fields on the
// final transformed set. Violations are surfaced, never silently dropped
// or resurrected.
func (t *Transformer) postValidate(result *TransformationResult) {
	ids := make(map[string]struct{}, len(result.Sessions))
	for _, session := range result.Sessions {
		ids[session.ID] = struct{}{}
		if session.ID == "" || session.SessionStart.IsZero() {
			result.Errors = append(result.Errors, TransformationError{
				Type:     TransformationErrorTypeSession,
				RecordID: session.ID,
				Err:      "transformed session is missing required fields",
			})
		}
	}
	for _, metric := range result.ToolMetrics {
		if _, ok := ids[metric.SessionID]; !ok {
			result.Errors = append(result.Errors, TransformationError{
				Type:     TransformationErrorTypeToolMetric,
				RecordID: metric.SessionID + "/" + metric.ToolName,
				Err:      fmt.Sprintf("transformed tool metric references missing session %q", metric.SessionID),
			})
		}
		if metric.ToolName == "" {
			result.Errors = append(result.Errors, TransformationError{
				Type:     TransformationErrorTypeToolMetric,
				RecordID: metric.ID,
				Err:      "transformed tool metric is missing a tool name",
			})
		}
	}
}

// normalizeSuccessRate accepts fractional (0-1) and percentage (0-100)
// source scales, then clamps to [0, 1].
func normalizeSuccessRate(rate float64) float64 {
	if rate > 10 {
		rate = rate / 100
	}
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

// normalizeProductivityScore maps source scores onto an integer 0-100
// scale. Scores of at most 10 are treated as a 0-10 source scale.
func normalizeProductivityScore(score float64) int {
	if score <= 10 {
		score = score * 10
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score + 0.5)
}

func sanitizeText(value string, maxRunes int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	cleaned = strings.TrimSpace(cleaned)
	runes := []rune(cleaned)
	if len(runes) > maxRunes {
		return string(runes[:maxRunes])
	}
	return cleaned
}

func sanitizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		cleaned := sanitizeText(tag, maxToolNameRunes)
		if cleaned == "" {
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

func sanitizeLocalPart(value string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.TrimSpace(value))
	if mapped == "" {
		return "user"
	}
	return strings.ToLower(mapped)
}
