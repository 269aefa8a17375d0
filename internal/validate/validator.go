package validate

import (
	"fmt"
	"time"

	"github.com/driftwoodhq/metriclift/internal/transform"
)

const (
	CheckSessionDataIntegrity  = "session_data_integrity"
	CheckToolMetricConsistency = "tool_metric_consistency"
	CheckForeignKeyIntegrity   = "foreign_key_integrity"
	CheckDuplicates            = "duplicate_check"
)

type ValidationError struct {
	Check    string
	RecordID string
	Err      string
}

type IntegrityChecks struct {
	SessionDataIntegrity  bool
	ToolMetricConsistency bool
	ForeignKeyIntegrity   bool
	DuplicateCheck        bool
}

type ValidationResult struct {
	IsValid         bool
	Errors          []ValidationError
	Warnings        []string
	IntegrityChecks IntegrityChecks
}

// Validator runs four independent integrity checks over a transformation
// result. Every check always runs, so a failing run still yields a
// complete diagnostic.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) Validate(input *transform.TransformationResult) *ValidationResult {
	result := &ValidationResult{}

	result.IntegrityChecks.SessionDataIntegrity = v.checkSessionDataIntegrity(input, result)
	result.IntegrityChecks.ToolMetricConsistency = v.checkToolMetricConsistency(input, result)
	result.IntegrityChecks.ForeignKeyIntegrity = v.checkForeignKeyIntegrity(input, result)
	result.IntegrityChecks.DuplicateCheck = v.checkDuplicates(input, result)

	result.IsValid = result.IntegrityChecks.SessionDataIntegrity &&
		result.IntegrityChecks.ToolMetricConsistency &&
		result.IntegrityChecks.ForeignKeyIntegrity &&
		result.IntegrityChecks.DuplicateCheck

	return result
}

func (v *Validator) checkSessionDataIntegrity(input *transform.TransformationResult, result *ValidationResult) bool {
	ok := true
	for _, session := range input.Sessions {
		if session.ID == "" {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check: CheckSessionDataIntegrity,
				Err:   "session id is empty",
			})
			continue
		}
		if session.SessionStart.IsZero() {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckSessionDataIntegrity,
				RecordID: session.ID,
				Err:      "session start is missing",
			})
		}
		if session.SessionEnd != nil && session.SessionEnd.Before(session.SessionStart) {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckSessionDataIntegrity,
				RecordID: session.ID,
				Err: fmt.Sprintf("session end %s precedes start %s",
					session.SessionEnd.Format(time.RFC3339), session.SessionStart.Format(time.RFC3339)),
			})
		}
		if session.TotalDurationMs < 0 || session.FocusTimeMs < 0 || session.InterruptionsCount < 0 {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckSessionDataIntegrity,
				RecordID: session.ID,
				Err:      "session carries negative counters",
			})
		}
		if session.ProductivityScore != nil && (*session.ProductivityScore < 0 || *session.ProductivityScore > 100) {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckSessionDataIntegrity,
				RecordID: session.ID,
				Err:      fmt.Sprintf("productivity score %d is outside [0,100]", *session.ProductivityScore),
			})
		}
		if session.CloudUserID == "" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("session %s has no resolved cloud user", session.ID))
		}
	}
	return ok
}

func (v *Validator) checkToolMetricConsistency(input *transform.TransformationResult, result *ValidationResult) bool {
	ok := true
	for _, metric := range input.ToolMetrics {
		recordID := metric.SessionID + "/" + metric.ToolName
		if metric.ToolName == "" {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckToolMetricConsistency,
				RecordID: metric.ID,
				Err:      "tool metric is missing a tool name",
			})
		}
		if metric.ExecutionCount < 0 || metric.ErrorCount < 0 {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckToolMetricConsistency,
				RecordID: recordID,
				Err:      "tool metric carries negative counters",
			})
		}
		if metric.SuccessRate < 0 || metric.SuccessRate > 1 {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckToolMetricConsistency,
				RecordID: recordID,
				Err:      fmt.Sprintf("success rate %.3f is outside [0,1]", metric.SuccessRate),
			})
		}
		if metric.TotalDurationMs < 0 || metric.AverageDurationMs < 0 {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckToolMetricConsistency,
				RecordID: recordID,
				Err:      "tool metric carries negative durations",
			})
		}
	}
	return ok
}

func (v *Validator) checkForeignKeyIntegrity(input *transform.TransformationResult, result *ValidationResult) bool {
	sessionIDs := make(map[string]struct{}, len(input.Sessions))
	for _, session := range input.Sessions {
		sessionIDs[session.ID] = struct{}{}
	}

	cloudUserIDs := make(map[string]struct{}, len(input.UserMappings))
	for _, mapping := range input.UserMappings {
		cloudUserIDs[mapping.CloudUserID] = struct{}{}
	}

	ok := true
	for _, metric := range input.ToolMetrics {
		if _, found := sessionIDs[metric.SessionID]; !found {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckForeignKeyIntegrity,
				RecordID: metric.SessionID + "/" + metric.ToolName,
				Err:      fmt.Sprintf("tool metric references unresolvable session %q", metric.SessionID),
			})
		}
	}
	for _, session := range input.Sessions {
		if session.CloudUserID == "" {
			continue
		}
		if len(cloudUserIDs) == 0 {
			// No mappings were produced (default strategy with no
			// metadata users); nothing to cross-check.
			continue
		}
		if _, found := cloudUserIDs[session.CloudUserID]; !found {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("session %s references cloud user %s outside the run's mapping set",
					session.ID, session.CloudUserID))
		}
	}
	return ok
}

func (v *Validator) checkDuplicates(input *transform.TransformationResult, result *ValidationResult) bool {
	ok := true
	seenSessions := make(map[string]struct{}, len(input.Sessions))
	for _, session := range input.Sessions {
		if _, dup := seenSessions[session.ID]; dup {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckDuplicates,
				RecordID: session.ID,
				Err:      "duplicate session id after transformation",
			})
			continue
		}
		seenSessions[session.ID] = struct{}{}
	}

	seenMetrics := make(map[string]struct{}, len(input.ToolMetrics))
	for _, metric := range input.ToolMetrics {
		key := metric.SessionID + "\x00" + metric.ToolName
		if _, dup := seenMetrics[key]; dup {
			ok = false
			result.Errors = append(result.Errors, ValidationError{
				Check:    CheckDuplicates,
				RecordID: metric.SessionID + "/" + metric.ToolName,
				Err:      "duplicate tool metric key after transformation",
			})
			continue
		}
		seenMetrics[key] = struct{}{}
	}
	return ok
}
