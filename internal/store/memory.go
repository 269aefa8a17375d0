package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftwoodhq/metriclift/internal/transform"
)

// MemoryStore is an in-process Store used by tests and dry runs. Failures
// can be injected per record id to exercise partial-failure paths.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]transform.TransformedSession
	toolMetrics map[string]transform.TransformedToolMetric

	// FailRecordIDs maps a record id to the error message its write
	// should fail with.
	FailRecordIDs map[string]string

	SessionBatchCalls    int
	ToolMetricBatchCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]transform.TransformedSession),
		toolMetrics:   make(map[string]transform.TransformedToolMetric),
		FailRecordIDs: make(map[string]string),
	}
}

func (s *MemoryStore) InsertSessionBatch(_ context.Context, rows []transform.TransformedSession) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SessionBatchCalls++
	result := BatchResult{}
	for _, row := range rows {
		if message, fail := s.FailRecordIDs[row.ID]; fail {
			result.Errors = append(result.Errors, RowError{RecordID: row.ID, Err: message})
			continue
		}
		if _, exists := s.sessions[row.ID]; exists {
			result.Updated++
		} else {
			result.Inserted++
		}
		s.sessions[row.ID] = row
	}
	return result, nil
}

func (s *MemoryStore) InsertToolMetricBatch(_ context.Context, rows []transform.TransformedToolMetric) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ToolMetricBatchCalls++
	result := BatchResult{}
	for _, row := range rows {
		if message, fail := s.FailRecordIDs[row.ID]; fail {
			result.Errors = append(result.Errors, RowError{RecordID: row.ID, Err: message})
			continue
		}
		if _, exists := s.sessions[row.SessionID]; !exists {
			result.Errors = append(result.Errors, RowError{
				RecordID: row.ID,
				Err:      fmt.Sprintf("session %q does not exist", row.SessionID),
			})
			continue
		}
		if _, exists := s.toolMetrics[row.ID]; exists {
			result.Updated++
		} else {
			result.Inserted++
		}
		s.toolMetrics[row.ID] = row
	}
	return result, nil
}

func (s *MemoryStore) QuerySessions(_ context.Context) ([]transform.TransformedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]transform.TransformedSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].SessionStart.Equal(sessions[j].SessionStart) {
			return sessions[i].SessionStart.Before(sessions[j].SessionStart)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func (s *MemoryStore) QueryToolMetrics(_ context.Context) ([]transform.TransformedToolMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := make([]transform.TransformedToolMetric, 0, len(s.toolMetrics))
	for _, metric := range s.toolMetrics {
		metrics = append(metrics, metric)
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].SessionID != metrics[j].SessionID {
			return metrics[i].SessionID < metrics[j].SessionID
		}
		return metrics[i].ToolName < metrics[j].ToolName
	})
	return metrics, nil
}

func (s *MemoryStore) DeleteSessionsByID(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, exists := s.sessions[id]; exists {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) DeleteToolMetricsByID(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, exists := s.toolMetrics[id]; exists {
			delete(s.toolMetrics, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) SessionAggregates(_ context.Context) (SessionAggregates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aggregates := SessionAggregates{Count: len(s.sessions)}
	scoreSum := 0
	scoreCount := 0
	for _, session := range s.sessions {
		start := session.SessionStart
		if aggregates.EarliestStart == nil || start.Before(*aggregates.EarliestStart) {
			earliest := start
			aggregates.EarliestStart = &earliest
		}
		if aggregates.LatestStart == nil || start.After(*aggregates.LatestStart) {
			latest := start
			aggregates.LatestStart = &latest
		}
		if session.ProductivityScore != nil {
			scoreSum += *session.ProductivityScore
			scoreCount++
		}
	}
	if scoreCount > 0 {
		avg := float64(scoreSum) / float64(scoreCount)
		aggregates.AvgProductivityScore = &avg
	}
	return aggregates, nil
}

func (s *MemoryStore) ToolMetricCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toolMetrics), nil
}
