package transform

import "sort"

// deduplicate applies the configured strategy over the fully transformed
// set. Tool metrics belonging to a collapsed session are collapsed with it
// so referential integrity survives the pass.
func (t *Transformer) deduplicate(state *transformState, result *TransformationResult) {
	switch t.opts.DedupStrategy {
	case DedupStrategyNone:
		return
	case DedupStrategyLoose:
		t.dedupStrict(state, result)
		t.dedupLooseSessions(state, result)
	default:
		t.dedupStrict(state, result)
	}
}

// dedupStrict collapses by exact key, keeping the last-seen record in the
// first occurrence's position.
func (t *Transformer) dedupStrict(state *transformState, result *TransformationResult) {
	sessionIdx := make(map[string]int, len(result.Sessions))
	sessions := result.Sessions[:0]
	for _, session := range result.Sessions {
		if at, ok := sessionIdx[session.ID]; ok {
			sessions[at] = session
			state.duplicateSess++
			continue
		}
		sessionIdx[session.ID] = len(sessions)
		sessions = append(sessions, session)
	}
	result.Sessions = sessions

	metricIdx := make(map[string]int, len(result.ToolMetrics))
	metrics := result.ToolMetrics[:0]
	for _, metric := range result.ToolMetrics {
		key := metricKey{SessionID: metric.SessionID, ToolName: metric.ToolName}.String()
		if at, ok := metricIdx[key]; ok {
			metrics[at] = metric
			state.duplicateTools++
			continue
		}
		metricIdx[key] = len(metrics)
		metrics = append(metrics, metric)
	}
	result.ToolMetrics = metrics
}

// dedupLooseSessions additionally collapses sessions for the same user
// whose start times fall within the configured window of the previously
// kept session.
func (t *Transformer) dedupLooseSessions(state *transformState, result *TransformationResult) {
	sessions := result.Sessions
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].SessionStart.Before(sessions[j].SessionStart)
	})

	kept := sessions[:0]
	lastKeptStart := make(map[string]int, len(sessions))
	dropped := make(map[string]struct{})

	for _, session := range sessions {
		userKey := session.CloudUserID
		if userKey == "" {
			userKey = "\x00unmapped:" + state.localUserByID[session.ID]
		}

		if keptIdx, ok := lastKeptStart[userKey]; ok {
			previous := kept[keptIdx]
			if session.SessionStart.Sub(previous.SessionStart) < t.opts.LooseDedupWindow {
				dropped[session.ID] = struct{}{}
				state.duplicateSess++
				continue
			}
		}
		kept = append(kept, session)
		lastKeptStart[userKey] = len(kept) - 1
	}
	result.Sessions = kept

	if len(dropped) == 0 {
		return
	}

	metrics := result.ToolMetrics[:0]
	for _, metric := range result.ToolMetrics {
		if _, gone := dropped[metric.SessionID]; gone {
			state.duplicateTools++
			continue
		}
		metrics = append(metrics, metric)
	}
	result.ToolMetrics = metrics
}
