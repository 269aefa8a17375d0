package baseline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/driftwoodhq/metriclift/internal/parser"
	"github.com/driftwoodhq/metriclift/internal/store"
	"github.com/driftwoodhq/metriclift/internal/transform"
)

type Differences struct {
	SessionCountDiff      int
	ToolMetricCountDiff   int
	ProductivityScoreDiff float64
	TimeRangeDiff         time.Duration
}

// ComparisonResult reports how closely the imported data agrees with what
// the parse phase observed. Confidence is advisory; it never gates
// rollback by itself.
type ComparisonResult struct {
	ComparisonValid bool
	Differences     Differences
	Confidence      float64
}

type Options struct {
	SessionCountTolerance    int
	ToolMetricCountTolerance int
}

// Comparator detects silent data loss by comparing parse-phase statistics
// against what actually landed in the destination store.
type Comparator struct {
	opts Options
}

func New(opts Options) *Comparator {
	if opts.SessionCountTolerance < 0 {
		opts.SessionCountTolerance = 0
	}
	if opts.ToolMetricCountTolerance < 0 {
		opts.ToolMetricCountTolerance = 0
	}
	return &Comparator{opts: opts}
}

// Compare measures the transformed set that was supposed to land against
// the destination store's post-import state.
func (c *Comparator) Compare(
	ctx context.Context,
	destination store.Store,
	parseStats parser.ParseStatistics,
	transformed *transform.TransformationResult,
) (*ComparisonResult, error) {
	if destination == nil {
		return nil, fmt.Errorf("destination store is required")
	}
	if transformed == nil {
		return nil, fmt.Errorf("transformation result is required")
	}

	aggregates, err := destination.SessionAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session aggregates: %w", err)
	}
	metricCount, err := destination.ToolMetricCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool metric count: %w", err)
	}

	// Counts are compared against what the parse phase observed, not the
	// transformed set: a transformer that silently dropped records would
	// otherwise agree with the store by construction.
	result := &ComparisonResult{}
	result.Differences.SessionCountDiff = parseStats.SessionCount - aggregates.Count
	result.Differences.ToolMetricCountDiff = parseStats.ToolMetricCount - metricCount
	result.Differences.ProductivityScoreDiff = productivityScoreDiff(transformed, aggregates)
	result.Differences.TimeRangeDiff = timeRangeDiff(parseStats, aggregates)

	result.ComparisonValid = abs(result.Differences.SessionCountDiff) <= c.opts.SessionCountTolerance &&
		abs(result.Differences.ToolMetricCountDiff) <= c.opts.ToolMetricCountTolerance

	result.Confidence = math.Min(
		agreement(parseStats.SessionCount, aggregates.Count),
		agreement(parseStats.ToolMetricCount, metricCount),
	)

	return result, nil
}

func productivityScoreDiff(transformed *transform.TransformationResult, aggregates store.SessionAggregates) float64 {
	sum := 0
	count := 0
	for _, session := range transformed.Sessions {
		if session.ProductivityScore != nil {
			sum += *session.ProductivityScore
			count++
		}
	}
	if count == 0 || aggregates.AvgProductivityScore == nil {
		return 0
	}
	expected := float64(sum) / float64(count)
	return expected - *aggregates.AvgProductivityScore
}

func timeRangeDiff(parseStats parser.ParseStatistics, aggregates store.SessionAggregates) time.Duration {
	if parseStats.EarliestTimestamp == nil || parseStats.LatestTimestamp == nil ||
		aggregates.EarliestStart == nil || aggregates.LatestStart == nil {
		return 0
	}
	parsedRange := parseStats.LatestTimestamp.Sub(*parseStats.EarliestTimestamp)
	storedRange := aggregates.LatestStart.Sub(*aggregates.EarliestStart)
	diff := parsedRange - storedRange
	if diff < 0 {
		return -diff
	}
	return diff
}

// agreement maps two counts to a [0,1] score: 1 for exact agreement,
// falling toward 0 as they diverge.
func agreement(expected, actual int) float64 {
	if expected == 0 && actual == 0 {
		return 1
	}
	larger := math.Max(float64(expected), float64(actual))
	smaller := math.Min(float64(expected), float64(actual))
	if larger <= 0 || smaller < 0 {
		return 0
	}
	return smaller / larger
}

func abs(value int) int {
	if value < 0 {
		return -value
	}
	return value
}
