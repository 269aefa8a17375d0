package importer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/driftwoodhq/metriclift/internal/store"
	"github.com/driftwoodhq/metriclift/internal/transform"
)

const defaultBatchSize = 100

const (
	entitySession    = "session"
	entityToolMetric = "tool_metric"
)

type Options struct {
	BatchSize       int
	ContinueOnError bool
	// CheckpointPath enables resumable imports when non-empty.
	CheckpointPath string
}

type ImportError struct {
	RecordID string
	Entity   string
	Err      string
}

// Progress is emitted after every committed batch.
type Progress struct {
	TotalSessions        int
	ProcessedSessions    int
	TotalToolMetrics     int
	ProcessedToolMetrics int
	ErrorCount           int
	Elapsed              time.Duration
	EstimatedRemaining   time.Duration
	CurrentBatch         int
	TotalBatches         int
	RecordsPerSecond     float64
	MemoryBytes          uint64
}

type Result struct {
	Success               bool
	TotalRecordsProcessed int
	RecordsInserted       int
	RecordsUpdated        int
	RecordsSkipped        int
	Errors                []ImportError
	FinalProgress         Progress

	// Identifiers persisted during this run, recorded for key-set rollback.
	InsertedSessionIDs    []string
	InsertedToolMetricIDs []string
}

// Importer writes a transformation result into the destination store in
// fixed-size batches with optional checkpointing.
type Importer struct {
	store      store.Store
	opts       Options
	OnProgress func(Progress)
}

func New(destination store.Store, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Importer{store: destination, opts: opts}
}

type importState struct {
	result     *Result
	checkpoint *Checkpoint
	processed  map[string]struct{}
	startedAt  time.Time
	batchIndex int
	progress   Progress
}

func (i *Importer) Import(ctx context.Context, input *transform.TransformationResult) (result *Result, err error) {
	if i == nil || i.store == nil {
		return nil, fmt.Errorf("importer is not configured")
	}
	if input == nil {
		return nil, fmt.Errorf("transformation result is required")
	}

	state := &importState{
		result:     &Result{},
		checkpoint: &Checkpoint{},
		processed:  make(map[string]struct{}),
		startedAt:  time.Now(),
	}

	// A panic (typically from a progress observer) must not discard the
	// record of what was already persisted: callers need it for rollback.
	defer func() {
		if recovered := recover(); recovered != nil {
			state.result.FinalProgress = state.progress
			result = state.result
			err = fmt.Errorf("import interrupted by panic: %v", recovered)
		}
	}()
	state.progress.TotalSessions = len(input.Sessions)
	state.progress.TotalToolMetrics = len(input.ToolMetrics)
	state.progress.TotalBatches = batchCount(len(input.Sessions), i.opts.BatchSize) +
		batchCount(len(input.ToolMetrics), i.opts.BatchSize)

	if i.opts.CheckpointPath != "" {
		existing, err := loadCheckpoint(i.opts.CheckpointPath)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			state.checkpoint = existing
			for _, id := range existing.ProcessedRecordIDs {
				state.processed[id] = struct{}{}
			}
		}
	}

	if err := i.importSessions(ctx, input.Sessions, state); err != nil {
		state.result.FinalProgress = state.progress
		return state.result, err
	}
	if err := i.importToolMetrics(ctx, input.ToolMetrics, state); err != nil {
		state.result.FinalProgress = state.progress
		return state.result, err
	}

	state.result.Success = i.opts.ContinueOnError || len(state.result.Errors) == 0
	state.result.FinalProgress = state.progress
	return state.result, nil
}

func (i *Importer) importSessions(ctx context.Context, sessions []transform.TransformedSession, state *importState) error {
	for offset := 0; offset < len(sessions); offset += i.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := offset + i.opts.BatchSize
		if end > len(sessions) {
			end = len(sessions)
		}
		batch := sessions[offset:end]

		pending := make([]transform.TransformedSession, 0, len(batch))
		for _, row := range batch {
			if _, done := state.processed[checkpointKey(entitySession, row.ID)]; done {
				state.result.RecordsSkipped++
				state.result.TotalRecordsProcessed++
				state.progress.ProcessedSessions++
				continue
			}
			pending = append(pending, row)
		}

		if len(pending) > 0 {
			batchResult, err := i.store.InsertSessionBatch(ctx, pending)
			if err != nil {
				return fmt.Errorf("failed to insert session batch: %w", err)
			}
			failed := make(map[string]struct{}, len(batchResult.Errors))
			for _, rowErr := range batchResult.Errors {
				failed[rowErr.RecordID] = struct{}{}
				state.result.Errors = append(state.result.Errors, ImportError{
					RecordID: rowErr.RecordID,
					Entity:   entitySession,
					Err:      rowErr.Err,
				})
			}
			for _, row := range pending {
				state.result.TotalRecordsProcessed++
				state.progress.ProcessedSessions++
				if _, bad := failed[row.ID]; bad {
					continue
				}
				state.result.InsertedSessionIDs = append(state.result.InsertedSessionIDs, row.ID)
				state.checkpoint.ProcessedRecordIDs = append(state.checkpoint.ProcessedRecordIDs,
					checkpointKey(entitySession, row.ID))
				state.processed[checkpointKey(entitySession, row.ID)] = struct{}{}
			}
			state.result.RecordsInserted += batchResult.Inserted
			state.result.RecordsUpdated += batchResult.Updated
			state.result.RecordsSkipped += batchResult.Skipped

			if len(batchResult.Errors) > 0 && !i.opts.ContinueOnError {
				state.batchIndex++
				i.commitBatch(state)
				return fmt.Errorf("session batch %d failed: %s",
					state.batchIndex, batchResult.Errors[0].Err)
			}
		}

		state.batchIndex++
		if err := i.commitBatch(state); err != nil {
			return err
		}
	}
	return nil
}

func (i *Importer) importToolMetrics(ctx context.Context, metrics []transform.TransformedToolMetric, state *importState) error {
	for offset := 0; offset < len(metrics); offset += i.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := offset + i.opts.BatchSize
		if end > len(metrics) {
			end = len(metrics)
		}
		batch := metrics[offset:end]

		pending := make([]transform.TransformedToolMetric, 0, len(batch))
		for _, row := range batch {
			if _, done := state.processed[checkpointKey(entityToolMetric, row.ID)]; done {
				state.result.RecordsSkipped++
				state.result.TotalRecordsProcessed++
				state.progress.ProcessedToolMetrics++
				continue
			}
			pending = append(pending, row)
		}

		if len(pending) > 0 {
			batchResult, err := i.store.InsertToolMetricBatch(ctx, pending)
			if err != nil {
				return fmt.Errorf("failed to insert tool metric batch: %w", err)
			}
			failed := make(map[string]struct{}, len(batchResult.Errors))
			for _, rowErr := range batchResult.Errors {
				failed[rowErr.RecordID] = struct{}{}
				state.result.Errors = append(state.result.Errors, ImportError{
					RecordID: rowErr.RecordID,
					Entity:   entityToolMetric,
					Err:      rowErr.Err,
				})
			}
			for _, row := range pending {
				state.result.TotalRecordsProcessed++
				state.progress.ProcessedToolMetrics++
				if _, bad := failed[row.ID]; bad {
					continue
				}
				state.result.InsertedToolMetricIDs = append(state.result.InsertedToolMetricIDs, row.ID)
				state.checkpoint.ProcessedRecordIDs = append(state.checkpoint.ProcessedRecordIDs,
					checkpointKey(entityToolMetric, row.ID))
				state.processed[checkpointKey(entityToolMetric, row.ID)] = struct{}{}
			}
			state.result.RecordsInserted += batchResult.Inserted
			state.result.RecordsUpdated += batchResult.Updated
			state.result.RecordsSkipped += batchResult.Skipped

			if len(batchResult.Errors) > 0 && !i.opts.ContinueOnError {
				state.batchIndex++
				i.commitBatch(state)
				return fmt.Errorf("tool metric batch %d failed: %s",
					state.batchIndex, batchResult.Errors[0].Err)
			}
		}

		state.batchIndex++
		if err := i.commitBatch(state); err != nil {
			return err
		}
	}
	return nil
}

// commitBatch persists the checkpoint and emits a progress event. The
// checkpoint write is ordered strictly by batch index.
func (i *Importer) commitBatch(state *importState) error {
	state.checkpoint.LastBatchIndex = state.batchIndex

	if i.opts.CheckpointPath != "" {
		if err := saveCheckpoint(i.opts.CheckpointPath, state.checkpoint); err != nil {
			return err
		}
	}

	state.progress.CurrentBatch = state.batchIndex
	state.progress.ErrorCount = len(state.result.Errors)
	state.progress.Elapsed = time.Since(state.startedAt)

	processed := state.progress.ProcessedSessions + state.progress.ProcessedToolMetrics
	total := state.progress.TotalSessions + state.progress.TotalToolMetrics
	if seconds := state.progress.Elapsed.Seconds(); seconds > 0 {
		state.progress.RecordsPerSecond = float64(processed) / seconds
	}
	if state.progress.RecordsPerSecond > 0 && total > processed {
		remaining := float64(total-processed) / state.progress.RecordsPerSecond
		state.progress.EstimatedRemaining = time.Duration(remaining * float64(time.Second))
	} else {
		state.progress.EstimatedRemaining = 0
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	state.progress.MemoryBytes = memStats.Alloc

	if i.OnProgress != nil {
		i.OnProgress(state.progress)
	}
	return nil
}

func checkpointKey(entity, id string) string {
	return entity + ":" + id
}

func batchCount(records, batchSize int) int {
	if records == 0 {
		return 0
	}
	return (records + batchSize - 1) / batchSize
}
