package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	backupSessionsFileName    = "sessions_backup.json"
	backupToolMetricsFileName = "tool_metrics_backup.json"
)

// backupPhase snapshots the destination's current rows before the import
// touches them, so an operator can restore by hand if rollback ever
// proves insufficient.
func (r *Runner) backupPhase(ctx context.Context, result *MigrationResult) error {
	backupDir := filepath.Join(result.RunDir, "backup")

	sessions, err := r.store.QuerySessions(ctx)
	if err != nil {
		return fmt.Errorf("backup phase failed to read sessions: %w", err)
	}
	if err := writeBackupFile(filepath.Join(backupDir, backupSessionsFileName), sessions); err != nil {
		return err
	}

	metrics, err := r.store.QueryToolMetrics(ctx)
	if err != nil {
		return fmt.Errorf("backup phase failed to read tool metrics: %w", err)
	}
	if err := writeBackupFile(filepath.Join(backupDir, backupToolMetricsFileName), metrics); err != nil {
		return err
	}

	log.Info().
		Str("migration_id", result.MigrationID).
		Int("sessions", len(sessions)).
		Int("tool_metrics", len(metrics)).
		Msg("pre-import backup written")
	return nil
}

type backupEnvelope struct {
	TakenAt time.Time `json:"taken_at"`
	Count   int       `json:"count"`
	Rows    any       `json:"rows"`
}

func writeBackupFile[T any](path string, rows []T) error {
	payload, err := json.MarshalIndent(backupEnvelope{
		TakenAt: time.Now().UTC(),
		Count:   len(rows),
		Rows:    rows,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup %s: %w", path, err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write backup %s: %w", path, err)
	}
	return nil
}
