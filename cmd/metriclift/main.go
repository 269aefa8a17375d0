package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftwoodhq/metriclift/internal/config"
	"github.com/driftwoodhq/metriclift/internal/importer"
	"github.com/driftwoodhq/metriclift/internal/report"
	"github.com/driftwoodhq/metriclift/internal/runner"
	"github.com/driftwoodhq/metriclift/internal/store"
)

func main() {
	setupLogging()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		opts, err := parseRunOptions("run", os.Args[2:])
		if err != nil {
			die(err.Error())
		}
		dieIf(runMigration(os.Stdout, opts, ""))
	case "resume":
		opts, migrationID, err := parseResumeOptions(os.Args[2:])
		if err != nil {
			die(err.Error())
		}
		dieIf(runMigration(os.Stdout, opts, migrationID))
	case "status":
		reportingDir, err := parseStatusOptions(os.Args[2:])
		if err != nil {
			die(err.Error())
		}
		dieIf(runStatus(os.Stdout, reportingDir))
	case "version":
		fmt.Println("metriclift dev")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`metriclift <command> [args]

Commands:
  run      Migrate local developer metrics into the cloud store
  resume   Resume an interrupted migration by id
  status   Show past migration runs
  version  Show CLI version`)
}

func setupLogging() {
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("METRICLIFT_LOG_LEVEL")); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level)
}

type runOptions struct {
	ConfigPath string
	SourceDir  string
	DryRun     bool
}

func parseRunOptions(name string, args []string) (runOptions, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	configPath := flags.String("config", "", "path to YAML migration config")
	sourceDir := flags.String("source", "", "metrics source directory override")
	dryRun := flags.Bool("dry-run", false, "run the full pipeline against an in-memory store")

	if err := flags.Parse(args); err != nil {
		return runOptions{}, err
	}
	if len(flags.Args()) > 0 {
		return runOptions{}, fmt.Errorf("unexpected positional argument(s): %s", strings.Join(flags.Args(), " "))
	}
	return runOptions{
		ConfigPath: strings.TrimSpace(*configPath),
		SourceDir:  strings.TrimSpace(*sourceDir),
		DryRun:     *dryRun,
	}, nil
}

func parseResumeOptions(args []string) (runOptions, string, error) {
	flags := flag.NewFlagSet("resume", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	configPath := flags.String("config", "", "path to YAML migration config")
	sourceDir := flags.String("source", "", "metrics source directory override")
	migrationID := flags.String("migration-id", "", "id of the run to resume")

	if err := flags.Parse(args); err != nil {
		return runOptions{}, "", err
	}
	if len(flags.Args()) > 0 {
		return runOptions{}, "", fmt.Errorf("unexpected positional argument(s): %s", strings.Join(flags.Args(), " "))
	}
	id := strings.TrimSpace(*migrationID)
	if id == "" {
		return runOptions{}, "", fmt.Errorf("--migration-id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return runOptions{}, "", fmt.Errorf("--migration-id must be a UUID: %w", err)
	}
	return runOptions{
		ConfigPath: strings.TrimSpace(*configPath),
		SourceDir:  strings.TrimSpace(*sourceDir),
	}, id, nil
}

func parseStatusOptions(args []string) (string, error) {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	reportingDir := flags.String("reporting-dir", "", "reporting directory override")
	if err := flags.Parse(args); err != nil {
		return "", err
	}
	if len(flags.Args()) > 0 {
		return "", fmt.Errorf("unexpected positional argument(s): %s", strings.Join(flags.Args(), " "))
	}
	return strings.TrimSpace(*reportingDir), nil
}

func runMigration(out io.Writer, opts runOptions, resumeID string) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.SourceDir != "" {
		cfg.SourceDir = opts.SourceDir
	}

	destination, cleanup, err := openDestination(cfg, opts.DryRun)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.DryRun {
		fmt.Fprintln(out, "🧪 Dry run: nothing will be written to the cloud store")
		// A dry run exercises the whole pipeline against the in-memory
		// store; backups and checkpoints would be meaningless.
		cfg.EnableBackup = false
		cfg.EnableCheckpointing = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "🚀 Migrating metrics for tenant %s (schema %s)\n", cfg.TenantID, cfg.TenantSchema)

	events := runner.Events{
		PhaseComplete: func(phase runner.Phase, _ *runner.MigrationResult) {
			fmt.Fprintf(out, "  ✅ %s\n", phase)
		},
		ImportProgress: func(p importer.Progress) {
			processed := p.ProcessedSessions + p.ProcessedToolMetrics
			total := p.TotalSessions + p.TotalToolMetrics
			fmt.Fprintf(out, "  📦 batch %d/%d — %s of %s records (%.0f/s, mem %s)\n",
				p.CurrentBatch, p.TotalBatches,
				humanize.Comma(int64(processed)), humanize.Comma(int64(total)),
				p.RecordsPerSecond, humanize.Bytes(p.MemoryBytes))
		},
		Error: func(err error) {
			fmt.Fprintf(out, "  ❌ %s\n", err)
		},
	}

	r := runner.New(cfg, destination, events)
	var result *runner.MigrationResult
	if resumeID != "" {
		fmt.Fprintf(out, "⏯  Resuming migration %s\n", resumeID)
		result = r.Resume(ctx, resumeID)
	} else {
		result = r.Run(ctx)
	}

	printSummary(out, result)
	if !result.Success {
		return fmt.Errorf("migration %s failed: %s", result.MigrationID, result.FailureCause)
	}
	return nil
}

// openDestination wires the configured Postgres store, or the in-memory
// store for dry runs.
func openDestination(cfg config.MigrationConfig, dryRun bool) (store.Store, func(), error) {
	if dryRun {
		return store.NewMemoryStore(), func() {}, nil
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL must be set (or use --dry-run)")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := store.EnsureTenantSchema(context.Background(), db, cfg.TenantSchema); err != nil {
		db.Close()
		return nil, nil, err
	}
	pg, err := store.NewPostgresStore(db, cfg.TenantSchema)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}

func printSummary(out io.Writer, result *runner.MigrationResult) {
	elapsed := result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond)

	fmt.Fprintf(out, "\nMigration %s\n", result.MigrationID)
	fmt.Fprintf(out, "  Sessions:     %s parsed, %s imported\n",
		humanize.Comma(int64(result.Summary.TotalSessionsParsed)),
		humanize.Comma(int64(result.Summary.SessionsImported)))
	fmt.Fprintf(out, "  Tool metrics: %s parsed, %s imported\n",
		humanize.Comma(int64(result.Summary.TotalToolMetricsParsed)),
		humanize.Comma(int64(result.Summary.ToolMetricsImported)))
	fmt.Fprintf(out, "  Duplicates removed: %d, distinct users: %d\n",
		result.Summary.DuplicatesRemoved, result.Summary.DistinctUsersIdentified)
	fmt.Fprintf(out, "  Errors: %d, integrity score: %d/100, took %s\n",
		result.Summary.TotalErrors, result.Summary.DataIntegrityScore, elapsed)
	if result.RollbackPerformed {
		fmt.Fprintln(out, "  ↩️  Imported records were rolled back")
	}
	if result.RollbackError != "" {
		fmt.Fprintf(out, "  ⚠️  Rollback incomplete: %s\n", result.RollbackError)
	}
	for _, path := range result.ReportPaths {
		fmt.Fprintf(out, "  📄 %s\n", path)
	}
}

type statusRow struct {
	MigrationID  string         `json:"migration_id"`
	TenantID     string         `json:"tenant_id"`
	TenantSchema string         `json:"tenant_schema"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	Success      bool           `json:"success"`
	FailureCause string         `json:"failure_cause"`
	Summary      report.Summary `json:"summary"`
}

func runStatus(out io.Writer, reportingDirOverride string) error {
	cfg, err := config.Load("")
	if err != nil && reportingDirOverride == "" {
		return err
	}
	reportingDir := cfg.ReportingDir
	if reportingDirOverride != "" {
		reportingDir = reportingDirOverride
	}

	entries, err := os.ReadDir(reportingDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(out, "No migration runs found.")
			return nil
		}
		return fmt.Errorf("failed to read reporting directory %s: %w", reportingDir, err)
	}

	var rows []statusRow
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(reportingDir, entry.Name(), report.MetadataFileName))
		if err != nil {
			continue
		}
		var row statusRow
		if err := json.Unmarshal(payload, &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No migration runs found.")
		return nil
	}

	sort.Slice(rows, func(a, b int) bool { return rows[a].StartedAt.After(rows[b].StartedAt) })

	fmt.Fprintln(out, "Migration runs:")
	for _, row := range rows {
		outcome := "✅"
		if !row.Success {
			outcome = "❌"
		}
		line := fmt.Sprintf("  %s %s — %s, %d sessions, %d tool metrics, %d errors",
			outcome, row.MigrationID, humanize.Time(row.StartedAt),
			row.Summary.SessionsImported, row.Summary.ToolMetricsImported, row.Summary.TotalErrors)
		if !row.Success && strings.TrimSpace(row.FailureCause) != "" {
			line += " — " + strings.TrimSpace(row.FailureCause)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func die(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func dieIf(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	die(err.Error())
}
