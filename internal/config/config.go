package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftwoodhq/metriclift/internal/transform"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	loadDotEnv(".env")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		// Remove surrounding quotes
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const (
	defaultTenantSchema            = "tenant_default"
	defaultReportingDir            = "./data/migrations"
	defaultBatchSize               = 100
	defaultUserMappingStrategy     = transform.UserMappingStrategyCreate
	defaultDedupStrategy           = transform.DedupStrategyStrict
	defaultLooseDedupWindow        = 5 * time.Minute
	defaultMinSessionDurationMs    = 1000
	defaultMaxSessionDurationHours = 24
)

// MigrationConfig drives one end-to-end migration run.
type MigrationConfig struct {
	TenantID     string `yaml:"tenant_id"`
	TenantSchema string `yaml:"tenant_schema"`
	DatabaseURL  string `yaml:"database_url"`
	SourceDir    string `yaml:"source_dir"`
	ReportingDir string `yaml:"reporting_dir"`

	UserMappingStrategy string            `yaml:"user_mapping_strategy"`
	UserMappings        map[string]string `yaml:"user_mappings"`
	DefaultCloudUserID  string            `yaml:"default_cloud_user_id"`

	DedupStrategy    string        `yaml:"dedup_strategy"`
	LooseDedupWindow time.Duration `yaml:"loose_dedup_window"`

	MinSessionDurationMs    int64 `yaml:"min_session_duration_ms"`
	MaxSessionDurationHours int   `yaml:"max_session_duration_hours"`

	BatchSize       int  `yaml:"batch_size"`
	ContinueOnError bool `yaml:"continue_on_error"`

	EnableValidation       bool `yaml:"enable_validation"`
	EnableBackup           bool `yaml:"enable_backup"`
	EnableRollback         bool `yaml:"enable_rollback"`
	EnableDetailedReports  bool `yaml:"enable_detailed_reports"`
	EnableProgressTracking bool `yaml:"enable_progress_tracking"`
	EnableCheckpointing    bool `yaml:"enable_checkpointing"`

	SessionCountTolerance    int `yaml:"session_count_tolerance"`
	ToolMetricCountTolerance int `yaml:"tool_metric_count_tolerance"`
}

// Load builds a MigrationConfig from the environment. When configPath is
// non-empty, the YAML file is applied first and env vars override it.
func Load(configPath string) (MigrationConfig, error) {
	cfg := MigrationConfig{
		TenantSchema:            defaultTenantSchema,
		ReportingDir:            defaultReportingDir,
		UserMappingStrategy:     defaultUserMappingStrategy,
		DedupStrategy:           defaultDedupStrategy,
		LooseDedupWindow:        defaultLooseDedupWindow,
		MinSessionDurationMs:    defaultMinSessionDurationMs,
		MaxSessionDurationHours: defaultMaxSessionDurationHours,
		BatchSize:               defaultBatchSize,
		EnableValidation:        true,
		EnableBackup:            true,
		EnableRollback:          true,
		EnableDetailedReports:   true,
		EnableProgressTracking:  true,
		EnableCheckpointing:     true,
	}

	if configPath != "" {
		if err := applyYAMLFile(&cfg, configPath); err != nil {
			return MigrationConfig{}, err
		}
	}

	cfg.TenantID = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICLIFT_TENANT_ID")), cfg.TenantID)
	cfg.TenantSchema = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICLIFT_TENANT_SCHEMA")), cfg.TenantSchema)
	cfg.DatabaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("DATABASE_URL")), cfg.DatabaseURL)
	cfg.SourceDir = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICLIFT_SOURCE_DIR")), cfg.SourceDir)
	cfg.ReportingDir = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICLIFT_REPORTING_DIR")), cfg.ReportingDir)
	cfg.UserMappingStrategy = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICLIFT_USER_MAPPING_STRATEGY")), cfg.UserMappingStrategy)
	cfg.DefaultCloudUserID = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICLIFT_DEFAULT_CLOUD_USER_ID")), cfg.DefaultCloudUserID)
	cfg.DedupStrategy = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICLIFT_DEDUP_STRATEGY")), cfg.DedupStrategy)

	looseWindow, err := parseDuration("METRICLIFT_LOOSE_DEDUP_WINDOW", cfg.LooseDedupWindow)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.LooseDedupWindow = looseWindow

	minDuration, err := parseInt("METRICLIFT_MIN_SESSION_DURATION_MS", int(cfg.MinSessionDurationMs))
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.MinSessionDurationMs = int64(minDuration)

	maxHours, err := parseInt("METRICLIFT_MAX_SESSION_DURATION_HOURS", cfg.MaxSessionDurationHours)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.MaxSessionDurationHours = maxHours

	batchSize, err := parseInt("METRICLIFT_BATCH_SIZE", cfg.BatchSize)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.BatchSize = batchSize

	continueOnError, err := parseBool("METRICLIFT_CONTINUE_ON_ERROR", cfg.ContinueOnError)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.ContinueOnError = continueOnError

	enableValidation, err := parseBool("METRICLIFT_ENABLE_VALIDATION", cfg.EnableValidation)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.EnableValidation = enableValidation

	enableBackup, err := parseBool("METRICLIFT_ENABLE_BACKUP", cfg.EnableBackup)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.EnableBackup = enableBackup

	enableRollback, err := parseBool("METRICLIFT_ENABLE_ROLLBACK", cfg.EnableRollback)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.EnableRollback = enableRollback

	enableDetailedReports, err := parseBool("METRICLIFT_ENABLE_DETAILED_REPORTS", cfg.EnableDetailedReports)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.EnableDetailedReports = enableDetailedReports

	enableProgressTracking, err := parseBool("METRICLIFT_ENABLE_PROGRESS_TRACKING", cfg.EnableProgressTracking)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.EnableProgressTracking = enableProgressTracking

	enableCheckpointing, err := parseBool("METRICLIFT_ENABLE_CHECKPOINTING", cfg.EnableCheckpointing)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.EnableCheckpointing = enableCheckpointing

	sessionTolerance, err := parseInt("METRICLIFT_SESSION_COUNT_TOLERANCE", cfg.SessionCountTolerance)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.SessionCountTolerance = sessionTolerance

	metricTolerance, err := parseInt("METRICLIFT_TOOL_METRIC_COUNT_TOLERANCE", cfg.ToolMetricCountTolerance)
	if err != nil {
		return MigrationConfig{}, err
	}
	cfg.ToolMetricCountTolerance = metricTolerance

	if err := cfg.Validate(); err != nil {
		return MigrationConfig{}, err
	}

	return cfg, nil
}

func applyYAMLFile(cfg *MigrationConfig, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(payload, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c MigrationConfig) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("METRICLIFT_TENANT_ID must not be empty")
	}
	if strings.TrimSpace(c.TenantSchema) == "" {
		return fmt.Errorf("METRICLIFT_TENANT_SCHEMA must not be empty")
	}
	if strings.TrimSpace(c.ReportingDir) == "" {
		return fmt.Errorf("METRICLIFT_REPORTING_DIR must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("METRICLIFT_BATCH_SIZE must be greater than zero")
	}
	if c.MinSessionDurationMs <= 0 {
		return fmt.Errorf("METRICLIFT_MIN_SESSION_DURATION_MS must be greater than zero")
	}
	if c.MaxSessionDurationHours <= 0 {
		return fmt.Errorf("METRICLIFT_MAX_SESSION_DURATION_HOURS must be greater than zero")
	}
	if c.SessionCountTolerance < 0 || c.ToolMetricCountTolerance < 0 {
		return fmt.Errorf("baseline count tolerances must not be negative")
	}

	switch c.UserMappingStrategy {
	case transform.UserMappingStrategyCreate, transform.UserMappingStrategyMap, transform.UserMappingStrategyDefault:
	default:
		return fmt.Errorf("METRICLIFT_USER_MAPPING_STRATEGY must be one of create, map, default")
	}
	if c.UserMappingStrategy == transform.UserMappingStrategyMap && len(c.UserMappings) == 0 {
		return fmt.Errorf("user_mappings must not be empty when the map strategy is selected")
	}
	if c.UserMappingStrategy == transform.UserMappingStrategyDefault && strings.TrimSpace(c.DefaultCloudUserID) == "" {
		return fmt.Errorf("METRICLIFT_DEFAULT_CLOUD_USER_ID must not be empty when the default strategy is selected")
	}

	switch c.DedupStrategy {
	case transform.DedupStrategyStrict, transform.DedupStrategyLoose, transform.DedupStrategyNone:
	default:
		return fmt.Errorf("METRICLIFT_DEDUP_STRATEGY must be one of strict, loose, none")
	}
	if c.DedupStrategy == transform.DedupStrategyLoose && c.LooseDedupWindow <= 0 {
		return fmt.Errorf("METRICLIFT_LOOSE_DEDUP_WINDOW must be greater than zero for loose dedup")
	}

	return nil
}

// TransformOptions projects the config onto the transformer's option bag.
func (c MigrationConfig) TransformOptions() transform.Options {
	return transform.Options{
		UserMappingStrategy:     c.UserMappingStrategy,
		UserMappings:            c.UserMappings,
		DefaultCloudUserID:      c.DefaultCloudUserID,
		DedupStrategy:           c.DedupStrategy,
		LooseDedupWindow:        c.LooseDedupWindow,
		MinSessionDurationMs:    c.MinSessionDurationMs,
		MaxSessionDurationHours: c.MaxSessionDurationHours,
	}
}

func parseBool(name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, raw)
	}
	return value, nil
}

func parseInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return value, nil
}

func parseDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 5m or 30s, got %q", name, raw)
	}
	return value, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
