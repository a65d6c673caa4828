package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
)

// MigrationConfig определяет конфигурацию для системы миграций
type MigrationConfig struct {
	// Database configuration
	Driver  string `env:"MIGRATION_DRIVER" default:"sqlite"`
	DSN     string `env:"MIGRATION_DSN" default:"state.sqlite"`
	Dialect string `env:"MIGRATION_DIALECT" default:"sqlite"`

	// Migration settings
	Dir    string `env:"MIGRATION_DIR" default:"migrations"`
	Table  string `env:"MIGRATION_TABLE" default:"coordinator_schema_version"`
	Schema string `env:"MIGRATION_SCHEMA" default:"public"`

	// Safety settings
	Timeout    time.Duration `env:"MIGRATION_TIMEOUT" default:"5m"`
	MaxRetries int           `env:"MIGRATION_MAX_RETRIES" default:"3"`
	RetryDelay time.Duration `env:"MIGRATION_RETRY_DELAY" default:"5s"`

	// Development settings
	Verbose         bool `env:"MIGRATION_VERBOSE" default:"false"`
	DryRun          bool `env:"MIGRATION_DRY_RUN" default:"false"`
	AllowOutOfOrder bool `env:"MIGRATION_ALLOW_OUT_OF_ORDER" default:"false"`

	// Safety settings
	NoVersioning bool          `env:"MIGRATION_NO_VERSIONING" default:"false"`
	LockTimeout  time.Duration `env:"MIGRATION_LOCK_TIMEOUT" default:"10s"`

	// Monitoring
	EnableMetrics bool `env:"MIGRATION_METRICS" default:"true"`
	EnableTracing bool `env:"MIGRATION_TRACING" default:"false"`

	// Logger (not from env)
	Logger *slog.Logger
}

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	VersionID   int64     `json:"version_id"`
	IsApplied   bool      `json:"is_applied"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
}

// MigrationFile представляет файл миграции
type MigrationFile struct {
	Path        string    `json:"path"`
	Version     int64     `json:"version"`
	Filename    string    `json:"filename"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// MigrationManager applies and inspects the coordinator's own schema
// migrations (changes/buildsets/buildrequests/builds/object_state) via
// goose. Up is guarded by an ErrorHandler retry loop and a CircuitBreaker
// so a flaky connection during Up doesn't wedge an operator into a
// half-applied schema; the other operations call goose directly, without
// retry or breaker.
type MigrationManager struct {
	config    *MigrationConfig
	db        *sql.DB
	logger    *slog.Logger
	isRunning bool

	errors  *ErrorHandler
	breaker *CircuitBreaker
}

// NewMigrationManager opens the migration database connection and wires the
// retry/circuit-breaker collaborators that guard Up against transient
// connectivity failures.
func NewMigrationManager(config *MigrationConfig) (*MigrationManager, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	manager := &MigrationManager{
		config:  config,
		db:      db,
		logger:  logger,
		errors:  NewErrorHandler(logger, config.MaxRetries, config.RetryDelay),
		breaker: NewCircuitBreaker(logger, 3, 30*time.Second),
	}

	return manager, nil
}

// prepareGoose points goose at this manager's dialect (falling back to
// Driver when Dialect is empty, as LoadConfig does) and tracking table.
// Every exported operation below calls it first instead of SetDialect
// alone, so mm.config.Table (default "coordinator_schema_version") is the
// table goose actually reads and writes, not its own hardcoded default.
func (mm *MigrationManager) prepareGoose() error {
	dialect := mm.config.Dialect
	if dialect == "" {
		dialect = mm.config.Driver
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	table := mm.config.Table
	if table == "" {
		table = "goose_db_version"
	}
	goose.SetTableName(table)
	return nil
}

// Connect устанавливает соединение с базой данных
func (mm *MigrationManager) Connect(ctx context.Context) error {
	if err := mm.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	mm.logger.Info("Connected to database for migrations",
		"driver", mm.config.Driver,
		"dialect", mm.config.Dialect)

	return nil
}

// Disconnect закрывает соединение с базой данных
func (mm *MigrationManager) Disconnect(ctx context.Context) error {
	if mm.db != nil {
		if err := mm.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
		mm.logger.Info("Disconnected from database")
	}
	return nil
}

// Up применяет все доступные миграции
func (mm *MigrationManager) Up(ctx context.Context) error {
	mm.logger.Info("Starting migration up process")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up completed",
			"duration", duration)
	}()

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	err := mm.breaker.Call(func() error {
		return mm.errors.ExecuteWithRetry(ctx, func() error {
			return goose.Up(mm.db, mm.config.Dir)
		})
	})
	if err != nil {
		mm.logger.Error("migration up failed", "error", err)
		return mm.errors.HandleError(ctx, err, "up", 0)
	}

	mm.logger.Info("All migrations applied successfully")
	return nil
}

// UpTo применяет миграции до указанной версии
func (mm *MigrationManager) UpTo(ctx context.Context, version int64) error {
	mm.logger.Info("Starting migration up to version", "version", version)

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up to version completed",
			"version", version,
			"duration", duration)
	}()

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	// Выполняем миграции до версии
	if err := goose.UpTo(mm.db, mm.config.Dir, version); err != nil {
		mm.logger.Error("Migration up to version failed",
			"version", version,
			"error", err)
		return fmt.Errorf("failed to apply migrations up to version %d: %w", version, err)
	}

	mm.logger.Info("Migrations applied up to version", "version", version)
	return nil
}

// UpByOne применяет одну следующую миграцию
func (mm *MigrationManager) UpByOne(ctx context.Context) error {
	mm.logger.Info("Starting migration up by one")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up by one completed", "duration", duration)
	}()

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	if err := goose.UpByOne(mm.db, mm.config.Dir); err != nil {
		mm.logger.Error("Migration up by one failed", "error", err)
		return fmt.Errorf("failed to apply next migration: %w", err)
	}

	mm.logger.Info("Next migration applied successfully")
	return nil
}

// Down откатывает все миграции
func (mm *MigrationManager) Down(ctx context.Context) error {
	mm.logger.Info("Starting migration down process")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down completed", "duration", duration)
	}()

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	// Откатываем все миграции
	if err := goose.Reset(mm.db, mm.config.Dir); err != nil {
		mm.logger.Error("Migration down failed", "error", err)
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}

	mm.logger.Info("All migrations rolled back successfully")
	return nil
}

// DownTo откатывает миграции до указанной версии
func (mm *MigrationManager) DownTo(ctx context.Context, version int64) error {
	mm.logger.Info("Starting migration down to version", "version", version)

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down to version completed",
			"version", version,
			"duration", duration)
	}()

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	// Откатываем до версии
	if err := goose.DownTo(mm.db, mm.config.Dir, version); err != nil {
		mm.logger.Error("Migration down to version failed",
			"version", version,
			"error", err)
		return fmt.Errorf("failed to rollback migrations to version %d: %w", version, err)
	}

	mm.logger.Info("Migrations rolled back to version", "version", version)
	return nil
}

// DownByOne откатывает одну миграцию
func (mm *MigrationManager) DownByOne(ctx context.Context) error {
	mm.logger.Info("Starting migration down by one")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down by one completed", "duration", duration)
	}()

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	// Откатываем одну миграцию
	if err := goose.Down(mm.db, mm.config.Dir); err != nil {
		mm.logger.Error("Migration down by one failed", "error", err)
		return fmt.Errorf("failed to rollback next migration: %w", err)
	}

	mm.logger.Info("Previous migration rolled back successfully")
	return nil
}

// Status возвращает статус всех миграций
func (mm *MigrationManager) Status(ctx context.Context) ([]*MigrationStatus, error) {
	mm.logger.Info("Getting migration status")

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return nil, err
	}

	// Получаем статус миграций
	if err := goose.Status(mm.db, mm.config.Dir); err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}

	current, err := goose.GetDBVersion(mm.db)
	if err != nil {
		return nil, fmt.Errorf("failed to get current migration version: %w", err)
	}

	files, err := mm.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration files for status: %w", err)
	}

	statuses := make([]*MigrationStatus, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, &MigrationStatus{
			VersionID:   f.Version,
			IsApplied:   f.Version <= current,
			Timestamp:   f.CreatedAt,
			Source:      f.Filename,
			Description: f.Description,
		})
	}

	mm.logger.Info("Migration status retrieved",
		"total_migrations", len(statuses), "current_version", current)

	return statuses, nil
}

// Version возвращает текущую версию миграций
func (mm *MigrationManager) Version(ctx context.Context) (int64, error) {
	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return 0, err
	}

	// Получаем версию миграций
	version, err := goose.GetDBVersion(mm.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}

	mm.logger.Info("Current migration version", "version", version)
	return version, nil
}

// List возвращает список всех миграционных файлов
func (mm *MigrationManager) List(ctx context.Context) ([]*MigrationFile, error) {
	mm.logger.Info("Listing migration files")

	// Читаем файлы из директории миграций
	files, err := filepath.Glob(filepath.Join(mm.config.Dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migration files: %w", err)
	}

	migrations := make([]*MigrationFile, 0, len(files))
	for _, file := range files {
		name := filepath.Base(file)
		version, description := parseMigrationFilename(name)
		migrations = append(migrations, &MigrationFile{
			Path:        file,
			Version:     version,
			Filename:    name,
			Description: description,
			CreatedAt:   time.Now(),
		})
	}

	mm.logger.Info("Migration files listed", "count", len(migrations))
	return migrations, nil
}

// LatestVersion returns the highest version among the *.sql files in dir,
// i.e. the schema version a binary built against this migrations directory
// expects. Coordinator wires the result into db.Config.SchemaVersion so
// IsCurrent rejects a database stuck on an older migration.
func LatestVersion(dir string) (int64, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("listing migration files in %s: %w", dir, err)
	}
	var latest int64
	for _, file := range files {
		version, _ := parseMigrationFilename(filepath.Base(file))
		if version > latest {
			latest = version
		}
	}
	return latest, nil
}

// parseMigrationFilename extracts the version and description from a goose
// migration filename of the form "<version>_<description>.sql".
func parseMigrationFilename(filename string) (version int64, description string) {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	parts := strings.SplitN(name, "_", 2)
	if len(parts) == 0 {
		return 0, ""
	}
	v, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, strings.ReplaceAll(name, "_", " ")
	}
	if len(parts) == 2 {
		description = strings.ReplaceAll(parts[1], "_", " ")
	}
	return v, description
}

// Create создает новый миграционный файл
func (mm *MigrationManager) Create(ctx context.Context, name string) (string, error) {
	mm.logger.Info("Creating new migration", "name", name)

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return "", err
	}

	// Создаем миграцию
	filename := fmt.Sprintf("%s/%d_%s.sql", mm.config.Dir, time.Now().Unix(), name)

	// Для простоты создаем файл вручную
	content := `-- +goose Up
-- Migration: ` + name + `
-- Created: ` + time.Now().Format("2006-01-02 15:04:05") + `

-- Add your migration SQL here

-- +goose Down
-- Rollback migration: ` + name + `

-- Add your rollback SQL here
`

	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}

	mm.logger.Info("Migration created", "filename", filename)
	return filename, nil
}

// Validate проверяет корректность миграций
func (mm *MigrationManager) Validate(ctx context.Context) error {
	mm.logger.Info("Starting migration validation")

	// Проверяем, что все миграционные файлы существуют
	migrations, err := mm.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}

	for _, migration := range migrations {
		if _, err := filepath.Glob(filepath.Join(mm.config.Dir, "*.sql")); err != nil {
			return fmt.Errorf("migration file not accessible: %s", migration.Path)
		}
	}

	// Проверяем статус миграций
	statuses, err := mm.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	// Проверяем на пропущенные миграции
	var appliedVersions []int64
	for _, status := range statuses {
		if status.IsApplied {
			appliedVersions = append(appliedVersions, status.VersionID)
		}
	}

	// Проверяем последовательность
	for i := 1; i < len(appliedVersions); i++ {
		if appliedVersions[i] < appliedVersions[i-1] {
			mm.logger.Warn("Out of order migration detected",
				"current", appliedVersions[i],
				"previous", appliedVersions[i-1])
		}
	}

	mm.logger.Info("Migration validation completed successfully")
	return nil
}

// Fix logs the start and end of a fix run and returns nil. It does not
// inspect or change the tracking table or the migration files.
func (mm *MigrationManager) Fix(ctx context.Context) error {
	mm.logger.Info("Starting migration fix process")

	mm.logger.Info("Migration fix completed")
	return nil
}

// Redo переприменяет последнюю миграцию
func (mm *MigrationManager) Redo(ctx context.Context) error {
	mm.logger.Info("Starting migration redo")

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	// Сначала откатываем последнюю миграцию
	if err := goose.Down(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("failed to rollback last migration: %w", err)
	}

	// Затем применяем её снова
	if err := goose.UpByOne(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("failed to reapply last migration: %w", err)
	}

	mm.logger.Info("Migration redo completed successfully")
	return nil
}

// Reset сбрасывает все миграции
func (mm *MigrationManager) Reset(ctx context.Context) error {
	mm.logger.Warn("Starting migration reset - this will drop all data!")

	if err := mm.prepareGoose(); err != nil {
		mm.logger.Error("failed to configure goose", "error", err)
		return err
	}

	// Сначала откатываем все миграции
	if err := goose.Reset(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("failed to rollback all migrations: %w", err)
	}

	mm.logger.Info("Migration reset completed - all migrations rolled back")
	return nil
}

// HealthCheck confirms the migration database is reachable and that its
// tracking table (mm.config.Table, the same name prepareGoose applies) is
// present.
func (mm *MigrationManager) HealthCheck(ctx context.Context) error {
	if err := mm.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	var exists bool
	var query string
	switch mm.config.Driver {
	case "postgres":
		query = fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = '%s')", mm.config.Table)
	default:
		query = fmt.Sprintf("SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name='%s'", mm.config.Table)
	}
	if err := mm.db.QueryRowContext(ctx, query).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check migration table: %w", err)
	}
	if !exists {
		mm.logger.Warn("migration tracking table does not exist yet", "table", mm.config.Table)
	}

	return nil
}

// GetConfig возвращает текущую конфигурацию
func (mm *MigrationManager) GetConfig() *MigrationConfig {
	return mm.config
}

// DB returns the manager's underlying connection, so a HealthChecker or
// BackupManager constructed separately can share it instead of opening its
// own.
func (mm *MigrationManager) DB() *sql.DB {
	return mm.db
}

// IsRunning возвращает статус выполнения миграций
func (mm *MigrationManager) IsRunning() bool {
	return mm.isRunning
}
