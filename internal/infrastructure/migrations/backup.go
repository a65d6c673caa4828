package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// BackupManager snapshots the changes/buildsets/buildrequests/builds schema
// around a migration, so a failed Up or an operator-triggered Down has
// something to restore from.
type BackupManager struct {
	config *BackupConfig
	db     *sql.DB
	logger *slog.Logger
}

// BackupConfig configures backup storage and retention.
type BackupConfig struct {
	Enabled       bool          `env:"BACKUP_ENABLED" default:"true"`
	Type          string        `env:"BACKUP_TYPE" default:"schema"`
	Path          string        `env:"BACKUP_PATH" default:"./backups"`
	RetentionDays int           `env:"BACKUP_RETENTION_DAYS" default:"30"`
	Compress      bool          `env:"BACKUP_COMPRESS" default:"true"`
	Timeout       time.Duration `env:"BACKUP_TIMEOUT" default:"10m"`
}

// NewBackupManager returns a BackupManager writing to config.Path.
func NewBackupManager(config *BackupConfig, db *sql.DB, logger *slog.Logger) *BackupManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupManager{
		config: config,
		db:     db,
		logger: logger,
	}
}

// CreatePreMigrationBackup snapshots the schema immediately before applying
// migrations.
func (bm *BackupManager) CreatePreMigrationBackup(ctx context.Context) (string, error) {
	return bm.createBackup(ctx, "pre_migration")
}

// CreatePostMigrationBackup snapshots the schema immediately after applying
// migrations, so a subsequent rollback has a known-good post-migration
// state to compare against.
func (bm *BackupManager) CreatePostMigrationBackup(ctx context.Context) (string, error) {
	return bm.createBackup(ctx, "post_migration")
}

// createBackup writes a schema-only dump named "<label>_<timestamp>.sql"
// under config.Path, dispatching to the driver-specific dump tool. label is
// also the prefix isBackupFile/parseBackupTimestamp use to recognise the
// file later (pre_migration, post_migration, or an operator-triggered
// manual backup).
func (bm *BackupManager) createBackup(ctx context.Context, label string) (string, error) {
	if !bm.config.Enabled {
		bm.logger.Info("backups disabled, skipping", "label", label)
		return "", nil
	}

	bm.logger.Info("creating backup", "label", label)

	timestamp := time.Now().Format("20060102_150405")
	fullPath := filepath.Join(bm.config.Path, fmt.Sprintf("%s_%s.sql", label, timestamp))

	if err := os.MkdirAll(bm.config.Path, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	dbType, err := bm.detectDatabaseType(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to detect database type: %w", err)
	}

	switch dbType {
	case "postgres":
		return bm.createPostgreSQLBackup(ctx, fullPath)
	case "sqlite":
		return bm.createSQLiteBackup(ctx, fullPath)
	default:
		return "", fmt.Errorf("unsupported database type for backup: %s", dbType)
	}
}

// createPostgreSQLBackup runs pg_dump --schema-only against MIGRATION_DSN.
func (bm *BackupManager) createPostgreSQLBackup(ctx context.Context, backupFile string) (string, error) {
	bm.logger.Info("creating postgres backup", "file", backupFile)

	dsn := os.Getenv("MIGRATION_DSN")
	if dsn == "" {
		return "", fmt.Errorf("MIGRATION_DSN environment variable not set")
	}

	args := []string{
		"--schema-only",
		"--no-owner",
		"--no-privileges",
		"--file", backupFile,
		dsn,
	}

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", bm.extractPassword(dsn)))

	output, err := cmd.CombinedOutput()
	if err != nil {
		bm.logger.Error("postgres backup failed", "error", err, "output", string(output))
		return "", fmt.Errorf("failed to create postgres backup: %w", err)
	}

	return bm.verifyBackupSize(backupFile)
}

// createSQLiteBackup dumps the database with SQLite's .dump command.
func (bm *BackupManager) createSQLiteBackup(ctx context.Context, backupFile string) (string, error) {
	bm.logger.Info("creating sqlite backup", "file", backupFile)

	dumpQuery := fmt.Sprintf(".dump > %s", backupFile)
	if _, err := bm.db.ExecContext(ctx, dumpQuery); err != nil {
		bm.logger.Error("sqlite backup failed", "error", err)
		return "", fmt.Errorf("failed to create sqlite backup: %w", err)
	}

	return bm.verifyBackupSize(backupFile)
}

// verifyBackupSize confirms backupFile exists and is non-empty, returning
// its path on success.
func (bm *BackupManager) verifyBackupSize(backupFile string) (string, error) {
	fileStat, err := os.Stat(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to stat backup file: %w", err)
	}
	if fileStat.Size() == 0 {
		return "", fmt.Errorf("backup file is empty")
	}

	bm.logger.Info("backup created successfully", "file", backupFile, "size", fileStat.Size())
	return backupFile, nil
}

// VerifyBackup checks that backupFile exists, is non-empty, and looks like
// SQL.
func (bm *BackupManager) VerifyBackup(ctx context.Context, backupFile string) error {
	bm.logger.Info("verifying backup file", "file", backupFile)

	stat, err := os.Stat(backupFile)
	if err != nil {
		return fmt.Errorf("backup file does not exist: %w", err)
	}
	if stat.Size() == 0 {
		return fmt.Errorf("backup file is empty: %s", backupFile)
	}

	file, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("backup file is not readable: %w", err)
	}
	defer file.Close()

	buffer := make([]byte, 1024)
	if _, err := file.Read(buffer); err != nil && err.Error() != "EOF" {
		return fmt.Errorf("backup file is corrupted: %w", err)
	}

	content := string(buffer)
	if !strings.Contains(content, "--") && !strings.Contains(content, "CREATE") {
		bm.logger.Warn("backup file may not contain valid SQL", "file", backupFile)
	}

	bm.logger.Info("backup verification successful", "file", backupFile, "size", stat.Size())
	return nil
}

// RestoreFromBackup replaces the live database's contents with backupFile.
func (bm *BackupManager) RestoreFromBackup(ctx context.Context, backupFile string) error {
	bm.logger.Warn("starting database restore from backup", "file", backupFile)

	if _, err := os.Stat(backupFile); os.IsNotExist(err) {
		return fmt.Errorf("backup file does not exist: %s", backupFile)
	}

	dbType, err := bm.detectDatabaseType(ctx)
	if err != nil {
		return fmt.Errorf("failed to detect database type: %w", err)
	}

	switch dbType {
	case "postgres":
		return bm.restorePostgreSQLBackup(ctx, backupFile)
	case "sqlite":
		return bm.restoreSQLiteBackup(ctx, backupFile)
	default:
		return fmt.Errorf("unsupported database type for restore: %s", dbType)
	}
}

// restorePostgreSQLBackup replays backupFile with psql.
func (bm *BackupManager) restorePostgreSQLBackup(ctx context.Context, backupFile string) error {
	bm.logger.Info("restoring postgres from backup", "file", backupFile)

	dsn := os.Getenv("MIGRATION_DSN")
	if dsn == "" {
		return fmt.Errorf("MIGRATION_DSN environment variable not set")
	}

	args := []string{"--file", backupFile, dsn}
	cmd := exec.CommandContext(ctx, "psql", args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", bm.extractPassword(dsn)))

	output, err := cmd.CombinedOutput()
	if err != nil {
		bm.logger.Error("postgres restore failed", "error", err, "output", string(output))
		return fmt.Errorf("failed to restore postgres backup: %w", err)
	}

	bm.logger.Info("postgres restore completed successfully")
	return nil
}

// restoreSQLiteBackup replays backupFile's SQL statements directly.
func (bm *BackupManager) restoreSQLiteBackup(ctx context.Context, backupFile string) error {
	bm.logger.Info("restoring sqlite from backup", "file", backupFile)

	content, err := os.ReadFile(backupFile)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}
	if _, err := bm.db.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute backup SQL: %w", err)
	}

	bm.logger.Info("sqlite restore completed successfully")
	return nil
}

// CleanupOldBackups removes backup files older than RetentionDays.
func (bm *BackupManager) CleanupOldBackups(ctx context.Context) error {
	if bm.config.RetentionDays <= 0 {
		bm.logger.Info("backup cleanup disabled (retention days <= 0)")
		return nil
	}

	bm.logger.Info("starting backup cleanup", "retention_days", bm.config.RetentionDays)
	cutoff := time.Now().AddDate(0, 0, -bm.config.RetentionDays)

	entries, err := os.ReadDir(bm.config.Path)
	if err != nil {
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !bm.isBackupFile(entry.Name()) {
			continue
		}

		timestamp, err := bm.parseBackupTimestamp(entry.Name())
		if err != nil {
			bm.logger.Warn("failed to parse timestamp from backup file", "file", entry.Name(), "error", err)
			continue
		}
		if !timestamp.Before(cutoff) {
			continue
		}

		filePath := filepath.Join(bm.config.Path, entry.Name())
		if err := os.Remove(filePath); err != nil {
			bm.logger.Error("failed to remove old backup file", "file", filePath, "error", err)
			continue
		}
		bm.logger.Info("removed old backup file", "file", entry.Name(), "age_days", int(time.Since(timestamp).Hours()/24))
		deleted++
	}

	bm.logger.Info("backup cleanup completed", "deleted_files", deleted)
	return nil
}

// isBackupFile reports whether filename matches one of createBackup's
// "<label>_<timestamp>.sql" prefixes.
func (bm *BackupManager) isBackupFile(filename string) bool {
	return strings.HasPrefix(filename, "pre_migration_") ||
		strings.HasPrefix(filename, "post_migration_") ||
		strings.HasPrefix(filename, "manual_")
}

// parseBackupTimestamp extracts the timestamp createBackup embedded in
// filename.
func (bm *BackupManager) parseBackupTimestamp(filename string) (time.Time, error) {
	name := strings.TrimSuffix(filename, ".sql")
	for _, prefix := range []string{"pre_migration_", "post_migration_", "manual_"} {
		if strings.HasPrefix(name, prefix) {
			return time.Parse("20060102_150405", strings.TrimPrefix(name, prefix))
		}
	}
	return time.Time{}, fmt.Errorf("invalid backup filename format: %s", filename)
}

// detectDatabaseType probes bm.db with a postgres-only then a sqlite-only
// query to tell which driver it's talking to.
func (bm *BackupManager) detectDatabaseType(ctx context.Context) (string, error) {
	var pgExists bool
	if err := bm.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM information_schema.tables LIMIT 1)").Scan(&pgExists); err == nil {
		return "postgres", nil
	}

	var sqliteVersion string
	if err := bm.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&sqliteVersion); err == nil {
		return "sqlite", nil
	}

	return "", fmt.Errorf("unable to determine database type")
}

// extractPassword pulls the password out of a "key=value ..." DSN for
// pg_dump/psql's PGPASSWORD environment variable. Production deployments
// should prefer a .pgpass file or a secrets manager over embedding
// credentials in MIGRATION_DSN.
func (bm *BackupManager) extractPassword(dsn string) string {
	const marker = "password="
	idx := strings.Index(dsn, marker)
	if idx < 0 {
		return ""
	}
	rest := dsn[idx+len(marker):]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		return rest[:end]
	}
	return rest
}

// GetBackupStats summarizes the backup directory: count, total size, and
// oldest/newest timestamps.
func (bm *BackupManager) GetBackupStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	if _, err := os.Stat(bm.config.Path); os.IsNotExist(err) {
		stats["total_backups"] = 0
		stats["oldest_backup"] = nil
		stats["newest_backup"] = nil
		stats["total_size"] = 0
		return stats, nil
	}

	entries, err := os.ReadDir(bm.config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var totalSize int64
	var totalBackups int
	var oldest, newest *time.Time

	for _, entry := range entries {
		if entry.IsDir() || !bm.isBackupFile(entry.Name()) {
			continue
		}
		totalBackups++

		fileInfo, err := os.Stat(filepath.Join(bm.config.Path, entry.Name()))
		if err != nil {
			continue
		}
		totalSize += fileInfo.Size()

		timestamp, err := bm.parseBackupTimestamp(entry.Name())
		if err != nil {
			continue
		}
		if oldest == nil || timestamp.Before(*oldest) {
			oldest = &timestamp
		}
		if newest == nil || timestamp.After(*newest) {
			newest = &timestamp
		}
	}

	stats["total_backups"] = totalBackups
	stats["total_size"] = totalSize
	stats["oldest_backup"] = oldest
	stats["newest_backup"] = newest

	return stats, nil
}
