package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// HealthChecker runs a battery of sanity checks before and after a schema
// migration against the changes/buildsets/buildrequests/builds/object_state
// tables.
type HealthChecker struct {
	db             *sql.DB
	config         *HealthConfig
	logger         *slog.Logger
	dbType         string
	migrationTable string
}

// HealthConfig configures how health checks retry.
type HealthConfig struct {
	Enabled    bool          `env:"HEALTH_ENABLED" default:"true"`
	Timeout    time.Duration `env:"HEALTH_TIMEOUT" default:"30s"`
	RetryCount int           `env:"HEALTH_RETRY_COUNT" default:"3"`
	RetryDelay time.Duration `env:"HEALTH_RETRY_DELAY" default:"5s"`
}

// HealthCheck is a single named probe, run with retry by executeCheck.
type HealthCheck func(ctx context.Context) error

// expectedTables lists every table the coordinator's schema migrations
// create; checkSchemaIntegrity fails post-migration if any is missing.
var expectedTables = []string{
	"changes",
	"buildsets",
	"buildrequests",
	"builds",
	"object_state",
	"object_state_values",
}

// NewHealthChecker returns a HealthChecker bound to db. Its migration
// tracking table defaults to "coordinator_schema_version" (matching
// MigrationConfig's default); call WithMigrationTable to point it at a
// non-default table name.
func NewHealthChecker(db *sql.DB, config *HealthConfig, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}

	hc := &HealthChecker{
		db:             db,
		config:         config,
		logger:         logger,
		migrationTable: "coordinator_schema_version",
	}

	if db != nil {
		if err := hc.detectDatabaseType(context.Background()); err != nil {
			logger.Warn("failed to detect database type", "error", err)
		}
	}

	return hc
}

// WithMigrationTable overrides the tracking table name checkExistingMigrations
// and checkMigrationTable query against, and returns hc for chaining.
func (hc *HealthChecker) WithMigrationTable(table string) *HealthChecker {
	if table != "" {
		hc.migrationTable = table
	}
	return hc
}

// PreMigrationCheck runs the checks that must pass before Up/Down touches
// the schema: connectivity, write permissions, the existing tracking
// table's consistency, and the structural integrity of what's there.
func (hc *HealthChecker) PreMigrationCheck(ctx context.Context) error {
	if !hc.config.Enabled {
		hc.logger.Info("health checks disabled")
		return nil
	}

	hc.logger.Info("running pre-migration health checks")

	checks := []struct {
		name string
		fn   HealthCheck
	}{
		{"database_connectivity", hc.checkDatabaseConnectivity},
		{"database_permissions", hc.checkDatabasePermissions},
		{"existing_migrations", hc.checkExistingMigrations},
		{"table_integrity", hc.checkTableIntegrity},
		{"foreign_keys", hc.checkForeignKeys},
		{"indexes", hc.checkIndexes},
	}

	return hc.runChecks(ctx, "pre-migration", checks)
}

// PostMigrationCheck runs the checks that confirm a migration left the
// schema in a usable state: every expected table present, referential
// integrity between buildrequests and buildsets intact, and the tracking
// table itself readable.
func (hc *HealthChecker) PostMigrationCheck(ctx context.Context) error {
	if !hc.config.Enabled {
		hc.logger.Info("health checks disabled")
		return nil
	}

	hc.logger.Info("running post-migration health checks")

	checks := []struct {
		name string
		fn   HealthCheck
	}{
		{"database_connectivity", hc.checkDatabaseConnectivity},
		{"schema_integrity", hc.checkSchemaIntegrity},
		{"data_consistency", hc.checkDataConsistency},
		{"foreign_keys", hc.checkForeignKeys},
		{"indexes", hc.checkIndexes},
		{"migration_table", hc.checkMigrationTable},
	}

	return hc.runChecks(ctx, "post-migration", checks)
}

func (hc *HealthChecker) runChecks(ctx context.Context, phase string, checks []struct {
	name string
	fn   HealthCheck
}) error {
	for _, check := range checks {
		hc.logger.Debug("running health check", "phase", phase, "check", check.name)
		if err := hc.executeCheck(ctx, check.name, check.fn); err != nil {
			hc.logger.Error(phase+" health check failed", "check", check.name, "error", err)
			return fmt.Errorf("%s health check %q failed: %w", phase, check.name, err)
		}
	}
	hc.logger.Info("all " + phase + " health checks passed")
	return nil
}

// executeCheck runs check with up to config.RetryCount attempts, bounded by
// config.Timeout overall.
func (hc *HealthChecker) executeCheck(ctx context.Context, name string, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < hc.config.RetryCount; attempt++ {
		if attempt > 0 {
			hc.logger.Debug("retrying health check", "check", name, "attempt", attempt+1, "max_retries", hc.config.RetryCount)
			select {
			case <-time.After(hc.config.RetryDelay):
			case <-checkCtx.Done():
				return checkCtx.Err()
			}
		}

		if err := check(checkCtx); err != nil {
			lastErr = err
			hc.logger.Warn("health check failed, retrying", "check", name, "attempt", attempt+1, "error", err)
			continue
		}

		if attempt > 0 {
			hc.logger.Info("health check succeeded after retry", "check", name, "attempts", attempt+1)
		}
		return nil
	}

	return fmt.Errorf("health check %q failed after %d attempts: %w", name, hc.config.RetryCount, lastErr)
}

func (hc *HealthChecker) checkDatabaseConnectivity(ctx context.Context) error {
	if err := hc.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	return nil
}

// checkDatabasePermissions confirms the migration user can create and drop
// tables, which goose's Up/Down need regardless of which migration runs.
func (hc *HealthChecker) checkDatabasePermissions(ctx context.Context) error {
	const testTable = "migration_health_check_temp"

	create := "CREATE TABLE " + testTable + " (id INTEGER)"
	if hc.dbType == "postgres" {
		create = "CREATE TEMP TABLE " + testTable + " (id INTEGER)"
	}

	if _, err := hc.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("cannot create table: %w", err)
	}
	if _, err := hc.db.ExecContext(ctx, "DROP TABLE "+testTable); err != nil {
		return fmt.Errorf("cannot drop table: %w", err)
	}
	return nil
}

// checkExistingMigrations confirms the tracking table, if present, records
// a contiguous sequence of applied versions with no gap.
func (hc *HealthChecker) checkExistingMigrations(ctx context.Context) error {
	exists, err := hc.tableExists(ctx, hc.migrationTable)
	if err != nil {
		return fmt.Errorf("failed to check migration table: %w", err)
	}
	if !exists {
		hc.logger.Debug("migration table does not exist yet")
		return nil
	}

	rows, err := hc.db.QueryContext(ctx, fmt.Sprintf("SELECT version_id, is_applied FROM %s ORDER BY version_id", hc.migrationTable))
	if err != nil {
		return fmt.Errorf("failed to query migration status: %w", err)
	}
	defer rows.Close()

	var lastVersion int64
	for rows.Next() {
		var versionID int64
		var isApplied bool
		if err := rows.Scan(&versionID, &isApplied); err != nil {
			return fmt.Errorf("failed to scan migration status: %w", err)
		}
		if isApplied && versionID > lastVersion+1 {
			return fmt.Errorf("missing migration between %d and %d", lastVersion, versionID)
		}
		if isApplied {
			lastVersion = versionID
		}
	}
	return rows.Err()
}

// checkTableIntegrity runs PRAGMA integrity_check on SQLite; Postgres has
// no equivalent lightweight single-statement check.
func (hc *HealthChecker) checkTableIntegrity(ctx context.Context) error {
	if hc.dbType != "sqlite" {
		hc.logger.Debug("table integrity check skipped for non-sqlite driver")
		return nil
	}
	if _, err := hc.db.ExecContext(ctx, "PRAGMA integrity_check"); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}
	return nil
}

// checkForeignKeys runs SQLite's foreign_key_check pragma and fails if any
// violation is reported.
func (hc *HealthChecker) checkForeignKeys(ctx context.Context) error {
	if hc.dbType != "sqlite" {
		hc.logger.Debug("foreign key check skipped for non-sqlite driver")
		return nil
	}

	rows, err := hc.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check failed: %w", err)
	}
	defer rows.Close()

	violations := 0
	for rows.Next() {
		violations++
		var table, rowid, parent, fkid string
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign key violation: %w", err)
		}
		hc.logger.Warn("foreign key violation detected", "table", table, "rowid", rowid, "parent", parent, "fkid", fkid)
	}
	if violations > 0 {
		return fmt.Errorf("found %d foreign key violations", violations)
	}
	return nil
}

// checkIndexes confirms every SQLite index on the changes table is
// readable via index_info; a corrupted index errors out.
func (hc *HealthChecker) checkIndexes(ctx context.Context) error {
	if hc.dbType != "sqlite" {
		hc.logger.Debug("index check skipped for non-sqlite driver")
		return nil
	}

	rows, err := hc.db.QueryContext(ctx, "PRAGMA index_list(changes)")
	if err != nil {
		return fmt.Errorf("failed to check indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int
		var name string
		var unique, partial bool
		var origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return fmt.Errorf("failed to scan index info: %w", err)
		}
		if _, err := hc.db.ExecContext(ctx, "PRAGMA index_info("+name+")"); err != nil {
			return fmt.Errorf("index %s appears to be corrupted: %w", name, err)
		}
	}
	return rows.Err()
}

// checkSchemaIntegrity confirms every table a complete migration run
// creates is present.
func (hc *HealthChecker) checkSchemaIntegrity(ctx context.Context) error {
	for _, table := range expectedTables {
		exists, err := hc.tableExists(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to check table existence for %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// checkDataConsistency flags buildrequests whose buildset was deleted out
// from under them.
func (hc *HealthChecker) checkDataConsistency(ctx context.Context) error {
	var orphaned int
	query := `
		SELECT COUNT(*)
		FROM buildrequests br
		LEFT JOIN buildsets b ON br.bsid = b.bsid
		WHERE b.bsid IS NULL`
	if err := hc.db.QueryRowContext(ctx, query).Scan(&orphaned); err != nil {
		return fmt.Errorf("failed to check orphaned buildrequests: %w", err)
	}
	if orphaned > 0 {
		hc.logger.Warn("found orphaned buildrequest records", "count", orphaned)
	}
	return nil
}

// checkMigrationTable confirms the tracking table is queryable and reports
// how many migrations it records.
func (hc *HealthChecker) checkMigrationTable(ctx context.Context) error {
	var count int
	if err := hc.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", hc.migrationTable)).Scan(&count); err != nil {
		return fmt.Errorf("failed to check migration table: %w", err)
	}
	hc.logger.Info("migration table status verified", "recorded_migrations", count)
	return nil
}

// tableExists checks for table's presence the way hc.dbType's driver
// exposes its catalog.
func (hc *HealthChecker) tableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	var query string
	var args []any
	if hc.dbType == "postgres" {
		query = "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)"
		args = []any{table}
	} else {
		query = "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name=?"
		args = []any{table}
	}
	if err := hc.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// detectDatabaseType probes hc.db with a postgres-only query, then a
// sqlite-only one, recording whichever succeeds.
func (hc *HealthChecker) detectDatabaseType(ctx context.Context) error {
	var pgExists bool
	if err := hc.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM information_schema.tables LIMIT 1)").Scan(&pgExists); err == nil {
		hc.dbType = "postgres"
		return nil
	}

	var version string
	if err := hc.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err == nil {
		hc.dbType = "sqlite"
		return nil
	}

	hc.dbType = "unknown"
	return fmt.Errorf("unable to determine database type")
}

// GetDatabaseType returns the driver detectDatabaseType settled on.
func (hc *HealthChecker) GetDatabaseType() string {
	return hc.dbType
}

// RunCustomCheck runs an arbitrary named check through the same retry loop
// PreMigrationCheck/PostMigrationCheck use.
func (hc *HealthChecker) RunCustomCheck(ctx context.Context, name string, check HealthCheck) error {
	hc.logger.Info("running custom health check", "name", name)
	return hc.executeCheck(ctx, name, check)
}
