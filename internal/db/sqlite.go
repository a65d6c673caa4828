package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqliteConnector is the modernc.org/sqlite (pure-Go, cgo-free) adapter;
// the default backend per the config artifact's "sqlite:///state.sqlite".
type sqliteConnector struct {
	cfg Config
	db  *sql.DB
}

func newSQLiteConnector(cfg Config) *sqliteConnector {
	return &sqliteConnector{cfg: cfg}
}

func (s *sqliteConnector) Start(ctx context.Context) error {
	path := s.cfg.DSN
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("db: create sqlite directory: %w", err)
			}
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("db: open sqlite: %w", err)
	}
	if s.cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return fmt.Errorf("db: enable foreign_keys: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		sqlDB.Close()
		return fmt.Errorf("db: enable wal: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("db: ping sqlite: %w", err)
	}

	s.db = sqlDB
	return s.ensureSchema(ctx)
}

func (s *sqliteConnector) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaDDLSQLite)
	if err != nil {
		return fmt.Errorf("db: ensure sqlite schema: %w", err)
	}
	return nil
}

func (s *sqliteConnector) Stop(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteConnector) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("db: not connected")
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteConnector) IsCurrent(ctx context.Context) (bool, error) {
	var version int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version_id), 0) FROM %s`, schemaVersionTable)
	err := s.db.QueryRowContext(ctx, query).Scan(&version)
	if err != nil {
		// No goose table yet means no migration has been recorded, i.e.
		// version 0: current only if this binary expects no migrations.
		return s.cfg.SchemaVersion <= 0, nil
	}
	return version >= s.cfg.SchemaVersion, nil
}

func (s *sqliteConnector) InsertChange(ctx context.Context, c ChangeRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO changes (who, comments, branch, revision, category, properties, when_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Who, c.Comments, c.Branch, c.Revision, c.Category, nullableJSON(c.Properties), c.When)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteConnector) GetChange(ctx context.Context, changeid int64) (ChangeRecord, error) {
	var c ChangeRecord
	var props []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT changeid, who, comments, branch, revision, category, properties, when_ts
		FROM changes WHERE changeid = ?`, changeid,
	).Scan(&c.ChangeID, &c.Who, &c.Comments, &c.Branch, &c.Revision, &c.Category, &props, &c.When)
	if err == sql.ErrNoRows {
		return ChangeRecord{}, ErrNotFound
	}
	if err != nil {
		return ChangeRecord{}, err
	}
	c.Properties = props
	return c, nil
}

func (s *sqliteConnector) GetLatestChangeid(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(changeid), 0) FROM changes`).Scan(&id)
	return id, err
}

func (s *sqliteConnector) InsertBuildset(ctx context.Context, b BuildsetRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO buildsets (sourcestamp, reason, properties, submitted_at)
		VALUES (?, ?, ?, ?)`,
		b.SourceStamp, b.Reason, nullableJSON(b.Properties), b.Submitted)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, builder := range b.Builders {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO buildrequests (bsid, buildername) VALUES (?, ?)`, id, builder); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

func (s *sqliteConnector) CompleteBuildset(ctx context.Context, bsid int64, result int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE buildsets SET result = ?, complete = 1, complete_at = CURRENT_TIMESTAMP WHERE bsid = ?`,
		result, bsid)
	return err
}

func (s *sqliteConnector) GetBuildset(ctx context.Context, bsid int64) (BuildsetRecord, error) {
	var b BuildsetRecord
	var props []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT bsid, sourcestamp, reason, properties, submitted_at
		FROM buildsets WHERE bsid = ?`, bsid,
	).Scan(&b.BSID, &b.SourceStamp, &b.Reason, &props, &b.Submitted)
	if err == sql.ErrNoRows {
		return BuildsetRecord{}, ErrNotFound
	}
	if err != nil {
		return BuildsetRecord{}, err
	}
	b.Properties = props

	rows, err := s.db.QueryContext(ctx, `
		SELECT buildername FROM buildrequests WHERE bsid = ? ORDER BY id`, bsid)
	if err != nil {
		return BuildsetRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return BuildsetRecord{}, err
		}
		b.Builders = append(b.Builders, name)
	}
	return b, rows.Err()
}

func (s *sqliteConnector) GetObjectID(ctx context.Context, classTag, qualifiedName string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT objectid FROM object_state WHERE class_tag = ? AND qualified_name = ?`,
		classTag, qualifiedName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO object_state (class_tag, qualified_name) VALUES (?, ?)`, classTag, qualifiedName)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteConnector) GetState(ctx context.Context, objectid int64, name string) (json.RawMessage, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM object_state_values WHERE objectid = ? AND name = ?`, objectid, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *sqliteConnector) SetState(ctx context.Context, objectid int64, name string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO object_state_values (objectid, name, value) VALUES (?, ?, ?)
		ON CONFLICT (objectid, name) DO UPDATE SET value = excluded.value`,
		objectid, name, []byte(value))
	return err
}

const schemaDDLSQLite = `
CREATE TABLE IF NOT EXISTS changes (
	changeid INTEGER PRIMARY KEY AUTOINCREMENT,
	who TEXT NOT NULL,
	comments TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	revision TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	properties TEXT NOT NULL DEFAULT '{}',
	when_ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS buildsets (
	bsid INTEGER PRIMARY KEY AUTOINCREMENT,
	sourcestamp TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	properties TEXT NOT NULL DEFAULT '{}',
	submitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	complete INTEGER NOT NULL DEFAULT 0,
	result INTEGER,
	complete_at DATETIME
);
CREATE TABLE IF NOT EXISTS buildrequests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bsid INTEGER NOT NULL REFERENCES buildsets(bsid),
	buildername TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS builds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	buildrequest_id INTEGER NOT NULL REFERENCES buildrequests(id),
	number INTEGER NOT NULL,
	started_at DATETIME,
	finished_at DATETIME,
	result INTEGER
);
CREATE TABLE IF NOT EXISTS object_state (
	objectid INTEGER PRIMARY KEY AUTOINCREMENT,
	class_tag TEXT NOT NULL,
	qualified_name TEXT NOT NULL,
	UNIQUE (class_tag, qualified_name)
);
CREATE TABLE IF NOT EXISTS object_state_values (
	objectid INTEGER NOT NULL REFERENCES object_state(objectid),
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (objectid, name)
);
`
