package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// postgresConnector is the pgx/v5 + pgxpool adapter.
type postgresConnector struct {
	cfg  Config
	pool *pgxpool.Pool
	db   *sql.DB // stdlib view of the pool, used for goose schema checks
}

func newPostgresConnector(cfg Config) *postgresConnector {
	return &postgresConnector{cfg: cfg}
}

func (p *postgresConnector) Start(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("db: parse postgres dsn: %w", err)
	}
	if p.cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(p.cfg.MaxOpenConns)
	}
	if p.cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(p.cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = p.cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = p.cfg.ConnMaxIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return fmt.Errorf("db: open postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return fmt.Errorf("db: ping postgres: %w", err)
	}

	p.pool = pool
	p.db = stdlib.OpenDBFromPool(pool)
	return p.ensureSchema(ctx)
}

func (p *postgresConnector) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaDDLPostgres)
	if err != nil {
		return fmt.Errorf("db: ensure postgres schema: %w", err)
	}
	return nil
}

func (p *postgresConnector) Stop(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	p.pool.Close()
	p.pool = nil
	p.db = nil
	return nil
}

func (p *postgresConnector) Health(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("db: not connected")
	}
	return p.pool.Ping(ctx)
}

func (p *postgresConnector) IsCurrent(ctx context.Context) (bool, error) {
	var version int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version_id), 0) FROM %s`, schemaVersionTable)
	err := p.pool.QueryRow(ctx, query).Scan(&version)
	if err != nil {
		// No goose table yet means no migration has been recorded, i.e.
		// version 0: current only if this binary expects no migrations.
		return p.cfg.SchemaVersion <= 0, nil
	}
	return version >= p.cfg.SchemaVersion, nil
}

func (p *postgresConnector) InsertChange(ctx context.Context, c ChangeRecord) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO changes (who, comments, branch, revision, category, properties, when_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING changeid`,
		c.Who, c.Comments, c.Branch, c.Revision, c.Category, nullableJSON(c.Properties), c.When,
	).Scan(&id)
	return id, err
}

func (p *postgresConnector) GetChange(ctx context.Context, changeid int64) (ChangeRecord, error) {
	var c ChangeRecord
	var props []byte
	err := p.pool.QueryRow(ctx, `
		SELECT changeid, who, comments, branch, revision, category, properties, when_ts
		FROM changes WHERE changeid = $1`, changeid,
	).Scan(&c.ChangeID, &c.Who, &c.Comments, &c.Branch, &c.Revision, &c.Category, &props, &c.When)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRecord{}, ErrNotFound
	}
	if err != nil {
		return ChangeRecord{}, err
	}
	c.Properties = props
	return c, nil
}

func (p *postgresConnector) GetLatestChangeid(ctx context.Context) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(changeid), 0) FROM changes`).Scan(&id)
	return id, err
}

func (p *postgresConnector) InsertBuildset(ctx context.Context, b BuildsetRecord) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO buildsets (sourcestamp, reason, properties, submitted_at)
		VALUES ($1, $2, $3, $4)
		RETURNING bsid`,
		b.SourceStamp, b.Reason, nullableJSON(b.Properties), b.Submitted,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, builder := range b.Builders {
		if _, err := p.pool.Exec(ctx, `
			INSERT INTO buildrequests (bsid, buildername) VALUES ($1, $2)`, id, builder); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (p *postgresConnector) CompleteBuildset(ctx context.Context, bsid int64, result int) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE buildsets SET result = $2, complete = true, complete_at = now() WHERE bsid = $1`,
		bsid, result)
	return err
}

func (p *postgresConnector) GetBuildset(ctx context.Context, bsid int64) (BuildsetRecord, error) {
	var b BuildsetRecord
	var props []byte
	err := p.pool.QueryRow(ctx, `
		SELECT bsid, sourcestamp, reason, properties, submitted_at
		FROM buildsets WHERE bsid = $1`, bsid,
	).Scan(&b.BSID, &b.SourceStamp, &b.Reason, &props, &b.Submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return BuildsetRecord{}, ErrNotFound
	}
	if err != nil {
		return BuildsetRecord{}, err
	}
	b.Properties = props

	rows, err := p.pool.Query(ctx, `
		SELECT buildername FROM buildrequests WHERE bsid = $1 ORDER BY id`, bsid)
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

func (p *postgresConnector) GetObjectID(ctx context.Context, classTag, qualifiedName string) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO object_state (class_tag, qualified_name)
		VALUES ($1, $2)
		ON CONFLICT (class_tag, qualified_name) DO UPDATE SET class_tag = EXCLUDED.class_tag
		RETURNING objectid`, classTag, qualifiedName).Scan(&id)
	return id, err
}

func (p *postgresConnector) GetState(ctx context.Context, objectid int64, name string) (json.RawMessage, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM object_state_values WHERE objectid = $1 AND name = $2`, objectid, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (p *postgresConnector) SetState(ctx context.Context, objectid int64, name string, value json.RawMessage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO object_state_values (objectid, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (objectid, name) DO UPDATE SET value = EXCLUDED.value`,
		objectid, name, []byte(value))
	return err
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return []byte(raw)
}

const schemaDDLPostgres = `
CREATE TABLE IF NOT EXISTS changes (
	changeid BIGSERIAL PRIMARY KEY,
	who TEXT NOT NULL,
	comments TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	revision TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	properties JSONB NOT NULL DEFAULT '{}',
	when_ts TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS buildsets (
	bsid BIGSERIAL PRIMARY KEY,
	sourcestamp TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	properties JSONB NOT NULL DEFAULT '{}',
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	complete BOOLEAN NOT NULL DEFAULT false,
	result INTEGER,
	complete_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS buildrequests (
	id BIGSERIAL PRIMARY KEY,
	bsid BIGINT NOT NULL REFERENCES buildsets(bsid),
	buildername TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS builds (
	id BIGSERIAL PRIMARY KEY,
	buildrequest_id BIGINT NOT NULL REFERENCES buildrequests(id),
	number INTEGER NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	result INTEGER
);
CREATE TABLE IF NOT EXISTS object_state (
	objectid BIGSERIAL PRIMARY KEY,
	class_tag TEXT NOT NULL,
	qualified_name TEXT NOT NULL,
	UNIQUE (class_tag, qualified_name)
);
CREATE TABLE IF NOT EXISTS object_state_values (
	objectid BIGINT NOT NULL REFERENCES object_state(objectid),
	name TEXT NOT NULL,
	value JSONB NOT NULL,
	PRIMARY KEY (objectid, name)
);
`
