package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/db"
	"github.com/sells-group/newshound/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

var historyUpsert = db.UpsertConfig{
	Table:        "dedup_history",
	Columns:      []string{"fingerprint", "title", "last_score", "last_category", "first_seen_date", "last_seen_date", "times_seen"},
	ConflictKeys: []string{"fingerprint"},
}

var sourcesUpsert = db.UpsertConfig{
	Table:        "sources",
	Columns:      []string{"id", "data"},
	ConflictKeys: []string{"id"},
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS dedup_history (
	fingerprint     TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	last_score      INTEGER,
	last_category   TEXT NOT NULL DEFAULT '',
	first_seen_date TIMESTAMPTZ NOT NULL,
	last_seen_date  TIMESTAMPTZ NOT NULL,
	times_seen      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sources (
	id   TEXT PRIMARY KEY,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_phases (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
CREATE INDEX IF NOT EXISTS idx_dedup_history_last_seen ON dedup_history(last_seen_date);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const selectHistory = `SELECT fingerprint, title, last_score, last_category, first_seen_date, last_seen_date, times_seen FROM dedup_history`

func (s *PostgresStore) LoadHistory(ctx context.Context) (map[string]model.DedupRecord, error) {
	rows, err := s.pool.Query(ctx, selectHistory)
	if err != nil {
		return make(map[string]model.DedupRecord), eris.Wrap(err, "postgres: load history")
	}
	defer rows.Close()

	records := make(map[string]model.DedupRecord)
	for rows.Next() {
		fp, rec, err := scanPgRecord(rows)
		if err != nil {
			return make(map[string]model.DedupRecord), err
		}
		records[fp] = *rec
	}
	return records, eris.Wrap(rows.Err(), "postgres: load history iterate")
}

func (s *PostgresStore) LookupRecord(ctx context.Context, fingerprint string) (*model.DedupRecord, error) {
	row := s.pool.QueryRow(ctx, selectHistory+` WHERE fingerprint = $1`, fingerprint)
	_, rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "fingerprint %s", fingerprint)
	}
	return rec, err
}

// SaveHistory replaces the dedup history: fingerprints missing from records
// are deleted, the rest are bulk upserted, all in one transaction.
func (s *PostgresStore) SaveHistory(ctx context.Context, records map[string]model.DedupRecord) error {
	keys := make([]string, 0, len(records))
	for fp := range records {
		keys = append(keys, fp)
	}
	sort.Strings(keys)

	rows := make([][]any, 0, len(keys))
	for _, fp := range keys {
		rec := records[fp]
		var score *int32
		if rec.LastScore != nil {
			v := int32(*rec.LastScore)
			score = &v
		}
		rows = append(rows, []any{
			fp, rec.Title, score, string(rec.LastCategory),
			rec.FirstSeenDate.UTC(), rec.LastSeenDate.UTC(), int32(rec.TimesSeen),
		})
	}
	return s.replaceAll(ctx, "dedup_history", "fingerprint", keys, historyUpsert, rows)
}

func (s *PostgresStore) LoadSources(ctx context.Context) (map[string]model.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM sources`)
	if err != nil {
		return make(map[string]model.Source), eris.Wrap(err, "postgres: load sources")
	}
	defer rows.Close()

	sources := make(map[string]model.Source)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return make(map[string]model.Source), eris.Wrap(err, "postgres: scan source")
		}
		var src model.Source
		if err := json.Unmarshal(data, &src); err != nil {
			return make(map[string]model.Source), eris.Wrapf(ErrCorrupt, "postgres: source %s: %v", id, err)
		}
		sources[id] = src
	}
	return sources, eris.Wrap(rows.Err(), "postgres: load sources iterate")
}

func (s *PostgresStore) SaveSources(ctx context.Context, sources map[string]model.Source) error {
	keys := make([]string, 0, len(sources))
	for id := range sources {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	rows := make([][]any, 0, len(keys))
	for _, id := range keys {
		data, err := json.Marshal(sources[id])
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal source %s", id)
		}
		rows = append(rows, []any{id, data})
	}
	return s.replaceAll(ctx, "sources", "id", keys, sourcesUpsert, rows)
}

func (s *PostgresStore) replaceAll(ctx context.Context, table, key string, keep []string, cfg db.UpsertConfig, rows [][]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin save %s", table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	del := fmt.Sprintf(`DELETE FROM %s WHERE NOT (%s = ANY($1))`,
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{key}.Sanitize())
	if _, err := tx.Exec(ctx, del, keep); err != nil {
		return eris.Wrapf(err, "postgres: prune %s", table)
	}
	if _, err := db.BulkUpsert(ctx, tx, cfg, rows); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit %s", table)
}

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		id, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result.WithoutSnapshots())
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(result.Status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, result, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, result, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert phase for run %s", runID)
	}

	return &model.RunPhase{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE run_phases SET status = $1, result = $2 WHERE id = $3`,
		string(result.Status), resultJSON, phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete phase %s", phaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "phase %s", phaseID)
	}
	return nil
}

func scanPgRecord(row pgx.Row) (string, *model.DedupRecord, error) {
	var (
		fp       string
		rec      model.DedupRecord
		score    *int32
		category string
		seen     int32
	)
	if err := row.Scan(&fp, &rec.Title, &score, &category, &rec.FirstSeenDate, &rec.LastSeenDate, &seen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, err
		}
		return "", nil, eris.Wrap(err, "postgres: scan dedup record")
	}
	if score != nil {
		v := int(*score)
		rec.LastScore = &v
	}
	rec.LastCategory = model.Category(category)
	rec.TimesSeen = int(seen)
	return fp, &rec, nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var resultJSON []byte
	var status string

	if err := row.Scan(&r.ID, &status, &resultJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &r, nil
}
