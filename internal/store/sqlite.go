package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/newshound/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dedup_history (
	fingerprint     TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	last_score      INTEGER,
	last_category   TEXT NOT NULL DEFAULT '',
	first_seen_date DATETIME NOT NULL,
	last_seen_date  DATETIME NOT NULL,
	times_seen      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sources (
	id   TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_phases (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
CREATE INDEX IF NOT EXISTS idx_dedup_history_last_seen ON dedup_history(last_seen_date);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadHistory(ctx context.Context) (map[string]model.DedupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, title, last_score, last_category, first_seen_date, last_seen_date, times_seen FROM dedup_history`,
	)
	if err != nil {
		return make(map[string]model.DedupRecord), eris.Wrap(err, "sqlite: load history")
	}
	defer rows.Close() //nolint:errcheck

	records := make(map[string]model.DedupRecord)
	for rows.Next() {
		fp, rec, err := scanRecord(rows)
		if err != nil {
			return make(map[string]model.DedupRecord), err
		}
		records[fp] = *rec
	}
	return records, eris.Wrap(rows.Err(), "sqlite: load history iterate")
}

func (s *SQLiteStore) LookupRecord(ctx context.Context, fingerprint string) (*model.DedupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, title, last_score, last_category, first_seen_date, last_seen_date, times_seen FROM dedup_history WHERE fingerprint = ?`,
		fingerprint,
	)
	_, rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) SaveHistory(ctx context.Context, records map[string]model.DedupRecord) error {
	return s.replaceAll(ctx, "history", `DELETE FROM dedup_history`, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO dedup_history (fingerprint, title, last_score, last_category, first_seen_date, last_seen_date, times_seen) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare history insert")
		}
		defer stmt.Close() //nolint:errcheck

		for fp, rec := range records {
			var score sql.NullInt64
			if rec.LastScore != nil {
				score = sql.NullInt64{Int64: int64(*rec.LastScore), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				fp, rec.Title, score, string(rec.LastCategory), rec.FirstSeenDate.UTC(), rec.LastSeenDate.UTC(), rec.TimesSeen,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert history %s", fp)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadSources(ctx context.Context) (map[string]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM sources`)
	if err != nil {
		return make(map[string]model.Source), eris.Wrap(err, "sqlite: load sources")
	}
	defer rows.Close() //nolint:errcheck

	sources := make(map[string]model.Source)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return make(map[string]model.Source), eris.Wrap(err, "sqlite: scan source")
		}
		var src model.Source
		if err := json.Unmarshal([]byte(data), &src); err != nil {
			return make(map[string]model.Source), eris.Wrapf(ErrCorrupt, "sqlite: source %s: %v", id, err)
		}
		sources[id] = src
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: load sources iterate")
}

func (s *SQLiteStore) SaveSources(ctx context.Context, sources map[string]model.Source) error {
	return s.replaceAll(ctx, "sources", `DELETE FROM sources`, func(tx *sql.Tx) error {
		for id, src := range sources {
			data, err := json.Marshal(src)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal source %s", id)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO sources (id, data) VALUES (?, ?)`, id, string(data)); err != nil {
				return eris.Wrapf(err, "sqlite: insert source %s", id)
			}
		}
		return nil
	})
}

// replaceAll clears a table and refills it inside one transaction.
func (s *SQLiteStore) replaceAll(ctx context.Context, what, clear string, fill func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin save %s", what)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, clear); err != nil {
		return eris.Wrapf(err, "sqlite: clear %s", what)
	}
	if err := fill(tx); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", what)
}

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, result *model.RunResult) error {
	stored := result.WithoutSnapshots()
	resultJSON, err := json.Marshal(stored)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(result.Status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert phase for run %s", runID)
	}

	return &model.RunPhase{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_phases SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), string(resultJSON), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete phase %s", phaseID)
	}
	return checkRowsAffected(res, "phase", phaseID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (string, *model.DedupRecord, error) {
	var (
		fp       string
		rec      model.DedupRecord
		score    sql.NullInt64
		category string
	)
	err := row.Scan(&fp, &rec.Title, &score, &category, &rec.FirstSeenDate, &rec.LastSeenDate, &rec.TimesSeen)
	if err == sql.ErrNoRows {
		return "", nil, eris.Wrap(ErrNotFound, "dedup record")
	}
	if err != nil {
		return "", nil, eris.Wrap(err, "sqlite: scan dedup record")
	}
	if score.Valid {
		v := int(score.Int64)
		rec.LastScore = &v
	}
	rec.LastCategory = model.Category(category)
	return fp, &rec, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}
