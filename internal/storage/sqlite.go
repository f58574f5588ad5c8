package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "speedtrackerd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const profileColumns = `user, repo, branch, name, interval_minutes, is_default, params, last_run_at, created_at`

func (s *sqliteStore) ListDueProfiles(ctx context.Context, now time.Time) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE interval_minutes > 0
		   AND (last_run_at IS NULL OR last_run_at + interval_minutes * 60000 <= ?)`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProfiles(rows)
}

func (s *sqliteStore) GetProfile(ctx context.Context, id ProfileID) (Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE user = ? AND repo = ? AND branch = ? AND name = ?`,
		id.User, id.Repo, id.Branch, id.Name,
	)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) CreateProfile(ctx context.Context, p Profile) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var lastRun any
	if p.LastRunAt != nil {
		lastRun = p.LastRunAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles(user, repo, branch, name, interval_minutes, is_default, params, last_run_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		p.ID.User, p.ID.Repo, p.ID.Branch, p.ID.Name,
		p.Interval, boolInt(p.Default), string(params), lastRun, created.UnixMilli(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) ListProfiles(ctx context.Context, user, repo, branch string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE user = ? AND repo = ? AND branch = ?
		 ORDER BY name`,
		user, repo, branch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProfiles(rows)
}

func (s *sqliteStore) WriteRunResult(ctx context.Context, rec RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(user, repo, branch, profile, started_at, finished_at, status, result, error)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.Profile.User, rec.Profile.Repo, rec.Profile.Branch, rec.Profile.Name,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(), string(rec.Status),
		nullStr(string(rec.Result)), nullStr(rec.ErrorDetail),
	)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET last_run_at = ?
		 WHERE user = ? AND repo = ? AND branch = ? AND name = ?`,
		rec.FinishedAt.UnixMilli(),
		rec.Profile.User, rec.Profile.Repo, rec.Profile.Branch, rec.Profile.Name,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The profile may have been deleted mid-run; the run row is still
		// worth keeping, so this is not an error.
		s.log.Debug("run persisted for missing profile", logx.String("profile", rec.Profile.String()))
	}

	return tx.Commit()
}

func (s *sqliteStore) ListRuns(ctx context.Context, id ProfileID, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, finished_at, status, result, error FROM runs
		 WHERE user = ? AND repo = ? AND branch = ? AND profile = ?
		 ORDER BY started_at DESC LIMIT ?`,
		id.User, id.Repo, id.Branch, id.Name, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			started, finished int64
			status            string
			result, detail    sql.NullString
		)
		if err := rows.Scan(&started, &finished, &status, &result, &detail); err != nil {
			return nil, err
		}
		rec := RunRecord{
			Profile:     id,
			StartedAt:   time.UnixMilli(started),
			FinishedAt:  time.UnixMilli(finished),
			Status:      RunStatus(status),
			ErrorDetail: detail.String,
		}
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var (
		p         Profile
		isDefault int
		params    string
		lastRun   sql.NullInt64
		created   int64
	)
	err := row.Scan(
		&p.ID.User, &p.ID.Repo, &p.ID.Branch, &p.ID.Name,
		&p.Interval, &isDefault, &params, &lastRun, &created,
	)
	if err != nil {
		return Profile{}, err
	}
	p.Default = isDefault != 0
	p.CreatedAt = time.UnixMilli(created)
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		p.LastRunAt = &t
	}
	if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
		return Profile{}, fmt.Errorf("unmarshal params: %w", err)
	}
	return p, nil
}

func scanProfiles(rows *sql.Rows) ([]Profile, error) {
	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
