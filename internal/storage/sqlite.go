//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shutdownd/pkg/logx"
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

	// Basic pragmas.
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

func (s *sqliteStore) SaveJobs(ctx context.Context, jobs map[string]JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	for id, j := range jobs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(id, target_datetime, force_off, recurrence) VALUES(?,?,?,?)`,
			id, j.Target.Format(TimeLayout), boolInt(j.Force), j.Recurrence,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadJobs(ctx context.Context) (map[string]JobRecord, error) {
	jobs := map[string]JobRecord{}
	if s == nil || s.db == nil {
		return jobs, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, target_datetime, force_off, recurrence FROM jobs`)
	if err != nil {
		s.log.Warn("jobs table unreadable, starting empty", logx.Err(err))
		return jobs, nil
	}
	defer rows.Close()
	for rows.Next() {
		var id, target, rec string
		var force int
		if err := rows.Scan(&id, &target, &force, &rec); err != nil {
			s.log.Warn("dropping malformed job row", logx.Err(err))
			continue
		}
		at, err := time.ParseInLocation(TimeLayout, target, time.Local)
		if err != nil {
			s.log.Warn("dropping job with malformed target time", logx.String("id", id), logx.String("target", target))
			continue
		}
		jobs[id] = JobRecord{Target: at, Force: force != 0, Recurrence: rec}
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("job row iteration failed", logx.Err(err))
	}
	return jobs, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, event string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, event) VALUES(?,?)`,
		time.Now().Format(AuditTimeLayout), event,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
