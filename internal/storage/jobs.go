package storage

import (
	"context"
	"database/sql"
	"time"

	logx "cachewarmer/pkg/logx"
)

type sqliteJobStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLiteJobs(cfg Config, log logx.Logger) (JobStore, error) {
	db, err := openDB(cfg, "jobs.sql", log)
	if err != nil {
		return nil, err
	}
	return &sqliteJobStore{db: db, log: log}, nil
}

func (s *sqliteJobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveJob upserts by (group, name); a registration always replaces the
// previous one under the same name.
func (s *sqliteJobStore) SaveJob(ctx context.Context, j JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if j.Created.IsZero() {
		j.Created = time.Now()
	}
	var fireAt any
	if !j.FireAt.IsZero() {
		fireAt = j.FireAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_jobs(job_group, job_name, action, kind, fire_at, cron, created_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(job_group, job_name) DO UPDATE SET
		   action=excluded.action, kind=excluded.kind, fire_at=excluded.fire_at,
		   cron=excluded.cron, created_at=excluded.created_at`,
		j.Group, j.Name, j.Action, string(j.Kind), fireAt, nullStr(j.Cron), j.Created.UnixMilli(),
	)
	return err
}

func (s *sqliteJobStore) DeleteJob(ctx context.Context, group, name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM trigger_jobs WHERE job_group = ? AND job_name = ?`, group, name)
	return err
}

func (s *sqliteJobStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_group, job_name, action, kind, fire_at, cron, created_at FROM trigger_jobs ORDER BY job_group, job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			j       JobRecord
			kind    string
			fireAt  sql.NullInt64
			cron    sql.NullString
			created int64
		)
		if err := rows.Scan(&j.Group, &j.Name, &j.Action, &kind, &fireAt, &cron, &created); err != nil {
			return nil, err
		}
		j.Kind = JobKind(kind)
		if fireAt.Valid {
			j.FireAt = time.UnixMilli(fireAt.Int64)
		}
		j.Cron = cron.String
		j.Created = time.UnixMilli(created)
		out = append(out, j)
	}
	return out, rows.Err()
}
