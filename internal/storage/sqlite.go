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

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"cachewarmer/internal/refresh"
	logx "cachewarmer/pkg/logx"
)

//go:embed entries.sql jobs.sql cache.sql
var migrationsFS embed.FS

const openRetryMax = 30 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	db, err := openDB(cfg, "entries.sql", log)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

// openDB opens a sqlite file and applies the named migration. A database
// still locked by a previous process is retried with exponential backoff.
func openDB(cfg Config, migration string, log logx.Logger) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer. This also serializes cycle transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema, err := migrationsFS.ReadFile(migration)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	setup := func() error {
		if cfg.BusyTimeout > 0 {
			if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())); err != nil {
				return classifyOpenErr(err)
			}
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			return classifyOpenErr(err)
		}
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
		if _, err := db.Exec(string(schema)); err != nil {
			return classifyOpenErr(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openRetryMax
	notify := func(err error, wait time.Duration) {
		log.Warn("sqlite busy; retrying open", logx.String("path", path), logx.Duration("wait", wait), logx.Err(err))
	}
	if err := backoff.RetryNotify(setup, bo, notify); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// classifyOpenErr marks everything except lock contention as permanent.
func classifyOpenErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return err
	}
	return backoff.Permanent(err)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const entryColumns = `query_id, owner, interval_rule, next_execution, last_execution, last_error, failures, executions`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) Begin(ctx context.Context) (Tx, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *sqliteStore) Put(ctx context.Context, e refresh.Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(e.QueryID) == "" {
		return errors.New("query id required")
	}
	if e.Interval.IsZero() {
		return errors.New("interval required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_entries(`+entryColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(query_id) DO UPDATE SET
		   owner=excluded.owner,
		   interval_rule=excluded.interval_rule,
		   next_execution=excluded.next_execution`,
		entryArgs(e)...,
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, queryID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_entries WHERE query_id = ?`, queryID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) List(ctx context.Context) ([]refresh.Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return selectEntries(ctx, s.db)
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LoadQueue(ctx context.Context) ([]refresh.Entry, error) {
	return selectEntries(ctx, t.tx)
}

func (t *sqliteTx) Refresh(ctx context.Context, queryID string) (refresh.Entry, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM refresh_entries WHERE query_id = ?`, queryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return refresh.Entry{}, fmt.Errorf("%s: %w", queryID, ErrNotFound)
	}
	return e, err
}

func (t *sqliteTx) Update(ctx context.Context, e refresh.Entry) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE refresh_entries SET owner=?, interval_rule=?, next_execution=?, last_execution=?, last_error=?, failures=?, executions=?
		 WHERE query_id=?`,
		e.Owner, e.Interval.String(), e.NextExecution.UnixMilli(), nullTime(e.LastExecution), nullStr(e.LastError),
		e.Failures, e.Executions, e.QueryID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", e.QueryID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) Commit() error { return t.tx.Commit() }

func (t *sqliteTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func selectEntries(ctx context.Context, q queryer) ([]refresh.Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+` FROM refresh_entries ORDER BY next_execution, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []refresh.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (refresh.Entry, error) {
	var (
		e       refresh.Entry
		rule    string
		next    int64
		last    sql.NullInt64
		lastErr sql.NullString
	)
	if err := sc.Scan(&e.QueryID, &e.Owner, &rule, &next, &last, &lastErr, &e.Failures, &e.Executions); err != nil {
		return refresh.Entry{}, err
	}
	iv, err := refresh.ParseInterval(rule)
	if err != nil {
		return refresh.Entry{}, fmt.Errorf("entry %s: %w", e.QueryID, err)
	}
	e.Interval = iv
	e.NextExecution = time.UnixMilli(next)
	if last.Valid {
		e.LastExecution = time.UnixMilli(last.Int64)
	}
	e.LastError = lastErr.String
	return e, nil
}

func entryArgs(e refresh.Entry) []any {
	return []any{
		e.QueryID, e.Owner, e.Interval.String(), e.NextExecution.UnixMilli(),
		nullTime(e.LastExecution), nullStr(e.LastError), e.Failures, e.Executions,
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
