package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cachewarmer/internal/refresh"
	logx "cachewarmer/pkg/logx"
)

var (
	ErrUnknownQuery = errors.New("unknown query")
	ErrForbidden    = errors.New("principal may not run query")
	ErrNoDatasource = errors.New("no datasource configured")
)

// Definition is one cacheable query.
//
// SQL may reference Params by name (:name, @name or $name) and the executing
// user as :owner.
type Definition struct {
	ID     string
	SQL    string
	Params map[string]any
	Roles  []string // empty means any user
}

type ExecutorConfig struct {
	RatePerSec float64 // 0 means unlimited
	Burst      int
}

// CachedResult is what one execution left in query_cache.
type CachedResult struct {
	QueryID     string
	Owner       string
	RefreshedAt time.Time
	RowCount    int
	Payload     json.RawMessage
}

// SQLExecutor runs definitions against a sqlite datasource and caches the
// encoded rows per (query, owner).
type SQLExecutor struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	mu      sync.RWMutex
	defs    map[string]Definition
	limiter *rate.Limiter
}

func NewSQLExecutor(db *sql.DB, cfg ExecutorConfig, defs []Definition, log logx.Logger) *SQLExecutor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &SQLExecutor{db: db, log: log.With(logx.String("comp", "executor")), now: time.Now}
	e.SetDefinitions(defs)
	e.SetRate(cfg)
	return e
}

// SetDefinitions replaces the known queries.
func (x *SQLExecutor) SetDefinitions(defs []Definition) {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	x.mu.Lock()
	x.defs = m
	x.mu.Unlock()
}

// SetRate replaces the execution rate limit.
func (x *SQLExecutor) SetRate(cfg ExecutorConfig) {
	lim := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSec > 0 {
		lim = rate.Limit(cfg.RatePerSec)
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
		}
	}
	if burst <= 0 {
		burst = 1
	}
	x.mu.Lock()
	x.limiter = rate.NewLimiter(lim, burst)
	x.mu.Unlock()
}

// Execute runs the query behind e as the principal carried by ctx.
func (x *SQLExecutor) Execute(ctx context.Context, e refresh.Entry) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return ErrNoPrincipal
	}
	x.mu.RLock()
	def, ok := x.defs[e.QueryID]
	lim := x.limiter
	x.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", e.QueryID, ErrUnknownQuery)
	}
	if !p.HasAnyRole(def.Roles) {
		return fmt.Errorf("%s as %s: %w", e.QueryID, p.User, ErrForbidden)
	}
	if x.db == nil {
		return ErrNoDatasource
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	start := x.now()
	payload, n, err := x.run(ctx, def, p)
	if err != nil {
		return fmt.Errorf("run %s: %w", def.ID, err)
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT INTO query_cache(query_id, owner, refreshed_at, row_count, payload) VALUES(?,?,?,?,?)
		 ON CONFLICT(query_id, owner) DO UPDATE SET
		   refreshed_at=excluded.refreshed_at,
		   row_count=excluded.row_count,
		   payload=excluded.payload`,
		def.ID, p.User, start.UnixMilli(), n, string(payload),
	)
	if err != nil {
		return fmt.Errorf("cache %s: %w", def.ID, err)
	}
	x.log.Debug("query cached", logx.String("query", def.ID), logx.String("owner", p.User), logx.Int("rows", n),
		logx.Duration("took", x.now().Sub(start)))
	return nil
}

func (x *SQLExecutor) run(ctx context.Context, def Definition, p Principal) ([]byte, int, error) {
	rows, err := x.db.QueryContext(ctx, def.SQL, bindArgs(def, p.User)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, err
	}
	out := make([]map[string]any, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, 0, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	b, err := json.Marshal(out)
	return b, len(out), err
}

// Prepare checks that every definition compiles against the datasource.
func (x *SQLExecutor) Prepare(ctx context.Context, defs []Definition) error {
	if len(defs) == 0 {
		return nil
	}
	if x.db == nil {
		return ErrNoDatasource
	}
	var errs []error
	for _, def := range defs {
		st, err := x.db.PrepareContext(ctx, def.SQL)
		if err != nil {
			errs = append(errs, fmt.Errorf("query %s: %w", def.ID, err))
			continue
		}
		_ = st.Close()
	}
	return errors.Join(errs...)
}

// Cached returns the stored result of queryID for owner.
func (x *SQLExecutor) Cached(ctx context.Context, queryID, owner string) (CachedResult, error) {
	var (
		r       = CachedResult{QueryID: queryID, Owner: owner}
		at      int64
		payload string
	)
	if x.db == nil {
		return CachedResult{}, ErrNoDatasource
	}
	err := x.db.QueryRowContext(ctx,
		`SELECT refreshed_at, row_count, payload FROM query_cache WHERE query_id = ? AND owner = ?`,
		queryID, owner,
	).Scan(&at, &r.RowCount, &payload)
	if err != nil {
		return CachedResult{}, err
	}
	r.RefreshedAt = time.UnixMilli(at)
	r.Payload = json.RawMessage(payload)
	return r, nil
}

var namedParam = regexp.MustCompile(`[:@$]([A-Za-z_][A-Za-z0-9_]*)`)

// bindArgs passes only the named arguments the statement references.
func bindArgs(def Definition, owner string) []any {
	used := map[string]bool{}
	for _, m := range namedParam.FindAllStringSubmatch(def.SQL, -1) {
		used[strings.ToLower(m[1])] = true
	}
	names := make([]string, 0, len(def.Params))
	for k := range def.Params {
		names = append(names, k)
	}
	sort.Strings(names)

	var args []any
	for _, k := range names {
		if used[strings.ToLower(k)] && !strings.EqualFold(k, "owner") {
			args = append(args, sql.Named(k, def.Params[k]))
		}
	}
	if used["owner"] {
		args = append(args, sql.Named("owner", owner))
	}
	return args
}
