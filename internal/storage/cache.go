package storage

import (
	"database/sql"

	logx "cachewarmer/pkg/logx"
)

// OpenDatasource opens the sqlite database cached queries run against and
// makes sure it carries the query_cache table their results land in.
func OpenDatasource(cfg Config, log logx.Logger) (*sql.DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openDB(cfg, "cache.sql", log)
}
