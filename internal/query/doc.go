// Package query executes cached queries on behalf of their owners.
//
// Directory resolves owners to principals and carries them on the context;
// SQLExecutor runs the query definition against the datasource and stores
// the encoded rows in the query_cache table.
package query
