package storage

// Package storage provides the persistence layer used by the warmer.
//
// It currently supports:
//   - Refresh entries, read and rewritten inside one transaction per cycle
//   - Trigger registrations (job store), kept in a separate database so a
//     re-armed trigger is durable independently of the cycle transaction
//   - The datasource cached queries run against, with the query_cache table
//     their results are written to
