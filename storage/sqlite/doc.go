// Package sqlite implements goIdP.Store over SQLite.
//
// The schema is applied from embedded goose migrations on Open. Rows are never
// removed: the Delete* methods stamp deleted_at and every lookup filters on it.
package sqlite
