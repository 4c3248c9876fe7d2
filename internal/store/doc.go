// Package store defines interfaces for persistence dependencies (work units,
// check results, lookup history and billing). Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store
