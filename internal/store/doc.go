// Package store defines the persistence contracts for job records and the
// content corpus. Implementations live under internal/storage; this package
// must not import database drivers or concrete clients.
package store
