// Package store declares the persistence contracts for crawl progress and the
// crawl log. Implementations live in other packages; this package must not
// import database drivers or concrete clients.
package store
