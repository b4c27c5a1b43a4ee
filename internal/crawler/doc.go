// Package crawler defines the shared vocabulary of the crawl core: the work
// item circulated between frontier and workers, fetch status codes, stage
// chains, and the collaborator interfaces workers are wired against.
package crawler
