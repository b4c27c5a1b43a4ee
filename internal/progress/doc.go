// Package progress carries crawl lifecycle and per-fetch events from the
// workers to whoever records them. Events are buffered by a Hub that never
// blocks the emitting worker and are flushed in batches to sinks.
package progress
