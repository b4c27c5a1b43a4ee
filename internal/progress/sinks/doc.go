// Package sinks holds the progress consumers: the store sink that persists
// crawl and host counters, a Prometheus sink, and a zap log sink.
package sinks
