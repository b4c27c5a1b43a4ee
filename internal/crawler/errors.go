package crawler

import "errors"

var (
	// ErrEnded signals that the frontier has no more work for the caller,
	// either because the crawl is over or the caller was retired mid-wait.
	ErrEnded = errors.New("frontier ended")
	// ErrOutOfMemory marks resource exhaustion raised by a stage. Workers
	// escalate it to the controller instead of treating it as an item fault.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrStackDepthExceeded marks runaway recursion on pathological input.
	// It is handled like any other per-item fault.
	ErrStackDepthExceeded = errors.New("stack depth exceeded")
)
