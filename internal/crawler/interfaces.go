package crawler

import (
	"context"
	"io"
	"time"
)

// Frontier hands out work items and takes them back once processed.
type Frontier interface {
	// Next blocks until an item is ready. It returns ErrEnded when the crawl
	// is over and ctx.Err() when the wait is interrupted.
	Next(ctx context.Context) (*WorkItem, error)
	// Finished returns an item. Calling it twice for the same item is a no-op.
	Finished(item *WorkItem)
}

// Scheduler accepts newly discovered items.
type Scheduler interface {
	Schedule(ctx context.Context, item *WorkItem) error
}

// Controller arbitrates pool-wide state on behalf of workers. Workers only
// publish commands through it; the controller owns the transitions.
type Controller interface {
	AcquireContinuePermission(ctx context.Context) error
	ReleaseContinuePermission()
	SingleThreadMode()
	FreeReserveMemory()
	RequestCrawlPause(reason string)
	ToeEnded(ordinal int)
	RaiseAlert(alert Alert)
}

// Processor is one stage of a chain. Shared processors must be safe for
// concurrent use by every worker.
type Processor interface {
	Name() string
	Process(ctx context.Context, item *WorkItem) (ProcessResult, error)
	// RequiresPerWorkerInstance reports whether each worker needs a private
	// copy obtained through Spawn.
	RequiresPerWorkerInstance() bool
	// Spawn builds the private copy for the worker with the given ordinal.
	Spawn(ordinal int) Processor
}

// SharedProcessor is embedded by stages that are safe to share.
type SharedProcessor struct{}

// RequiresPerWorkerInstance always reports false.
func (SharedProcessor) RequiresPerWorkerInstance() bool { return false }

// Spawn is never called for shared stages.
func (SharedProcessor) Spawn(int) Processor { return nil }

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes crawl records to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used to derive storage paths.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
