package progress

import "context"

// Sink consumes flushed batches. Consume may be called concurrently and must
// honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. Stages depend on it rather than on Hub.
type Emitter interface {
	Emit(evt Event)
}
