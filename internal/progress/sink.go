package progress

import "context"

// Sink consumes batches of progress events. Consume may be called from the
// hub goroutine only, but implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}
