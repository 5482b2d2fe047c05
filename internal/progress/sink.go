package progress

import "context"

// Sink consumes batches of progress events. The Hub calls Consume from a
// single goroutine and reuses the batch slice afterwards.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. The processor depends on this rather
// than on Hub.
type Emitter interface {
	Emit(evt Event)
}
