package progress

import "context"

// Sink consumes batches of lifecycle events. Implementations must honor ctx
// deadlines. The Hub calls Consume from a single goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so the dispatcher
// stays agnostic about batching and delivery.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
