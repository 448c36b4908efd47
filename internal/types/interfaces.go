// internal/types/interfaces.go
package types

import "context"

// ActivitySink observes progress events while a run is in flight.
// Events arrive in non-decreasing Elapsed order and never after the
// run's result has been returned.
type ActivitySink interface {
	OnActivity(ActivityEvent)
}

// SinkFunc adapts a function to ActivitySink.
type SinkFunc func(ActivityEvent)

func (f SinkFunc) OnActivity(ev ActivityEvent) {
	if f != nil {
		f(ev)
	}
}

// Discard ignores all activity.
var Discard ActivitySink = SinkFunc(nil)

// TurnLog records completed turns per conversation.
type TurnLog interface {
	Append(ctx context.Context, rec *TurnRecord) error
	Tail(ctx context.Context, key ConversationKey, limit int) ([]*TurnRecord, error)
	Count(ctx context.Context, key ConversationKey) (int64, error)
}
