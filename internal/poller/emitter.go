package poller

import (
	"context"

	"matchwatch/internal/model"
)

// ChanEmitter delivers events on a channel. Emit blocks until the event is
// received or ctx ends.
type ChanEmitter struct {
	C chan model.MatchCompletedEvent
}

func NewChanEmitter(buffer int) *ChanEmitter {
	return &ChanEmitter{C: make(chan model.MatchCompletedEvent, buffer)}
}

func (e *ChanEmitter) Emit(ctx context.Context, ev model.MatchCompletedEvent) error {
	select {
	case e.C <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev model.MatchCompletedEvent) error

func (f EmitterFunc) Emit(ctx context.Context, ev model.MatchCompletedEvent) error { return f(ctx, ev) }
