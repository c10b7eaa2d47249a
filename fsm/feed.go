package fsm

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrFeedClosed is returned when the feed channel closes mid-session.
var ErrFeedClosed = errors.New("feed closed")

// Feed combines a replay queue with a live channel. Delayed messages are
// placed back at the front of the queue on Refresh, so a new state sees them
// before any live traffic.
type Feed struct {
	queue   []interface{}
	delayed []interface{}
	in      <-chan interface{}
}

func NewFeed(in <-chan interface{}) *Feed {
	return &Feed{in: in}
}

// Next returns the first queued message, else blocks on the live channel,
// the round deadline, or the context.
func (f *Feed) Next(ctx context.Context, deadline <-chan time.Time) (interface{}, error) {
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		return msg, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline:
		return nil, ErrRoundTimeout
	case msg, ok := <-f.in:
		if !ok {
			return nil, ErrFeedClosed
		}
		return msg, nil
	}
}

// Delay parks a message for the next state.
func (f *Feed) Delay(msg interface{}) {
	f.delayed = append(f.delayed, msg)
}

// Refresh moves delayed messages to the front of the queue.
func (f *Feed) Refresh() {
	if len(f.delayed) == 0 {
		return
	}
	f.queue = append(append([]interface{}{}, f.delayed...), f.queue...)
	f.delayed = nil
}
