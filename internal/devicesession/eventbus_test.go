package devicesession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"
)

type EventBusSuite struct {
	suite.Suite
}

func TestEventBusSuite(t *testing.T) {
	suite.Run(t, new(EventBusSuite))
}

// A panicking handler must not prevent other handlers from observing the
// event, and must not propagate out of fire.
func (s *EventBusSuite) TestHandlerPanicIsolated() {
	b := newEventBus()
	defer b.stop()

	var calledOK atomic.Bool
	b.listen(func(ctx context.Context, e Event) {
		panic("boom")
	})
	b.listen(func(ctx context.Context, e Event) {
		calledOK.Store(true)
	})

	s.NotPanics(func() {
		b.fire(context.Background(), Event{Tag: EventRegister})
	})
	s.True(calledOK.Load())
}

// Disposing a handler removes it from future fires.
func (s *EventBusSuite) TestDisposeRemovesHandler() {
	b := newEventBus()
	defer b.stop()

	var n atomic.Int32
	dispose := b.listen(func(ctx context.Context, e Event) {
		n.Add(1)
	})

	b.fire(context.Background(), Event{Tag: EventRegister})
	dispose()
	b.fire(context.Background(), Event{Tag: EventRegister})

	s.EqualValues(1, n.Load())
}

// fire fans every handler out concurrently and waits for all of them.
func (s *EventBusSuite) TestFireWaitsForAllHandlers() {
	b := newEventBus()
	defer b.stop()

	var wg sync.WaitGroup
	var done atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		b.listen(func(ctx context.Context, e Event) {
			defer wg.Done()
			done.Add(1)
		})
	}

	b.fire(context.Background(), Event{Tag: EventUnregister})
	s.EqualValues(5, done.Load(), "fire must return only after every handler ran")
	wg.Wait()
	s.EqualValues(5, done.Load())
}
