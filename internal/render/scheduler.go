package render

import (
	"context"
	"sync"
	"time"

	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
)

// DefaultFrameInterval is the minimum spacing between rendered frames.
const DefaultFrameInterval = 100 * time.Millisecond

// Scheduler coalesces render requests into single frames. Requests arriving
// while a frame is in flight collapse into one dirty flag, never a queue,
// so a burst of tracker updates or tile resolutions costs one extra frame
// at most.
type Scheduler struct {
	render   func()
	clock    timeutil.Clock
	interval time.Duration

	mu    sync.Mutex
	dirty bool
	wake  chan struct{}
}

// NewScheduler creates a scheduler around the given render function. A nil
// clock falls back to the real clock.
func NewScheduler(render func(), clock timeutil.Clock, interval time.Duration) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Scheduler{
		render:   render,
		clock:    clock,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// MarkDirty requests a frame. Safe to call from any goroutine at any rate.
func (s *Scheduler) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives rendering until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if !s.dirty {
				s.mu.Unlock()
				break
			}
			s.dirty = false
			s.mu.Unlock()

			s.render()

			// One frame per tick: anything marked dirty during the render
			// waits out the interval and collapses into the next frame.
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.interval):
			}
		}
	}
}
