// Package mainloop provides the single execution context on which signal
// handlers and supervisor state transitions run. Funcs posted from any
// goroutine execute one at a time, in post order.
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/asheshgoplani/instance-deck/internal/logging"
)

var loopLog = logging.ForComponent(logging.CompLoop)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("main loop stopped")

// Dispatcher schedules fn on the owner's execution context.
type Dispatcher interface {
	Post(fn func())
}

// Inline runs every posted func immediately on the caller's goroutine.
// One-shot CLI commands and tests use it where no loop is running.
type Inline struct{}

// Post runs fn synchronously.
func (Inline) Post(fn func()) {
	runSafe(fn)
}

// Loop is a FIFO of funcs executed by the goroutine that calls Run.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// New returns a loop; call Run to start executing.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. Never blocks. Funcs posted after the loop exited are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		loopLog.Debug("post_after_stop_dropped")
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do posts fn and waits for it to finish. It must not be called from a func
// already running on the loop.
func (l *Loop) Do(fn func()) error {
	ran := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.pending = append(l.pending, func() {
		defer close(ran)
		fn()
	})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-ran:
		return nil
	case <-l.done:
		// The loop drains before closing done, so ran is closed by now
		// unless the func was queued after the final drain.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Run executes posted funcs until ctx is cancelled or Stop is called.
// Funcs still queued at that point are executed before Run returns.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-l.stop:
			l.shutdown()
			return
		case <-l.wake:
			l.drain()
		}
	}
}

// Stop asks Run to return after draining. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) shutdown() {
	l.drain()
	l.mu.Lock()
	l.stopped = true
	rest := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, fn := range rest {
		runSafe(fn)
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			runSafe(fn)
		}
	}
}

func runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			loopLog.Error("posted_func_panic", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
