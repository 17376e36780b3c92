// Package crossproc implements named one-to-many notifications between
// unrelated processes of one user session. A signal has one host, which
// raises it, and any number of clients, which wait for it in a background
// loop and dispatch local handlers on the main execution context.
package crossproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/instance-deck/internal/logging"
	"github.com/asheshgoplani/instance-deck/internal/mainloop"
)

var sigLog = logging.ForComponent(logging.CompSignal)

// ErrNotHost is returned when a signal that is not initialized as host is raised.
var ErrNotHost = errors.New("signal is not initialized as host")

// DefaultWaitTimeout bounds each client wait so shutdown is observed promptly.
const DefaultWaitTimeout = 500 * time.Millisecond

// Role is the side a process plays for one signal.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// Handler is a local callback for a signal.
type Handler func()

// HandlerID identifies a registered handler for RemoveHandler.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Option configures a Signal.
type Option func(*Signal)

// WithFactory sets the primitive factory. Default: a FileFactory on DefaultDir.
func WithFactory(f Factory) Option {
	return func(s *Signal) { s.factory = f }
}

// WithDispatcher sets where client-side handler dispatch runs. Default: inline
// on the wait loop goroutine.
func WithDispatcher(d mainloop.Dispatcher) Option {
	return func(s *Signal) { s.dispatcher = d }
}

// WithWaitTimeout sets the bound on each client wait.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Signal) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// Signal is a named cross-process notification.
type Signal struct {
	name        string
	factory     Factory
	dispatcher  mainloop.Dispatcher
	waitTimeout time.Duration

	mu       sync.Mutex
	role     Role
	prim     Primitive
	handlers []handlerEntry
	nextID   HandlerID
	closed   bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New returns an uninitialized signal. Nothing touches the OS until
// InitializeHost or InitializeClient.
func New(name string, opts ...Option) *Signal {
	s := &Signal{
		name:        name,
		dispatcher:  mainloop.Inline{},
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the signal name.
func (s *Signal) Name() string {
	return s.name
}

// Role returns the role the signal was initialized with.
func (s *Signal) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Signal) factoryLocked() (Factory, error) {
	if s.factory == nil {
		f, err := NewFileFactory(DefaultDir())
		if err != nil {
			return nil, err
		}
		s.factory = f
	}
	return s.factory, nil
}

// InitializeHost creates the raising side. A no-op when already initialized;
// a signal already acting as client stays a client.
func (s *Signal) InitializeHost() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	switch s.role {
	case RoleHost:
		return nil
	case RoleClient:
		sigLog.Warn("initialize_host_on_client", slog.String("signal", s.name))
		return nil
	}

	f, err := s.factoryLocked()
	if err != nil {
		return err
	}
	prim, err := f.Host(s.name)
	if err != nil {
		return fmt.Errorf("initialize host %q: %w", s.name, err)
	}
	s.prim = prim
	s.role = RoleHost
	sigLog.Debug("signal_host_initialized", slog.String("signal", s.name))
	return nil
}

// InitializeClient opens a waiting handle and starts the wait loop, which
// runs until ctx is cancelled or Close is called. A no-op when already
// initialized; a signal already acting as host stays a host.
func (s *Signal) InitializeClient(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	switch s.role {
	case RoleClient:
		return nil
	case RoleHost:
		sigLog.Warn("initialize_client_on_host", slog.String("signal", s.name))
		return nil
	}

	f, err := s.factoryLocked()
	if err != nil {
		return err
	}
	prim, err := f.Client(s.name)
	if err != nil {
		return fmt.Errorf("initialize client %q: %w", s.name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.prim = prim
	s.role = RoleClient
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.waitLoop(loopCtx, prim, s.loopDone)

	sigLog.Debug("signal_client_initialized", slog.String("signal", s.name))
	return nil
}

// RaiseEvent signals every client, runs local handlers in registration order
// on the caller's goroutine, then re-arms the host primitive.
func (s *Signal) RaiseEvent() error {
	s.mu.Lock()
	if s.role != RoleHost {
		s.mu.Unlock()
		return fmt.Errorf("raise %q: %w", s.name, ErrNotHost)
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prim := s.prim
	s.mu.Unlock()

	if err := prim.Set(); err != nil {
		return fmt.Errorf("raise %q: %w", s.name, err)
	}
	sigLog.Debug("signal_raised", slog.String("signal", s.name))

	s.dispatch()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.prim != prim {
		return nil
	}
	_ = prim.Close()
	next, err := s.factory.Host(s.name)
	if err != nil {
		// Leave the signal without a primitive; the next raise fails loudly.
		s.prim = closedPrimitive{}
		return fmt.Errorf("re-arm host %q: %w", s.name, err)
	}
	s.prim = next
	return nil
}

// AddHandler registers fn. Handlers run in registration order.
func (s *Signal) AddHandler(fn Handler) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers = append(s.handlers, handlerEntry{id: s.nextID, fn: fn})
	return s.nextID
}

// RemoveHandler unregisters a handler. Reports whether it was registered.
func (s *Signal) RemoveHandler(id HandlerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// handlerCount returns the number of registered handlers.
func (s *Signal) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Close stops the wait loop and releases the primitive. Safe to call twice.
func (s *Signal) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.prim != nil {
		err = s.prim.Close()
	}
	done := s.loopDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	return err
}

func (s *Signal) dispatch() {
	s.mu.Lock()
	handlers := make([]handlerEntry, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		s.runHandler(h)
	}
}

func (s *Signal) runHandler(h handlerEntry) {
	defer func() {
		if r := recover(); r != nil {
			sigLog.Error("signal_handler_panic",
				slog.String("signal", s.name),
				slog.Uint64("handler", uint64(h.id)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	h.fn()
}

func (s *Signal) waitLoop(ctx context.Context, prim Primitive, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		hit, err := prim.Wait(s.waitTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			sigLog.Warn("signal_wait_failed",
				slog.String("signal", s.name),
				slog.String("error", err.Error()),
			)
			if !sleepCtx(ctx, s.waitTimeout) {
				return
			}
			continue
		}
		if !hit {
			logging.Aggregate(logging.CompSignal, "wait_timeout", slog.String("signal", s.name))
			continue
		}

		sigLog.Debug("signal_observed", slog.String("signal", s.name))
		s.dispatcher.Post(s.dispatch)

		// Re-arm: replace the handle, carrying the consumed generation so a
		// raise landing between the two handles is not lost.
		cursor := prim.Cursor()
		_ = prim.Close()
		next, ok := s.rearmClient(ctx, cursor)
		if !ok {
			return
		}
		prim = next
	}
}

func (s *Signal) rearmClient(ctx context.Context, cursor uint64) (Primitive, bool) {
	for {
		next, err := s.factory.Resume(s.name, cursor)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = next.Close()
				return nil, false
			}
			s.prim = next
			s.mu.Unlock()
			return next, true
		}
		sigLog.Warn("signal_rearm_failed",
			slog.String("signal", s.name),
			slog.String("error", err.Error()),
		)
		if !sleepCtx(ctx, s.waitTimeout) {
			return nil, false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// closedPrimitive stands in after a failed host re-arm.
type closedPrimitive struct{}

func (closedPrimitive) Set() error { return ErrClosed }
func (closedPrimitive) Wait(time.Duration) (bool, error) { return false, ErrClosed }
func (closedPrimitive) Cursor() uint64 { return 0 }
func (closedPrimitive) Close() error { return nil }
