package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/instance-deck/internal/crossproc"
	"github.com/asheshgoplani/instance-deck/internal/host"
	"github.com/asheshgoplani/instance-deck/internal/logging"
	"github.com/asheshgoplani/instance-deck/internal/registry"
)

var evLog = logging.ForComponent(logging.CompEvents)

// DefaultAssetChangeInterval is the minimum spacing of asset change raises.
const DefaultAssetChangeInterval = 250 * time.Millisecond

var ErrRouterClosed = errors.New("event router closed")

// Option configures a Router.
type Option func(*Router)

// WithAssetChangeInterval sets the coalescing window for AssetsChanged.
func WithAssetChangeInterval(d time.Duration) Option {
	return func(r *Router) { r.interval = d }
}

// WithSettingsSource makes a secondary re-read its settings on each event,
// so changes made from the primary apply without a restart.
func WithSettingsSource(fn func() (*registry.Instance, error)) Option {
	return func(r *Router) { r.settings = fn }
}

// WithQuitHook runs fn after the host was asked to quit.
func WithQuitHook(fn func()) Option {
	return func(r *Router) { r.onQuit = fn }
}

type binding struct {
	sig *crossproc.Signal
	id  crossproc.HandlerID
}

// Router connects host events of the primary to the secondaries.
type Router struct {
	set      *crossproc.Set
	adapter  host.Adapter
	interval time.Duration
	limiter  *rate.Limiter
	settings func() (*registry.Instance, error)
	onQuit   func()

	mu       sync.Mutex
	ctx      context.Context
	names    map[string]bool
	bindings map[string][]binding
	trailing *time.Timer
	self     *registry.Instance
	closed   bool
}

// NewRouter returns a router over set. adapter may be nil in a primary.
func NewRouter(set *crossproc.Set, adapter host.Adapter, opts ...Option) *Router {
	r := &Router{
		set:      set,
		adapter:  adapter,
		interval: DefaultAssetChangeInterval,
		ctx:      context.Background(),
		names:    make(map[string]bool),
		bindings: make(map[string][]binding),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.limiter = rate.NewLimiter(rate.Every(r.interval), 1)
	return r
}

func (r *Router) track(name string) {
	r.mu.Lock()
	r.names[name] = true
	r.mu.Unlock()
}

func (r *Router) bind(name string, fn crossproc.Handler) *crossproc.Signal {
	sig := r.set.Get(name)
	id := sig.AddHandler(fn)
	r.mu.Lock()
	r.names[name] = true
	r.bindings[name] = append(r.bindings[name], binding{sig: sig, id: id})
	r.mu.Unlock()
	return sig
}

// BindPrimary hosts the shared signals.
func (r *Router) BindPrimary() error {
	for _, name := range []string{AssetsChange, HostEnterPlayMode, HostExitPlayMode} {
		if err := r.set.Get(name).InitializeHost(); err != nil {
			return err
		}
		r.track(name)
	}
	evLog.Info("router_bound_primary")
	return nil
}

func (r *Router) raise(name string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRouterClosed
	}
	if err := r.set.Get(name).RaiseEvent(); err != nil {
		return err
	}
	evLog.Debug("event_raised", slog.String("event", name))
	return nil
}

// AssetsChanged tells secondaries to refresh. Bursts are coalesced: the
// first call raises at once, later calls inside the window collapse into
// one trailing raise.
func (r *Router) AssetsChanged() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	if r.trailing != nil {
		r.mu.Unlock()
		logging.Aggregate(logging.CompEvents, "assets_change_coalesced")
		return nil
	}
	delay := r.limiter.Reserve().Delay()
	if delay == 0 {
		r.mu.Unlock()
		return r.raise(AssetsChange)
	}
	r.trailing = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.trailing = nil
		r.mu.Unlock()
		if err := r.raise(AssetsChange); err != nil && !errors.Is(err, ErrRouterClosed) {
			evLog.Warn("assets_change_raise_failed", slog.String("error", err.Error()))
		}
	})
	r.mu.Unlock()
	return nil
}

// EnterPlayMode tells secondaries the primary entered play mode.
func (r *Router) EnterPlayMode() error {
	return r.raise(HostEnterPlayMode)
}

// ExitPlayMode tells secondaries the primary left play mode.
func (r *Router) ExitPlayMode() error {
	return r.raise(HostExitPlayMode)
}

// Startup forces a refresh of every secondary after the primary starts.
func (r *Router) Startup() error {
	return r.AssetsChanged()
}

// WatchReady runs fn each time instance id reports its host is up. A later
// call for the same id replaces fn.
func (r *Router) WatchReady(ctx context.Context, id string, fn func()) error {
	name := InstanceReady(id)
	r.unbind(name)
	sig := r.bind(name, fn)
	return sig.InitializeClient(ctx)
}

func (r *Router) unbind(name string) {
	r.mu.Lock()
	bs := r.bindings[name]
	delete(r.bindings, name)
	tracked := r.names[name]
	delete(r.names, name)
	r.mu.Unlock()
	for _, b := range bs {
		b.sig.RemoveHandler(b.id)
	}
	if tracked {
		_ = r.set.Forget(name)
	}
}

// BindSecondary subscribes self to the shared signals and to its own quit
// request, applies its layout and announces that it is ready.
func (r *Router) BindSecondary(ctx context.Context, self *registry.Instance) error {
	if r.adapter == nil {
		return errors.New("secondary binding needs a host adapter")
	}
	r.mu.Lock()
	r.ctx = ctx
	r.self = self.Clone()
	r.mu.Unlock()

	subs := []struct {
		name string
		fn   func(*registry.Instance)
	}{
		{AssetsChange, func(s *registry.Instance) {
			if s.AutoSync {
				r.act(host.ActionRefreshAssets, r.adapter.RefreshAssets)
			}
		}},
		{HostEnterPlayMode, func(s *registry.Instance) {
			if s.EnterPlayModeAutomatically {
				r.act(host.ActionEnterPlayMode, r.adapter.EnterPlayMode)
			}
		}},
		{HostExitPlayMode, func(s *registry.Instance) {
			if s.EnterPlayModeAutomatically {
				r.act(host.ActionExitPlayMode, r.adapter.ExitPlayMode)
			}
		}},
		{QuitRequest(self.ID), func(*registry.Instance) {
			r.act(host.ActionQuit, r.adapter.Quit)
			if r.onQuit != nil {
				r.onQuit()
			}
		}},
	}
	for _, sub := range subs {
		sub := sub
		sig := r.bind(sub.name, func() { sub.fn(r.current()) })
		if err := sig.InitializeClient(ctx); err != nil {
			return err
		}
	}

	if err := r.adapter.ApplyLayout(ctx, self.PreferredLayout); err != nil {
		evLog.Warn("apply_layout_failed", slog.String("layout", self.PreferredLayout), slog.String("error", err.Error()))
	}
	if len(self.Scenes) > 0 {
		if err := r.adapter.RestoreScenes(ctx, self.Scenes); err != nil {
			evLog.Warn("restore_scenes_failed", slog.String("error", err.Error()))
		}
	}

	ready := InstanceReady(self.ID)
	sig := r.set.Get(ready)
	if err := sig.InitializeHost(); err != nil {
		return err
	}
	r.track(ready)
	if err := sig.RaiseEvent(); err != nil {
		return err
	}
	evLog.Info("router_bound_secondary", slog.String("id", self.ID))
	return nil
}

// current returns the latest settings of the bound secondary.
func (r *Router) current() *registry.Instance {
	if r.settings != nil {
		inst, err := r.settings()
		if err == nil && inst != nil {
			r.mu.Lock()
			r.self = inst.Clone()
			r.mu.Unlock()
			return inst
		}
		if err != nil {
			evLog.Warn("settings_reload_failed", slog.String("error", err.Error()))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self.Clone()
}

func (r *Router) act(action string, fn func(context.Context) error) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if err := fn(ctx); err != nil {
		evLog.Warn("host_action_failed", slog.String("action", action), slog.String("error", err.Error()))
		return
	}
	evLog.Debug("host_action", slog.String("action", action))
}

// Close removes every handler and closes the signals this router bound.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.trailing != nil {
		r.trailing.Stop()
		r.trailing = nil
	}
	bindings := r.bindings
	names := r.names
	r.bindings = make(map[string][]binding)
	r.names = make(map[string]bool)
	r.mu.Unlock()

	for _, bs := range bindings {
		for _, b := range bs {
			b.sig.RemoveHandler(b.id)
		}
	}
	var errs []error
	for name := range names {
		if err := r.set.Forget(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
