// Package deck wires the orchestrator components for one process: state
// database, mirror, registry, signals, supervisor, event router and the
// main loop.
package deck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/crossproc"
	"github.com/asheshgoplani/instance-deck/internal/events"
	"github.com/asheshgoplani/instance-deck/internal/host"
	"github.com/asheshgoplani/instance-deck/internal/logging"
	"github.com/asheshgoplani/instance-deck/internal/mainloop"
	"github.com/asheshgoplani/instance-deck/internal/mirror"
	"github.com/asheshgoplani/instance-deck/internal/registry"
	"github.com/asheshgoplani/instance-deck/internal/statedb"
	"github.com/asheshgoplani/instance-deck/internal/supervisor"
)

var deckLog = logging.ForComponent(logging.CompCLI)

// Role tells whether this process runs against the primary project or a
// secondary workspace.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

const (
	heartbeatInterval = 10 * time.Second
	heartbeatTimeout  = 30 * time.Second
)

// Option customizes New.
type Option func(*options)

type options struct {
	adapter   host.Adapter
	signalDir string
}

// WithAdapter replaces the host adapter a secondary drives.
func WithAdapter(a host.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithSignalDir overrides the signal directory from the configuration.
func WithSignalDir(dir string) Option {
	return func(o *options) { o.signalDir = dir }
}

// Deck holds the components of one orchestrator process.
type Deck struct {
	ProjectRoot   string
	PrimaryRoot   string
	InstancesRoot string
	Role          Role
	// Self is the marker of this workspace; nil in a primary.
	Self *registry.Marker

	State      *statedb.StateDB
	Mirror     *mirror.Mirror
	Registry   *registry.Registry
	Signals    *crossproc.Set
	Supervisor *supervisor.Supervisor
	Router     *events.Router
	Loop       *mainloop.Loop

	loopCancel context.CancelFunc
	owner      atomic.Bool
	watcher    *registry.Watcher
	stateWatch *stateWatcher
	stop       chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
	bg         sync.WaitGroup
}

// New builds the components for a process whose project root is
// projectRoot. The role comes from the workspace marker: a root carrying
// one is a secondary.
func New(projectRoot string, opts ...Option) (*Deck, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	d := &Deck{ProjectRoot: root, PrimaryRoot: root, Role: RolePrimary, stop: make(chan struct{})}

	marker, err := registry.LocalInstance(root)
	if err != nil {
		return nil, err
	}
	if marker != nil {
		d.Role = RoleSecondary
		d.Self = marker
		d.PrimaryRoot = marker.PrimaryRoot
		d.InstancesRoot = marker.InstancesRoot
	}
	if d.InstancesRoot == "" {
		if d.InstancesRoot, err = config.InstancesRoot(d.PrimaryRoot); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(d.InstancesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create instances root: %w", err)
	}

	d.State, err = statedb.Open(filepath.Join(d.InstancesRoot, statedb.FileName))
	if err != nil {
		return nil, err
	}
	if err := d.State.Migrate(); err != nil {
		d.State.Close()
		return nil, err
	}
	if err := d.State.RegisterProcess(string(d.Role)); err != nil {
		deckLog.Warn("register_process_failed", slog.String("error", err.Error()))
	}

	mirrorSettings := config.GetMirrorSettings()
	hostSettings := config.GetHostSettings()
	d.Mirror, err = mirror.New(mirrorSettings, mirror.NewLinker(mirrorSettings, hostSettings.RecentProjectsFile))
	if err != nil {
		d.State.Close()
		return nil, err
	}

	d.Loop = mainloop.New()
	loopCtx, cancel := context.WithCancel(context.Background())
	d.loopCancel = cancel
	go d.Loop.Run(loopCtx)

	sigSettings := config.GetSignalSettings()
	sigDir := o.signalDir
	if sigDir == "" {
		sigDir = sigSettings.Dir
	}
	if sigDir == "" {
		sigDir = crossproc.DefaultDir()
	}
	factory, err := crossproc.NewFileFactory(sigDir)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Signals = crossproc.NewSet(
		crossproc.WithFactory(factory),
		crossproc.WithDispatcher(d.Loop),
		crossproc.WithWaitTimeout(time.Duration(sigSettings.WaitTimeoutMs)*time.Millisecond),
	)

	d.Registry = registry.Open(d.InstancesRoot, d.Mirror,
		registry.WithSourceRoot(d.PrimaryRoot),
		registry.WithDispatcher(d.Loop),
	)
	if err := d.Registry.Load(); err != nil {
		deckLog.Warn("registry_load_failed", slog.String("error", err.Error()))
	}

	d.Supervisor = supervisor.New(supervisor.Options{
		Registry:         d.Registry,
		Signals:          d.Signals,
		State:            d.State,
		Host:             hostSettings,
		CacheDir:         mirrorSettings.CacheDir,
		HostRegistration: d.Mirror,
		Dispatcher:       d.Loop,
		Secondary:        d.Role == RoleSecondary,
	})

	adapter := o.adapter
	if adapter == nil && d.Role == RoleSecondary {
		adapter = host.NewCommandAdapter(hostSettings.Commands, root)
	}
	d.Router = events.NewRouter(d.Signals, adapter,
		events.WithAssetChangeInterval(time.Duration(sigSettings.AssetChangeMinIntervalMs)*time.Millisecond),
		events.WithSettingsSource(d.readSelf),
		events.WithQuitHook(d.RequestStop),
	)

	if d.Role == RolePrimary {
		if _, err := d.Supervisor.Reattach(); err != nil {
			deckLog.Warn("reattach_failed", slog.String("error", err.Error()))
		}
	}
	return d, nil
}

// readSelf returns the current settings of this secondary from its marker.
func (d *Deck) readSelf() (*registry.Instance, error) {
	m, err := registry.ReadMarker(d.ProjectRoot)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("workspace marker missing")
	}
	return &m.Instance, nil
}

// IsOwner reports whether this process hosts the project's shared signals.
func (d *Deck) IsOwner() bool {
	return d.owner.Load()
}

// Start turns the process into a long-running orchestrator. A primary
// that wins the owner election hosts the shared signals and forces one
// refresh of every secondary; a secondary subscribes to them and reports
// ready.
func (d *Deck) Start(ctx context.Context) error {
	d.bg.Add(1)
	go d.heartbeatLoop(ctx)

	if d.Role == RoleSecondary {
		if d.Self == nil {
			return errors.New("secondary without marker")
		}
		return d.Router.BindSecondary(ctx, &d.Self.Instance)
	}

	owner, err := d.State.ElectOwner(heartbeatTimeout)
	if err != nil {
		return fmt.Errorf("elect owner: %w", err)
	}
	d.owner.Store(owner)
	if !owner {
		deckLog.Info("orchestrator_not_owner", slog.String("project", d.PrimaryRoot))
	} else {
		if n, err := d.Registry.ClearStalePhases(); err != nil {
			deckLog.Warn("clear_stale_phases_failed", slog.String("error", err.Error()))
		} else if n > 0 {
			deckLog.Info("stale_phases_cleared", slog.Int("count", n))
		}
		if err := d.Router.BindPrimary(); err != nil {
			return err
		}
		if err := d.Router.Startup(); err != nil {
			deckLog.Warn("startup_refresh_failed", slog.String("error", err.Error()))
		}
	}

	d.watcher, err = registry.NewWatcher(d.Registry, func() {
		d.Loop.Post(d.reattach)
	})
	if err != nil {
		deckLog.Warn("registry_watch_unavailable", slog.String("error", err.Error()))
	} else {
		d.watcher.Start()
	}
	d.stateWatch = newStateWatcher(d.State, func() { d.Loop.Post(d.reattach) })
	d.stateWatch.Start()
	return nil
}

func (d *Deck) reattach() {
	if n, err := d.Supervisor.Reattach(); err != nil {
		deckLog.Warn("reattach_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		deckLog.Info("processes_reattached", slog.Int("count", n))
	}
}

func (d *Deck) heartbeatLoop(ctx context.Context) {
	defer d.bg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.State.Heartbeat(); err != nil {
				deckLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
			_ = d.State.CleanDeadProcesses(heartbeatTimeout)
			if d.Role == RolePrimary && !d.owner.Load() {
				if owner, err := d.State.ElectOwner(heartbeatTimeout); err == nil && owner {
					d.Loop.Post(d.takeOwnership)
				}
			}
		}
	}
}

// takeOwnership hosts the shared signals after the previous owner died.
func (d *Deck) takeOwnership() {
	d.owner.Store(true)
	deckLog.Info("orchestrator_became_owner", slog.String("project", d.PrimaryRoot))
	if err := d.Router.BindPrimary(); err != nil {
		deckLog.Warn("bind_primary_failed", slog.String("error", err.Error()))
	}
}

// RequestStop ends a Start-ed orchestrator; Done is closed.
func (d *Deck) RequestStop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Done is closed once RequestStop was called.
func (d *Deck) Done() <-chan struct{} {
	return d.stop
}

// Shutdown is the primary quit: every running secondary is closed before
// resources are released. ctx bounds the wait.
func (d *Deck) Shutdown(ctx context.Context) error {
	var err error
	if d.Role == RolePrimary && d.owner.Load() {
		done := make(chan struct{})
		d.Loop.Post(func() { d.Supervisor.CloseAll(func() { close(done) }) })
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("closing secondaries: %w", ctx.Err())
		}
	}
	if cerr := d.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases this process's resources. Secondary hosts keep running.
func (d *Deck) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		d.RequestStop()
		if d.stateWatch != nil {
			d.stateWatch.Close()
		}
		if d.watcher != nil {
			errs = append(errs, d.watcher.Close())
		}
		if d.Router != nil {
			errs = append(errs, d.Router.Close())
		}
		if d.Supervisor != nil {
			d.Supervisor.Detach()
		}
		if d.Registry != nil {
			d.Registry.Wait()
		}
		if d.Signals != nil {
			errs = append(errs, d.Signals.Close())
		}
		if d.Loop != nil {
			d.Loop.Stop()
			<-d.Loop.Done()
			d.loopCancel()
		}
		d.bg.Wait()
		if d.State != nil {
			if d.owner.Load() {
				_ = d.State.ResignOwner()
			}
			_ = d.State.UnregisterProcess()
			errs = append(errs, d.State.Close())
		}
	})
	return errors.Join(errs...)
}
