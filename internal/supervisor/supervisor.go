package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/crossproc"
	"github.com/asheshgoplani/instance-deck/internal/events"
	"github.com/asheshgoplani/instance-deck/internal/logging"
	"github.com/asheshgoplani/instance-deck/internal/mainloop"
	"github.com/asheshgoplani/instance-deck/internal/registry"
	"github.com/asheshgoplani/instance-deck/internal/statedb"
)

var supLog = logging.ForComponent(logging.CompSupervisor)

// DefaultGracePeriod is how long a secondary gets to honor a quit request
// before its process group is killed.
const DefaultGracePeriod = 5 * time.Second

const (
	adoptedPollInterval = 500 * time.Millisecond
	processRowRetries   = 4
)

var (
	ErrSecondaryProcess = errors.New("instances can only be managed from the primary project")
	ErrNeedsRepair      = errors.New("instance workspace needs repair")
	ErrRepairInProgress = errors.New("repair already in progress")
	ErrRepairNotNeeded  = errors.New("instance does not need repair")
	ErrNoHostExecutable = errors.New("no host executable configured")
)

// HostRegistration forgets a workspace in the host's recent projects.
// *mirror.Mirror implements it.
type HostRegistration interface {
	DeleteHostRegistration(ctx context.Context, target string)
}

// Options wires a Supervisor.
type Options struct {
	Registry         *registry.Registry
	Signals          *crossproc.Set
	State            *statedb.StateDB // optional; enables reattach
	Host             config.HostSettings
	CacheDir         string
	HostRegistration HostRegistration // optional
	Dispatcher       mainloop.Dispatcher
	// Secondary marks this process as a secondary instance; management
	// operations are refused.
	Secondary bool
}

type proc struct {
	pid        int
	createTime int64
	// nil for processes adopted by Reattach
	cmd  *exec.Cmd
	done chan struct{}
}

// Supervisor launches, tracks and closes the host processes of secondary
// instances.
type Supervisor struct {
	reg        *registry.Registry
	signals    *crossproc.Set
	db         *statedb.StateDB
	host       config.HostSettings
	cacheDir   string
	hostReg    HostRegistration
	dispatcher mainloop.Dispatcher
	secondary  bool
	grace      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	openMu sync.Mutex

	mu        sync.Mutex
	procs     map[string]*proc
	closing   map[string][]func(CloseResult)
	repairing map[string]bool
	subs      map[int]func(Event)
	nextSub   int
}

// New returns a supervisor and installs it as the registry's running
// checker.
func New(opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		reg:        opts.Registry,
		signals:    opts.Signals,
		db:         opts.State,
		host:       opts.Host,
		cacheDir:   opts.CacheDir,
		hostReg:    opts.HostRegistration,
		dispatcher: opts.Dispatcher,
		secondary:  opts.Secondary,
		grace:      DefaultGracePeriod,
		ctx:        ctx,
		cancel:     cancel,
		procs:      make(map[string]*proc),
		closing:    make(map[string][]func(CloseResult)),
		repairing:  make(map[string]bool),
		subs:       make(map[int]func(Event)),
	}
	if s.dispatcher == nil {
		s.dispatcher = mainloop.Inline{}
	}
	if s.cacheDir == "" {
		s.cacheDir = "Library"
	}
	s.reg.SetRunningChecker(s)
	return s
}

// State derives the lifecycle state of id.
func (s *Supervisor) State(id string) State {
	inst := s.reg.Find(id)
	if inst == nil {
		return NotCreated
	}
	if s.reg.IsSettingUp(id) {
		return SettingUp
	}
	s.mu.Lock()
	_, closing := s.closing[id]
	running := s.procs[id] != nil
	s.mu.Unlock()
	switch {
	case closing:
		return Closing
	case running:
		return Running
	}
	if s.reg.NeedsRepair(inst) {
		return NeedsRepair
	}
	return Ready
}

// IsRunning reports whether id has a tracked live process.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id] != nil
}

// PID returns the process id of a running instance, or 0.
func (s *Supervisor) PID(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.procs[id]; p != nil {
		return p.pid
	}
	return 0
}

// RunningIDs returns the ids with a tracked process, sorted.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// HostScenes returns the scenes the host last recorded in the workspace of
// id, in order; the first is the active one. Nil when it has none.
func (s *Supervisor) HostScenes(id string) ([]string, error) {
	return ReadScenes(s.scenePath(id))
}

func (s *Supervisor) scenePath(id string) string {
	return filepath.Join(s.reg.WorkspacePath(id), s.cacheDir, SceneFileName)
}

// Subscribe registers fn for state change events. The returned func
// removes it.
func (s *Supervisor) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) notify(id string) {
	ev := Event{ID: id, State: s.State(id)}
	s.mu.Lock()
	keys := make([]int, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(Event), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, s.subs[k])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Create registers a new instance and builds its workspace.
func (s *Supervisor) Create(ctx context.Context, onDone func(*registry.Instance, error)) (*registry.Instance, error) {
	if s.secondary {
		return nil, ErrSecondaryProcess
	}
	inst, err := s.reg.Create(ctx, func(inst *registry.Instance, err error) {
		if inst != nil {
			s.notify(inst.ID)
		}
		if onDone != nil {
			onDone(inst, err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.notify(inst.ID)
	return inst, nil
}

// Open launches the host for id against its workspace. It does nothing
// when the instance is already running.
func (s *Supervisor) Open(ctx context.Context, id string) error {
	if s.secondary {
		return ErrSecondaryProcess
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.openMu.Lock()
	defer s.openMu.Unlock()

	switch s.State(id) {
	case NotCreated:
		return registry.ErrNotFound
	case SettingUp:
		return registry.ErrBusy
	case Running, Closing:
		return nil
	case NeedsRepair:
		return ErrNeedsRepair
	}
	if s.host.Executable == "" {
		return ErrNoHostExecutable
	}
	inst := s.reg.Find(id)
	if inst == nil {
		return registry.ErrNotFound
	}

	workspace := s.reg.WorkspacePath(id)
	scenePath := s.scenePath(id)
	restoreScenes := snapshotFile(scenePath)
	if err := WriteScenes(scenePath, inst.Scenes); err != nil {
		restoreScenes()
		return fmt.Errorf("write scenes: %w", err)
	}
	quitName := events.QuitRequest(id)
	if err := s.signals.Get(quitName).InitializeHost(); err != nil {
		_ = s.signals.Forget(quitName)
		restoreScenes()
		return fmt.Errorf("quit signal: %w", err)
	}

	cmd := exec.Command(s.host.Executable, expandArgs(s.host.Args, workspace)...)
	cmd.Dir = workspace
	configureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		if ferr := s.signals.Forget(quitName); ferr != nil {
			supLog.Debug("quit_signal_close_failed", slog.String("id", id), slog.String("error", ferr.Error()))
		}
		restoreScenes()
		supLog.Warn("instance_open_failed", slog.String("id", id), slog.String("error", err.Error()))
		return fmt.Errorf("start host: %w", err)
	}

	p := &proc{
		pid:        cmd.Process.Pid,
		createTime: processCreateTime(cmd.Process.Pid),
		cmd:        cmd,
		done:       make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()
	s.saveProcess(id, p)

	go s.monitorExit(id, p)

	supLog.Info("instance_opened",
		slog.String("id", id),
		slog.Int("pid", p.pid),
		slog.String("workspace", workspace),
	)
	s.notify(id)
	return nil
}

func expandArgs(args []string, workspace string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, strings.ReplaceAll(a, "{project}", workspace))
	}
	return out
}

func processCreateTime(pid int) int64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ct, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ct
}

// saveProcess records a spawned host so other orchestrator processes can
// adopt it. The row is what keeps them from removing a running instance, so
// a failed write is retried.
func (s *Supervisor) saveProcess(id string, p *proc) {
	if s.db == nil {
		return
	}
	row := &statedb.ProcessRow{InstanceID: id, PID: p.pid, CreateTime: p.createTime, StartedAt: time.Now()}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	if err := backoff.Retry(func() error { return s.db.SaveProcess(row) }, backoff.WithMaxRetries(eb, processRowRetries)); err != nil {
		supLog.Error("process_row_save_failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	s.touch()
}

func (s *Supervisor) touch() {
	if err := s.db.Touch(); err != nil {
		supLog.Warn("state_touch_failed", slog.String("error", err.Error()))
	}
}

// monitorExit is the only caller of cmd.Wait for a spawned process.
func (s *Supervisor) monitorExit(id string, p *proc) {
	err := p.cmd.Wait()
	close(p.done)
	attrs := []any{slog.String("id", id), slog.Int("pid", p.pid)}
	if err != nil {
		attrs = append(attrs, slog.String("exit", err.Error()))
	}
	supLog.Info("instance_process_exited", attrs...)
	s.dispatcher.Post(func() { s.handleExit(id, p) })
}

// watchAdopted polls an adopted process until it disappears.
func (s *Supervisor) watchAdopted(id string, p *proc) {
	ticker := time.NewTicker(adoptedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if processAlive(p.pid) {
				continue
			}
			close(p.done)
			supLog.Info("adopted_process_exited", slog.String("id", id), slog.Int("pid", p.pid))
			s.dispatcher.Post(func() { s.handleExit(id, p) })
			return
		}
	}
}

// handleExit cleans up after a process that exited on its own.
func (s *Supervisor) handleExit(id string, p *proc) {
	s.mu.Lock()
	if _, closing := s.closing[id]; closing || s.procs[id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.procs, id)
	s.mu.Unlock()
	s.cleanup(id)
	s.notify(id)
}

// Close asks the instance to quit and kills its process group when it is
// still alive after the grace period. onClosed runs once the process is
// gone. Closing an instance that is not running does nothing.
func (s *Supervisor) Close(id string, onClosed func(CloseResult)) {
	s.mu.Lock()
	p := s.procs[id]
	if p == nil {
		s.mu.Unlock()
		return
	}
	if waiters, closing := s.closing[id]; closing {
		if onClosed != nil {
			s.closing[id] = append(waiters, onClosed)
		}
		s.mu.Unlock()
		return
	}
	var waiters []func(CloseResult)
	if onClosed != nil {
		waiters = append(waiters, onClosed)
	}
	s.closing[id] = waiters
	s.mu.Unlock()
	s.notify(id)

	sig := s.signals.Get(events.QuitRequest(id))
	err := sig.InitializeHost()
	if err == nil {
		err = sig.RaiseEvent()
	}
	if err != nil {
		supLog.Warn("quit_request_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	supLog.Info("instance_close_requested", slog.String("id", id), slog.Int("pid", p.pid))

	go s.awaitClose(id, p)
}

func (s *Supervisor) awaitClose(id string, p *proc) {
	forced := false
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-s.ctx.Done():
		return
	case <-timer.C:
		forced = true
		supLog.Info("instance_close_grace_expired", slog.String("id", id), slog.Int("pid", p.pid))
		if err := killProcessGroup(p.pid); err != nil {
			supLog.Warn("instance_kill_failed", slog.String("id", id), slog.String("error", err.Error()))
		}
		select {
		case <-p.done:
		case <-s.ctx.Done():
			return
		case <-time.After(s.grace):
			supLog.Warn("instance_kill_unconfirmed", slog.String("id", id), slog.Int("pid", p.pid))
		}
	}
	s.dispatcher.Post(func() { s.finishClose(id, p, forced) })
}

func (s *Supervisor) finishClose(id string, p *proc, forced bool) {
	s.mu.Lock()
	if s.procs[id] == p {
		delete(s.procs, id)
	}
	waiters := s.closing[id]
	delete(s.closing, id)
	s.mu.Unlock()

	s.cleanup(id)
	s.notify(id)
	res := CloseResult{ID: id, Forced: forced}
	for _, fn := range waiters {
		fn(res)
	}
}

func (s *Supervisor) cleanup(id string) {
	if s.db != nil {
		if err := s.db.DeleteProcess(id); err != nil {
			supLog.Warn("process_row_delete_failed", slog.String("id", id), slog.String("error", err.Error()))
		}
		s.touch()
	}
	if s.hostReg != nil {
		s.hostReg.DeleteHostRegistration(context.Background(), s.reg.WorkspacePath(id))
	}
	if err := s.reg.Save(); err != nil {
		supLog.Warn("registry_save_failed", slog.String("error", err.Error()))
	}
	if err := s.signals.Forget(events.QuitRequest(id)); err != nil {
		supLog.Debug("quit_signal_close_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// CloseAll closes every running instance and calls onDone after the last
// one is gone.
func (s *Supervisor) CloseAll(onDone func()) {
	ids := s.RunningIDs()
	if len(ids) == 0 {
		if onDone != nil {
			onDone()
		}
		return
	}
	var remaining atomic.Int32
	remaining.Store(int32(len(ids)))
	for _, id := range ids {
		s.Close(id, func(CloseResult) {
			if remaining.Add(-1) == 0 && onDone != nil {
				onDone()
			}
		})
	}
}

// Repair rebuilds the workspace of an instance that needs repair.
func (s *Supervisor) Repair(ctx context.Context, id string, onDone func(error)) error {
	if s.secondary {
		return ErrSecondaryProcess
	}
	s.mu.Lock()
	if s.repairing[id] {
		s.mu.Unlock()
		return ErrRepairInProgress
	}
	s.repairing[id] = true
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		delete(s.repairing, id)
		s.mu.Unlock()
	}

	switch s.State(id) {
	case NeedsRepair:
	case NotCreated:
		release()
		return registry.ErrNotFound
	case SettingUp:
		release()
		return ErrRepairInProgress
	default:
		release()
		return ErrRepairNotNeeded
	}

	err := s.reg.Rebuild(ctx, id, func(err error) {
		release()
		s.notify(id)
		if onDone != nil {
			onDone(err)
		}
	})
	if err != nil {
		release()
		return err
	}
	supLog.Info("instance_repair_started", slog.String("id", id))
	s.notify(id)
	return nil
}

// Remove deletes the workspace and record of a stopped instance.
func (s *Supervisor) Remove(ctx context.Context, id string, onDone func(error)) error {
	if s.secondary {
		return ErrSecondaryProcess
	}
	inst := s.reg.Find(id)
	if inst == nil {
		return registry.ErrNotFound
	}
	workspace := s.reg.WorkspacePath(id)
	err := s.reg.Remove(ctx, inst, func(err error) {
		if err == nil && s.hostReg != nil {
			s.hostReg.DeleteHostRegistration(context.Background(), workspace)
		}
		s.notify(id)
		if onDone != nil {
			onDone(err)
		}
	})
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

// Reattach adopts processes recorded by an earlier orchestrator. Rows whose
// process is gone, or whose pid now belongs to another process, are
// dropped. It returns the number of adopted processes.
func (s *Supervisor) Reattach() (int, error) {
	if s.db == nil || s.secondary {
		return 0, nil
	}
	rows, err := s.db.LoadProcesses()
	if err != nil {
		return 0, fmt.Errorf("load processes: %w", err)
	}
	adopted := 0
	for _, row := range rows {
		s.mu.Lock()
		_, known := s.procs[row.InstanceID]
		s.mu.Unlock()
		if known {
			continue
		}
		if !sameProcess(row) {
			supLog.Info("stale_process_dropped", slog.String("id", row.InstanceID), slog.Int("pid", row.PID))
			if err := s.db.DeleteProcess(row.InstanceID); err != nil {
				supLog.Warn("process_row_delete_failed", slog.String("id", row.InstanceID), slog.String("error", err.Error()))
			}
			continue
		}
		p := &proc{pid: row.PID, createTime: row.CreateTime, done: make(chan struct{})}
		s.mu.Lock()
		s.procs[row.InstanceID] = p
		s.mu.Unlock()
		go s.watchAdopted(row.InstanceID, p)
		adopted++
		supLog.Info("process_reattached", slog.String("id", row.InstanceID), slog.Int("pid", row.PID))
		s.notify(row.InstanceID)
	}
	return adopted, nil
}

// sameProcess rejects a recycled pid by comparing creation times. A zero
// time on either side falls back to liveness alone.
func sameProcess(row *statedb.ProcessRow) bool {
	if !processAlive(row.PID) {
		return false
	}
	if row.CreateTime == 0 {
		return true
	}
	ct := processCreateTime(row.PID)
	return ct == 0 || ct == row.CreateTime
}

// Detach stops watching processes without touching them. Spawned hosts
// keep running in their own process groups.
func (s *Supervisor) Detach() {
	s.cancel()
}
