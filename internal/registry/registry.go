package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/logging"
	"github.com/asheshgoplani/instance-deck/internal/mainloop"
	"github.com/asheshgoplani/instance-deck/internal/mirror"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// DocumentName is the registry file inside the instances root.
const DocumentName = "instances.json"

var (
	ErrNotFound        = errors.New("instance not found")
	ErrInstanceRunning = errors.New("instance is running")
	ErrBusy            = errors.New("instance is setting up or tearing down")
)

// Workspaces builds and deletes workspace trees. *mirror.Mirror implements it.
type Workspaces interface {
	Create(ctx context.Context, source, target string) error
	Delete(ctx context.Context, target string) error
}

// RunningChecker reports whether an instance has a live process.
type RunningChecker interface {
	IsRunning(id string) bool
}

type document struct {
	Instances []*Instance `json:"instances"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithRunningChecker sets the liveness source consulted by Remove.
func WithRunningChecker(rc RunningChecker) Option {
	return func(r *Registry) { r.running = rc }
}

// WithDispatcher sets where completion callbacks run.
func WithDispatcher(d mainloop.Dispatcher) Option {
	return func(r *Registry) { r.dispatcher = d }
}

// WithSourceRoot sets the primary project mirrored into new workspaces.
func WithSourceRoot(root string) Option {
	return func(r *Registry) { r.source = root }
}

// WithIDSource replaces the id candidate generator.
func WithIDSource(src IDSource) Option {
	return func(r *Registry) { r.idSource = src }
}

// Registry is the persisted list of secondary instances of one primary
// project. Every change reads the document in full, applies the change in
// memory and writes the document in full.
type Registry struct {
	root       string
	source     string
	workspaces Workspaces
	running    RunningChecker
	dispatcher mainloop.Dispatcher
	idSource   IDSource

	mu        sync.Mutex
	instances []*Instance
	// ids with a setup or teardown running in this process
	inflight map[string]bool
	onSave   func()

	wg sync.WaitGroup
}

// Open returns a registry rooted at root. It does not read the document;
// call Load.
func Open(root string, ws Workspaces, opts ...Option) *Registry {
	r := &Registry{
		root:       root,
		workspaces: ws,
		dispatcher: mainloop.Inline{},
		idSource:   TimeIDSource,
		inflight:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Root returns the instances root.
func (r *Registry) Root() string {
	return r.root
}

// SourceRoot returns the primary project root.
func (r *Registry) SourceRoot() string {
	return r.source
}

// Path returns the registry document path.
func (r *Registry) Path() string {
	return filepath.Join(r.root, DocumentName)
}

// WorkspacePath returns where the workspace of id lives.
func (r *Registry) WorkspacePath(id string) string {
	return filepath.Join(r.root, id)
}

// SetRunningChecker replaces the liveness source after construction.
func (r *Registry) SetRunningChecker(rc RunningChecker) {
	r.mu.Lock()
	r.running = rc
	r.mu.Unlock()
}

// SetSaveHook registers fn to run after every write of the document.
func (r *Registry) SetSaveHook(fn func()) {
	r.mu.Lock()
	r.onSave = fn
	r.mu.Unlock()
}

// Load replaces the in-memory list with the document on disk. A missing
// document is an empty registry. On a parse error the current list is kept.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	data, err := os.ReadFile(r.Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse registry %s: %w", r.Path(), err)
		}
	}

	loaded := make([]*Instance, 0, len(doc.Instances))
	seen := make(map[string]bool, len(doc.Instances))
	for _, inst := range doc.Instances {
		if inst == nil || inst.ID == "" || seen[inst.ID] {
			continue
		}
		// A local setup outlives any document written before it started.
		if cur := r.findLocked(inst.ID); cur != nil && r.inflight[inst.ID] {
			inst.Phase, inst.PhasePID, inst.PhaseSince = cur.Phase, cur.PhasePID, cur.PhaseSince
		}
		seen[inst.ID] = true
		loaded = append(loaded, inst)
	}
	for _, cur := range r.instances {
		if r.inflight[cur.ID] && !seen[cur.ID] {
			loaded = append(loaded, cur)
		}
	}
	r.instances = loaded
	return nil
}

// refreshLocked reads the document before a change. An unreadable document
// leaves the in-memory list in place.
func (r *Registry) refreshLocked() {
	if err := r.loadLocked(); err != nil {
		regLog.Warn("registry_refresh_failed", slog.String("error", err.Error()))
	}
}

// Save reads the document and writes it back.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	doc := document{Instances: r.instances, UpdatedAt: time.Now().UTC()}
	if doc.Instances == nil {
		doc.Instances = []*Instance{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("create instances root: %w", err)
	}
	if err := config.WriteFileAtomic(r.Path(), data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if r.onSave != nil {
		r.onSave()
	}
	return nil
}

func (r *Registry) findLocked(id string) *Instance {
	for _, inst := range r.instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// Find returns a copy of the record for id, or nil.
func (r *Registry) Find(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(id).Clone()
}

// List returns copies of all records in creation order.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// IDs returns the ids of all records.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.instances))
	for _, inst := range r.instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

func (r *Registry) idAvailableLocked(id string) bool {
	if r.findLocked(id) != nil {
		return false
	}
	_, err := os.Lstat(r.WorkspacePath(id))
	return errors.Is(err, os.ErrNotExist)
}

// Create registers a new instance tagged as setting up and builds its
// workspace in the background. onComplete runs on the dispatcher once the
// workspace is ready or the build failed; a failed record stays in the
// registry and is eligible for repair.
func (r *Registry) Create(ctx context.Context, onComplete func(*Instance, error)) (*Instance, error) {
	r.mu.Lock()
	r.refreshLocked()
	id := GenerateID(r.idSource, r.idAvailableLocked)
	inst := NewInstance(id)
	inst.setPhase(PhaseSettingUp)
	r.instances = append(r.instances, inst)
	r.inflight[id] = true
	if err := r.saveLocked(); err != nil {
		r.dropLocked(id)
		delete(r.inflight, id)
		r.mu.Unlock()
		return nil, err
	}
	created := inst.Clone()
	r.mu.Unlock()

	regLog.Info("instance_create_started", slog.String("id", id), slog.String("workspace", r.WorkspacePath(id)))
	r.build(ctx, id, func(err error) {
		if onComplete != nil {
			onComplete(r.Find(id), err)
		}
	})
	return created, nil
}

// Rebuild recreates the workspace of an existing record. The record is
// tagged as setting up for the duration. A tag left by a process that is
// gone does not block it.
func (r *Registry) Rebuild(ctx context.Context, id string, onComplete func(error)) error {
	r.mu.Lock()
	r.refreshLocked()
	inst := r.findLocked(id)
	if inst == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	if r.phaseLiveLocked(inst) {
		r.mu.Unlock()
		return ErrBusy
	}
	inst.setPhase(PhaseSettingUp)
	r.inflight[id] = true
	if err := r.saveLocked(); err != nil {
		inst.clearPhase()
		delete(r.inflight, id)
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	regLog.Info("instance_rebuild_started", slog.String("id", id))
	r.build(ctx, id, onComplete)
	return nil
}

// build mirrors the source into the workspace of id, then clears the
// phase tag and writes the marker.
func (r *Registry) build(ctx context.Context, id string, done func(error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		workspace := r.WorkspacePath(id)
		err := r.workspaces.Create(ctx, r.source, workspace)

		r.mu.Lock()
		r.refreshLocked()
		delete(r.inflight, id)
		inst := r.findLocked(id)
		if inst != nil {
			inst.clearPhase()
			if err == nil {
				err = WriteMarker(workspace, r.markerLocked(inst))
			}
			if saveErr := r.saveLocked(); saveErr != nil && err == nil {
				err = saveErr
			}
		}
		r.mu.Unlock()

		if err != nil {
			attrs := []any{slog.String("id", id), slog.String("error", err.Error())}
			var he *mirror.HelperError
			if errors.As(err, &he) {
				attrs = append(attrs, slog.Int("helper_exit", he.Code), slog.String("helper_stderr", he.Stderr))
			}
			regLog.Error("instance_build_failed", attrs...)
		} else {
			regLog.Info("instance_build_complete", slog.String("id", id))
		}
		r.dispatcher.Post(func() { done(err) })
	}()
}

func (r *Registry) markerLocked(inst *Instance) *Marker {
	m := &Marker{Instance: *inst.Clone(), PrimaryRoot: r.source, InstancesRoot: r.root}
	m.clearPhase()
	return m
}

// Remove deletes the workspace of inst and then its record. It fails with
// ErrInstanceRunning, leaving everything untouched, while the instance has
// a live process. A failed delete keeps the record.
func (r *Registry) Remove(ctx context.Context, inst *Instance, onComplete func(error)) error {
	if inst == nil {
		return ErrNotFound
	}
	id := inst.ID

	r.mu.Lock()
	if r.running != nil && r.running.IsRunning(id) {
		r.mu.Unlock()
		return ErrInstanceRunning
	}
	r.refreshLocked()
	rec := r.findLocked(id)
	if rec == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	if r.phaseLiveLocked(rec) {
		r.mu.Unlock()
		return ErrBusy
	}
	rec.setPhase(PhaseTearingDown)
	r.inflight[id] = true
	if err := r.saveLocked(); err != nil {
		rec.clearPhase()
		delete(r.inflight, id)
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	regLog.Info("instance_remove_started", slog.String("id", id))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.workspaces.Delete(ctx, r.WorkspacePath(id))

		r.mu.Lock()
		r.refreshLocked()
		delete(r.inflight, id)
		if err == nil {
			r.dropLocked(id)
		} else if rec := r.findLocked(id); rec != nil {
			rec.clearPhase()
		}
		if saveErr := r.saveLocked(); saveErr != nil && err == nil {
			err = saveErr
		}
		r.mu.Unlock()

		if err != nil {
			regLog.Error("instance_remove_failed", slog.String("id", id), slog.String("error", err.Error()))
		} else {
			regLog.Info("instance_removed", slog.String("id", id))
		}
		if onComplete != nil {
			r.dispatcher.Post(func() { onComplete(err) })
		}
	}()
	return nil
}

func (r *Registry) dropLocked(id string) {
	for i, inst := range r.instances {
		if inst.ID == id {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			return
		}
	}
}

// Update copies the user-editable settings of inst into the stored record,
// persists the registry and refreshes the workspace marker.
func (r *Registry) Update(inst *Instance) error {
	if inst == nil {
		return ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked()
	rec := r.findLocked(inst.ID)
	if rec == nil {
		return ErrNotFound
	}
	rec.applySettings(inst)
	if err := r.saveLocked(); err != nil {
		return err
	}
	workspace := r.WorkspacePath(rec.ID)
	if !r.phaseLiveLocked(rec) && HasMarker(workspace) {
		if err := WriteMarker(workspace, r.markerLocked(rec)); err != nil {
			return err
		}
	}
	return nil
}

// IsSettingUp reports whether id has a setup or teardown in progress, in
// this process or in another live one.
func (r *Registry) IsSettingUp(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phaseLiveLocked(r.findLocked(id))
}

// NeedsRepair reports whether the workspace of inst is missing, empty or
// lacks its marker. Records with a live phase tag never need repair; a
// stale tag is ignored.
func (r *Registry) NeedsRepair(inst *Instance) bool {
	if inst == nil {
		return false
	}
	r.mu.Lock()
	rec := r.findLocked(inst.ID)
	busy := rec == nil || r.phaseLiveLocked(rec)
	r.mu.Unlock()
	if busy {
		return false
	}
	workspace := r.WorkspacePath(inst.ID)
	return mirror.IsEmptyOrMissing(workspace) || !HasMarker(workspace)
}

// ClearStalePhases drops phase tags left behind by a process that died
// mid setup or teardown.
func (r *Registry) ClearStalePhases() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked()
	cleared := 0
	for _, inst := range r.instances {
		if inst.Phase != PhaseNone && !r.phaseLiveLocked(inst) {
			regLog.Warn("stale_phase_cleared", slog.String("id", inst.ID), slog.String("phase", string(inst.Phase)))
			inst.clearPhase()
			cleared++
		}
	}
	if cleared == 0 {
		return 0, nil
	}
	return cleared, r.saveLocked()
}

// Wait blocks until background setups and teardowns have finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}
