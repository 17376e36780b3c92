//go:build unix

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/crossproc"
	"github.com/asheshgoplani/instance-deck/internal/events"
	"github.com/asheshgoplani/instance-deck/internal/registry"
	"github.com/asheshgoplani/instance-deck/internal/statedb"
)

type fakeWorkspaces struct {
	gate chan struct{}
}

func (f *fakeWorkspaces) Create(ctx context.Context, source, target string) error {
	if f.gate != nil {
		<-f.gate
	}
	return os.MkdirAll(filepath.Join(target, "Assets"), 0o755)
}

func (f *fakeWorkspaces) Delete(ctx context.Context, target string) error {
	return os.RemoveAll(target)
}

type recordingHostReg struct {
	mu      sync.Mutex
	targets []string
}

func (r *recordingHostReg) DeleteHostRegistration(ctx context.Context, target string) {
	r.mu.Lock()
	r.targets = append(r.targets, target)
	r.mu.Unlock()
}

func (r *recordingHostReg) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

type fixture struct {
	root      string
	sigDir    string
	ws        *fakeWorkspaces
	reg       *registry.Registry
	set       *crossproc.Set
	db        *statedb.StateDB
	hostReg   *recordingHostReg
	sup       *Supervisor
	readyFile string
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	base := t.TempDir()
	fx := &fixture{
		root:      filepath.Join(base, "instances"),
		sigDir:    filepath.Join(base, "signals"),
		ws:        &fakeWorkspaces{},
		hostReg:   &recordingHostReg{},
		readyFile: filepath.Join(base, "ready"),
	}
	next := 0
	fx.reg = registry.Open(fx.root, fx.ws, registry.WithIDSource(func(int) string {
		next++
		return fmt.Sprintf("i%d", next)
	}))

	factory, err := crossproc.NewFileFactory(fx.sigDir)
	require.NoError(t, err)
	fx.set = crossproc.NewSet(crossproc.WithFactory(factory), crossproc.WithWaitTimeout(50*time.Millisecond))
	t.Cleanup(func() { fx.set.Close() })

	fx.db, err = statedb.Open(filepath.Join(base, statedb.FileName))
	require.NoError(t, err)
	require.NoError(t, fx.db.Migrate())
	t.Cleanup(func() { fx.db.Close() })

	t.Setenv("SUPERVISOR_FAKE_HOST", mode)
	t.Setenv("SUPERVISOR_SIGNAL_DIR", fx.sigDir)
	t.Setenv("SUPERVISOR_READY_FILE", fx.readyFile)

	fx.sup = fx.newSupervisor(false)
	return fx
}

func (fx *fixture) newSupervisor(secondary bool) *Supervisor {
	sup := New(Options{
		Registry: fx.reg,
		Signals:  fx.set,
		State:    fx.db,
		Host: config.HostSettings{
			Executable: os.Args[0],
			Args:       []string{"-projectPath", "{project}"},
		},
		CacheDir:         "Library",
		HostRegistration: fx.hostReg,
		Secondary:        secondary,
	})
	sup.grace = 300 * time.Millisecond
	return sup
}

func (fx *fixture) create(t *testing.T) string {
	t.Helper()
	done := make(chan error, 1)
	inst, err := fx.sup.Create(context.Background(), func(_ *registry.Instance, err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, <-done)
	t.Setenv("SUPERVISOR_INSTANCE_ID", inst.ID)
	return inst.ID
}

func (fx *fixture) waitReady(t *testing.T) string {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(fx.readyFile)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond, "fake host never became ready")
	require.NoError(t, os.Remove(fx.readyFile))
	return string(data)
}

func closeAndWait(t *testing.T, sup *Supervisor, id string) CloseResult {
	t.Helper()
	done := make(chan CloseResult, 1)
	sup.Close(id, func(res CloseResult) { done <- res })
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("close never completed")
		return CloseResult{}
	}
}

func sameDir(t *testing.T, a, b string) bool {
	t.Helper()
	ra, err := filepath.EvalSymlinks(a)
	require.NoError(t, err)
	rb, err := filepath.EvalSymlinks(b)
	require.NoError(t, err)
	return ra == rb
}

func TestState_Derivation(t *testing.T) {
	fx := newFixture(t, "obey")
	assert.Equal(t, NotCreated, fx.sup.State("nope"))

	id := fx.create(t)
	assert.Equal(t, Ready, fx.sup.State(id))

	require.NoError(t, os.Remove(registry.MarkerPath(fx.reg.WorkspacePath(id))))
	assert.Equal(t, NeedsRepair, fx.sup.State(id))
}

func TestOpenClose_GracefulQuit(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)

	inst := fx.reg.Find(id)
	inst.SetScene("Assets/Main.unity", true)
	require.NoError(t, fx.reg.Update(inst))

	var events []Event
	var evMu sync.Mutex
	unsubscribe := fx.sup.Subscribe(func(ev Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, fx.sup.Open(context.Background(), id))
	assert.Equal(t, Running, fx.sup.State(id))
	require.NoError(t, fx.sup.Open(context.Background(), id), "opening a running instance is a no-op")

	workspace := fx.reg.WorkspacePath(id)
	cwd := fx.waitReady(t)
	assert.True(t, sameDir(t, workspace, cwd))

	scenes, err := ReadScenes(filepath.Join(workspace, "Library", SceneFileName))
	require.NoError(t, err)
	assert.Equal(t, []string{"Assets/Main.unity"}, scenes)
	hostScenes, err := fx.sup.HostScenes(id)
	require.NoError(t, err)
	assert.Equal(t, scenes, hostScenes)

	row, err := fx.db.LoadProcess(id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, fx.sup.PID(id), row.PID)

	res := closeAndWait(t, fx.sup, id)
	assert.False(t, res.Forced)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, Ready, fx.sup.State(id))

	row, err = fx.db.LoadProcess(id)
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Contains(t, fx.hostReg.seen(), workspace)

	evMu.Lock()
	defer evMu.Unlock()
	var states []State
	for _, ev := range events {
		states = append(states, ev.State)
	}
	assert.Contains(t, states, Running)
	assert.Contains(t, states, Closing)
	assert.Equal(t, Ready, states[len(states)-1])
}

func TestClose_KillsAfterGracePeriod(t *testing.T) {
	fx := newFixture(t, "ignore")
	id := fx.create(t)

	require.NoError(t, fx.sup.Open(context.Background(), id))
	fx.waitReady(t)
	pid := fx.sup.PID(id)
	require.NotZero(t, pid)

	res := closeAndWait(t, fx.sup, id)
	assert.True(t, res.Forced)
	assert.False(t, processAlive(pid))
	assert.Equal(t, Ready, fx.sup.State(id))
}

func TestClose_NotRunningIsNoop(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)
	before, err := os.ReadFile(fx.reg.Path())
	require.NoError(t, err)

	fx.sup.Close(id, func(CloseResult) { t.Fatal("callback for an instance that is not running") })
	fx.sup.Close("nope", nil)
	assert.Equal(t, Ready, fx.sup.State(id))

	after, err := os.ReadFile(fx.reg.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Empty(t, fx.hostReg.seen())
}

func TestOpen_SpawnFailureLeavesNoTrace(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)

	inst := fx.reg.Find(id)
	inst.SetScene("Assets/New.unity", true)
	require.NoError(t, fx.reg.Update(inst))
	scenePath := filepath.Join(fx.reg.WorkspacePath(id), "Library", SceneFileName)
	require.NoError(t, WriteScenes(scenePath, []string{"Assets/Old.unity"}))

	broken := New(Options{
		Registry: fx.reg,
		Signals:  fx.set,
		State:    fx.db,
		Host:     config.HostSettings{Executable: filepath.Join(t.TempDir(), "no-such-host")},
		CacheDir: "Library",
	})
	defer broken.Detach()

	require.Error(t, broken.Open(context.Background(), id))
	assert.Equal(t, Ready, broken.State(id))
	assert.False(t, broken.IsRunning(id))

	row, err := fx.db.LoadProcess(id)
	require.NoError(t, err)
	assert.Nil(t, row)

	assert.Equal(t, crossproc.RoleNone, fx.set.Get(events.QuitRequest(id)).Role(), "quit signal released")

	scenes, err := ReadScenes(scenePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"Assets/Old.unity"}, scenes, "scene file restored")

	require.NoError(t, os.Remove(scenePath))
	require.Error(t, broken.Open(context.Background(), id))
	assert.NoFileExists(t, scenePath)
}

func TestProcessExitIsNoticed(t *testing.T) {
	fx := newFixture(t, "exit")
	id := fx.create(t)

	require.NoError(t, fx.sup.Open(context.Background(), id))
	require.Eventually(t, func() bool { return fx.sup.State(id) == Ready }, 10*time.Second, 20*time.Millisecond)

	row, err := fx.db.LoadProcess(id)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestOpen_RefusedStates(t *testing.T) {
	fx := newFixture(t, "obey")
	assert.ErrorIs(t, fx.sup.Open(context.Background(), "nope"), registry.ErrNotFound)

	id := fx.create(t)
	require.NoError(t, os.RemoveAll(fx.reg.WorkspacePath(id)))
	assert.ErrorIs(t, fx.sup.Open(context.Background(), id), ErrNeedsRepair)
	assert.False(t, fx.sup.IsRunning(id))

	noHost := New(Options{Registry: fx.reg, Signals: fx.set})
	id2 := fx.create(t)
	assert.ErrorIs(t, noHost.Open(context.Background(), id2), ErrNoHostExecutable)
}

func TestSecondaryRefusesManagement(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)
	sec := fx.newSupervisor(true)

	ctx := context.Background()
	assert.ErrorIs(t, sec.Open(ctx, id), ErrSecondaryProcess)
	assert.ErrorIs(t, sec.Repair(ctx, id, nil), ErrSecondaryProcess)
	assert.ErrorIs(t, sec.Remove(ctx, id, nil), ErrSecondaryProcess)
	_, err := sec.Create(ctx, nil)
	assert.ErrorIs(t, err, ErrSecondaryProcess)
}

func TestRepair(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)
	ctx := context.Background()

	assert.ErrorIs(t, fx.sup.Repair(ctx, id, nil), ErrRepairNotNeeded)

	require.NoError(t, os.RemoveAll(fx.reg.WorkspacePath(id)))
	require.Equal(t, NeedsRepair, fx.sup.State(id))

	fx.ws.gate = make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, fx.sup.Repair(ctx, id, func(err error) { done <- err }))
	assert.Equal(t, SettingUp, fx.sup.State(id))
	assert.ErrorIs(t, fx.sup.Repair(ctx, id, nil), ErrRepairInProgress)

	close(fx.ws.gate)
	require.NoError(t, <-done)
	assert.Equal(t, Ready, fx.sup.State(id))
}

func TestRepair_ConcurrentCallsForOneInstance(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)
	require.NoError(t, os.RemoveAll(fx.reg.WorkspacePath(id)))
	require.Equal(t, NeedsRepair, fx.sup.State(id))

	fx.ws.gate = make(chan struct{})
	done := make(chan error, 1)
	const callers = 8
	results := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			results <- fx.sup.Repair(context.Background(), id, func(err error) { done <- err })
		}()
	}
	start.Done()

	accepted := 0
	for i := 0; i < callers; i++ {
		err := <-results
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrRepairInProgress)
	}
	assert.Equal(t, 1, accepted)

	close(fx.ws.gate)
	require.NoError(t, <-done)
	assert.Equal(t, Ready, fx.sup.State(id))
}

func TestStalePhaseTag_ReportsNeedsRepair(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)

	// A create interrupted in another process leaves its tag behind.
	data, err := os.ReadFile(fx.reg.Path())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, raw := range doc["instances"].([]any) {
		rec := raw.(map[string]any)
		if rec["id"] == id {
			rec["phase"] = string(registry.PhaseSettingUp)
			delete(rec, "phase_pid")
		}
	}
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fx.reg.Path(), data, 0o644))
	require.NoError(t, fx.reg.Load())
	require.NoError(t, os.RemoveAll(fx.reg.WorkspacePath(id)))

	assert.Equal(t, NeedsRepair, fx.sup.State(id))
	assert.ErrorIs(t, fx.sup.Open(context.Background(), id), ErrNeedsRepair)

	done := make(chan error, 1)
	require.NoError(t, fx.sup.Repair(context.Background(), id, func(err error) { done <- err }))
	require.NoError(t, <-done)
	assert.Equal(t, Ready, fx.sup.State(id))
}

func TestRemove_RunningInstanceRefused(t *testing.T) {
	fx := newFixture(t, "obey")
	id := fx.create(t)
	require.NoError(t, fx.sup.Open(context.Background(), id))
	fx.waitReady(t)

	err := fx.sup.Remove(context.Background(), id, nil)
	require.ErrorIs(t, err, registry.ErrInstanceRunning)
	assert.NotNil(t, fx.reg.Find(id))

	closeAndWait(t, fx.sup, id)

	done := make(chan error, 1)
	require.NoError(t, fx.sup.Remove(context.Background(), id, func(err error) { done <- err }))
	require.NoError(t, <-done)
	assert.Equal(t, NotCreated, fx.sup.State(id))
}

func TestCloseAll(t *testing.T) {
	fx := newFixture(t, "ignore")
	a := fx.create(t)
	b := fx.create(t)
	require.NoError(t, fx.sup.Open(context.Background(), a))
	fx.waitReady(t)
	require.NoError(t, fx.sup.Open(context.Background(), b))
	fx.waitReady(t)

	done := make(chan struct{})
	fx.sup.CloseAll(func() { close(done) })
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("CloseAll never completed")
	}
	assert.Empty(t, fx.sup.RunningIDs())

	called := false
	fx.sup.CloseAll(func() { called = true })
	assert.True(t, called, "CloseAll with nothing running completes immediately")
}

func TestReattach(t *testing.T) {
	fx := newFixture(t, "ignore")
	id := fx.create(t)

	cmd := exec.Command(os.Args[0])
	configureProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	fx.waitReady(t)

	require.NoError(t, fx.db.SaveProcess(&statedb.ProcessRow{
		InstanceID: id,
		PID:        cmd.Process.Pid,
		CreateTime: processCreateTime(cmd.Process.Pid),
	}))

	dead := exec.Command("true")
	require.NoError(t, dead.Run())
	require.NoError(t, fx.db.SaveProcess(&statedb.ProcessRow{InstanceID: "ghost", PID: dead.Process.Pid, CreateTime: 1}))

	restarted := fx.newSupervisor(false)
	defer restarted.Detach()
	n, err := restarted.Reattach()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, Running, restarted.State(id))

	ghost, err := fx.db.LoadProcess("ghost")
	require.NoError(t, err)
	assert.Nil(t, ghost)

	require.NoError(t, cmd.Process.Kill())
	<-waitErr
	require.Eventually(t, func() bool { return restarted.State(id) == Ready }, 10*time.Second, 50*time.Millisecond)
}
