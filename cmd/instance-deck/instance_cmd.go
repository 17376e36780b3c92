package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/asheshgoplani/instance-deck/internal/deck"
	"github.com/asheshgoplani/instance-deck/internal/registry"
	"github.com/asheshgoplani/instance-deck/internal/supervisor"
)

// Bounds for one-shot commands waiting on a background operation.
const (
	buildTimeout = 30 * time.Minute
	closeTimeout = 3 * supervisor.DefaultGracePeriod
	readyTimeout = 5 * time.Minute
)

// outputFlags registers --json and -q/--quiet on fs.
func outputFlags(fs *flag.FlagSet) func() *CLIOutput {
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("quiet", false, "Minimal output")
	quietShort := fs.Bool("q", false, "Minimal output (short)")
	return func() *CLIOutput {
		return NewCLIOutput(*jsonOutput, *quiet || *quietShort)
	}
}

// withDeck opens the orchestrator context, runs fn and releases it.
func withDeck(project string, out *CLIOutput, fn func(d *deck.Deck) int) int {
	d, err := openDeck(project)
	if err != nil {
		out.Error(fmt.Sprintf("failed to open project: %v", err), ErrCodeInvalidOperation)
		return 1
	}
	defer d.Close()
	return fn(d)
}

// resolveArg resolves the first positional argument to an instance.
func resolveArg(d *deck.Deck, fs *flag.FlagSet, out *CLIOutput) *registry.Instance {
	inst, msg, code := ResolveInstance(fs.Arg(0), d.Registry.List())
	if inst == nil {
		out.Error(msg, code)
		return nil
	}
	return inst
}

// wait blocks until ch delivers or timeout elapses.
func wait[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

type instanceJSON struct {
	ID                         string    `json:"id"`
	State                      string    `json:"state"`
	Workspace                  string    `json:"workspace"`
	PreferredLayout            string    `json:"preferred_layout"`
	AutoSync                   bool      `json:"auto_sync"`
	EnterPlayModeAutomatically bool      `json:"enter_play_mode_automatically"`
	Scenes                     []string  `json:"scenes"`
	PID                        int       `json:"pid,omitempty"`
	CreatedAt                  time.Time `json:"created_at"`
	// HostScenes is what the host last recorded in its workspace (status only).
	HostScenes                 []string  `json:"host_scenes,omitempty"`
}

func toJSON(d *deck.Deck, inst *registry.Instance) instanceJSON {
	scenes := inst.Scenes
	if scenes == nil {
		scenes = []string{}
	}
	return instanceJSON{
		ID:                         inst.ID,
		State:                      d.Supervisor.State(inst.ID).String(),
		Workspace:                  d.Registry.WorkspacePath(inst.ID),
		PreferredLayout:            inst.PreferredLayout,
		AutoSync:                   inst.AutoSync,
		EnterPlayModeAutomatically: inst.EnterPlayModeAutomatically,
		Scenes:                     scenes,
		PID:                        d.Supervisor.PID(inst.ID),
		CreatedAt:                  inst.CreatedAt,
	}
}

func handleCreate(project string, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	output := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck create [options]")
		fmt.Println()
		fmt.Println("Mirror the project into a new secondary instance.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := output()

	return withDeck(project, out, func(d *deck.Deck) int {
		// Ctrl-C aborts the mirror; the record is kept for repair.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		done := make(chan error, 1)
		inst, err := d.Supervisor.Create(ctx, func(_ *registry.Instance, err error) { done <- err })
		if err != nil {
			out.Error(err.Error(), errorCode(err))
			return 1
		}
		if !out.jsonMode && !out.quietMode {
			fmt.Printf("Creating instance %s...\n", inst.ID)
		}
		err, ok := wait(done, buildTimeout)
		if !ok {
			out.Error("timed out waiting for the workspace", ErrCodeTimeout)
			return 1
		}
		if err != nil {
			out.Error(fmt.Sprintf("instance %s: workspace setup failed: %v", inst.ID, err), errorCode(err))
			return 1
		}
		out.Success(
			fmt.Sprintf("Created instance %s at %s", inst.ID, FormatPath(d.Registry.WorkspacePath(inst.ID))),
			toJSON(d, d.Registry.Find(inst.ID)),
		)
		return 0
	})
}

func handleList(project string, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck list [options]")
		fmt.Println()
		fmt.Println("List the secondary instances of the project.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false)

	return withDeck(project, out, func(d *deck.Deck) int {
		instances := d.Registry.List()
		if *jsonOutput {
			items := make([]instanceJSON, len(instances))
			for i, inst := range instances {
				items[i] = toJSON(d, inst)
			}
			out.printJSON(items)
			return 0
		}

		if len(instances) == 0 {
			fmt.Printf("No instances for %s.\n", FormatPath(d.PrimaryRoot))
			return 0
		}

		fmt.Printf("Project: %s\n\n", FormatPath(d.PrimaryRoot))
		fmt.Println(headerStyle.Render(strings.Join([]string{
			padCell("ID", tableColID),
			padCell("STATE", tableColState),
			padCell("LAYOUT", tableColLayout),
			padCell("SYNC", tableColFlag),
			padCell("PLAY", tableColFlag),
			padCell("SCENES", tableColScenes),
			"WORKSPACE",
		}, " ")))
		fmt.Println(dimStyle.Render(strings.Repeat("-", tableColID+tableColState+tableColLayout+2*tableColFlag+tableColScenes+40)))
		for _, inst := range instances {
			fmt.Println(strings.Join([]string{
				padCell(inst.ID, tableColID),
				renderState(d.Supervisor.State(inst.ID), tableColState),
				padCell(inst.PreferredLayout, tableColLayout),
				padCell(yesNo(inst.AutoSync), tableColFlag),
				padCell(yesNo(inst.EnterPlayModeAutomatically), tableColFlag),
				padCell(strconv.Itoa(len(inst.Scenes)), tableColScenes),
				FormatPath(d.Registry.WorkspacePath(inst.ID)),
			}, " "))
		}
		fmt.Printf("\nTotal: %d instances\n", len(instances))
		return 0
	})
}

func handleStatus(project string, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck status [id] [options]")
		fmt.Println()
		fmt.Println("Show one instance in detail, or a summary of all instances.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false)

	return withDeck(project, out, func(d *deck.Deck) int {
		if fs.NArg() == 0 {
			counts := make(map[string]int)
			for _, inst := range d.Registry.List() {
				counts[d.Supervisor.State(inst.ID).String()]++
			}
			var b strings.Builder
			for _, s := range []supervisor.State{supervisor.Running, supervisor.Closing, supervisor.Ready, supervisor.SettingUp, supervisor.NeedsRepair} {
				if n := counts[s.String()]; n > 0 {
					fmt.Fprintf(&b, "%s %d %s\n", StateSymbol(s), n, s)
				}
			}
			if b.Len() == 0 {
				b.WriteString("No instances.\n")
			}
			out.Print(b.String(), counts)
			return 0
		}

		inst := resolveArg(d, fs, out)
		if inst == nil {
			return 1
		}
		info := toJSON(d, inst)
		hostScenes, err := d.Supervisor.HostScenes(inst.ID)
		if err != nil {
			cliLog.Debug("host_scenes_unreadable", slog.String("id", inst.ID), slog.String("error", err.Error()))
		}
		info.HostScenes = hostScenes
		var b strings.Builder
		fmt.Fprintf(&b, "Instance:  %s\n", inst.ID)
		fmt.Fprintf(&b, "State:     %s\n", renderState(d.Supervisor.State(inst.ID), 0))
		fmt.Fprintf(&b, "Workspace: %s\n", FormatPath(info.Workspace))
		if info.PID > 0 {
			fmt.Fprintf(&b, "PID:       %d\n", info.PID)
		}
		fmt.Fprintf(&b, "Layout:    %s\n", inst.PreferredLayout)
		fmt.Fprintf(&b, "Auto sync: %s\n", yesNo(inst.AutoSync))
		fmt.Fprintf(&b, "Play mode: %s\n", yesNo(inst.EnterPlayModeAutomatically))
		fmt.Fprintf(&b, "Created:   %s\n", inst.CreatedAt.Local().Format(time.DateTime))
		if len(inst.Scenes) > 0 {
			b.WriteString("Scenes:\n")
			for _, s := range inst.Scenes {
				fmt.Fprintf(&b, "  %s %s\n", bulletSymbol, s)
			}
		}
		if len(hostScenes) > 0 && !slices.Equal(hostScenes, inst.Scenes) {
			b.WriteString("Open in host:\n")
			for _, s := range hostScenes {
				fmt.Fprintf(&b, "  %s %s\n", bulletSymbol, s)
			}
		}
		out.Print(b.String(), info)
		return 0
	})
}

func handleOpen(project string, args []string) int {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	output := outputFlags(fs)
	waitReady := fs.Bool("wait", false, "Wait until the instance reports it is ready")
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck open <id> [options]")
		fmt.Println()
		fmt.Println("Launch the host application on an instance's workspace.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := output()

	return withDeck(project, out, func(d *deck.Deck) int {
		inst := resolveArg(d, fs, out)
		if inst == nil {
			return 1
		}
		ctx := context.Background()

		ready := make(chan struct{}, 1)
		if *waitReady {
			err := d.Router.WatchReady(ctx, inst.ID, func() {
				select {
				case ready <- struct{}{}:
				default:
				}
			})
			if err != nil {
				out.Error(fmt.Sprintf("watch ready: %v", err), ErrCodeInvalidOperation)
				return 1
			}
		}

		if err := d.Supervisor.Open(ctx, inst.ID); err != nil {
			out.Error(fmt.Sprintf("open %s: %v", inst.ID, err), errorCode(err))
			return 1
		}
		if *waitReady {
			if _, ok := wait(ready, readyTimeout); !ok {
				out.Error(fmt.Sprintf("instance %s did not report ready", inst.ID), ErrCodeTimeout)
				return 1
			}
		}
		out.Success(fmt.Sprintf("Opened instance %s (pid %d)", inst.ID, d.Supervisor.PID(inst.ID)), toJSON(d, inst))
		return 0
	})
}

func handleClose(project string, args []string) int {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	output := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck close <id> [options]")
		fmt.Println()
		fmt.Println("Ask an instance to quit. Its process group is killed when it")
		fmt.Println("does not exit within the grace period.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := output()

	return withDeck(project, out, func(d *deck.Deck) int {
		if d.Role == deck.RoleSecondary {
			out.Error(supervisor.ErrSecondaryProcess.Error(), ErrCodeInvalidOperation)
			return 1
		}
		inst := resolveArg(d, fs, out)
		if inst == nil {
			return 1
		}
		if !d.Supervisor.IsRunning(inst.ID) {
			out.Success(fmt.Sprintf("Instance %s is not running", inst.ID), map[string]interface{}{
				"success": true, "id": inst.ID, "closed": false,
			})
			return 0
		}

		done := make(chan supervisor.CloseResult, 1)
		d.Supervisor.Close(inst.ID, func(res supervisor.CloseResult) { done <- res })
		res, ok := wait(done, closeTimeout)
		if !ok {
			out.Error(fmt.Sprintf("instance %s did not close", inst.ID), ErrCodeTimeout)
			return 1
		}
		msg := fmt.Sprintf("Closed instance %s", inst.ID)
		if res.Forced {
			msg += " (killed after the grace period)"
		}
		out.Success(msg, map[string]interface{}{
			"success": true, "id": inst.ID, "closed": true, "forced": res.Forced,
		})
		return 0
	})
}

func handleRepair(project string, args []string) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	output := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck repair <id> [options]")
		fmt.Println()
		fmt.Println("Rebuild the workspace of an instance that needs repair.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := output()

	return withDeck(project, out, func(d *deck.Deck) int {
		inst := resolveArg(d, fs, out)
		if inst == nil {
			return 1
		}
		done := make(chan error, 1)
		if err := d.Supervisor.Repair(context.Background(), inst.ID, func(err error) { done <- err }); err != nil {
			out.Error(fmt.Sprintf("repair %s: %v", inst.ID, err), errorCode(err))
			return 1
		}
		err, ok := wait(done, buildTimeout)
		if !ok {
			out.Error("timed out waiting for the workspace", ErrCodeTimeout)
			return 1
		}
		if err != nil {
			out.Error(fmt.Sprintf("repair %s: %v", inst.ID, err), errorCode(err))
			return 1
		}
		out.Success(fmt.Sprintf("Repaired instance %s", inst.ID), toJSON(d, inst))
		return 0
	})
}

func handleRemove(project string, args []string) int {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	output := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck remove <id> [options]")
		fmt.Println()
		fmt.Println("Delete an instance and its workspace. Running instances must be")
		fmt.Println("closed first.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := output()

	return withDeck(project, out, func(d *deck.Deck) int {
		inst := resolveArg(d, fs, out)
		if inst == nil {
			return 1
		}
		done := make(chan error, 1)
		if err := d.Supervisor.Remove(context.Background(), inst.ID, func(err error) { done <- err }); err != nil {
			out.Error(fmt.Sprintf("remove %s: %v", inst.ID, err), errorCode(err))
			return 1
		}
		err, ok := wait(done, buildTimeout)
		if !ok {
			out.Error("timed out removing the workspace", ErrCodeTimeout)
			return 1
		}
		if err != nil {
			out.Error(fmt.Sprintf("remove %s: %v (the instance was kept)", inst.ID, err), errorCode(err))
			return 1
		}
		out.Success(fmt.Sprintf("Removed instance %s", inst.ID), map[string]interface{}{
			"success": true, "id": inst.ID, "removed": true,
		})
		return 0
	})
}

func handleSet(project string, args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	output := outputFlags(fs)
	layout := fs.String("layout", "", "Preferred window layout")
	autoSync := fs.Bool("auto-sync", true, "Refresh assets when the primary changes them")
	followPlay := fs.Bool("follow-play-mode", true, "Enter and exit play mode with the primary")
	scenes := fs.String("scenes", "", "Comma separated scene list, first is active (replaces the list)")
	addScene := fs.String("add-scene", "", "Add a scene")
	removeScene := fs.String("remove-scene", "", "Remove a scene")
	moveScene := fs.String("move-scene", "", "Move a scene: <path>=<index>")
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck set <id> [options]")
		fmt.Println()
		fmt.Println("Change instance settings. Only the given options change.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  instance-deck set a1b2 --layout Tall --auto-sync=false")
		fmt.Println("  instance-deck set a1b2 --scenes Assets/Main.unity,Assets/UI.unity")
		fmt.Println("  instance-deck set a1b2 --move-scene Assets/UI.unity=0")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := output()

	given := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { given[f.Name] = true })

	return withDeck(project, out, func(d *deck.Deck) int {
		if d.Role == deck.RoleSecondary {
			out.Error(supervisor.ErrSecondaryProcess.Error(), ErrCodeInvalidOperation)
			return 1
		}
		inst := resolveArg(d, fs, out)
		if inst == nil {
			return 1
		}
		if given["layout"] {
			inst.PreferredLayout = *layout
		}
		if given["auto-sync"] {
			inst.AutoSync = *autoSync
		}
		if given["follow-play-mode"] {
			inst.EnterPlayModeAutomatically = *followPlay
		}
		if given["scenes"] {
			inst.Scenes = nil
			for _, s := range splitList(*scenes) {
				inst.SetScene(s, true)
			}
		}
		if *addScene != "" {
			inst.SetScene(*addScene, true)
		}
		if *removeScene != "" {
			inst.SetScene(*removeScene, false)
		}
		if *moveScene != "" {
			path, index, err := parseSceneMove(*moveScene)
			if err != nil {
				out.Error(err.Error(), ErrCodeInvalidOperation)
				return 1
			}
			inst.MoveScene(path, index)
		}

		if err := d.Registry.Update(inst); err != nil {
			out.Error(fmt.Sprintf("save settings: %v", err), errorCode(err))
			return 1
		}
		out.Success(fmt.Sprintf("Updated instance %s", inst.ID), toJSON(d, d.Registry.Find(inst.ID)))
		return 0
	})
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSceneMove parses "<path>=<index>".
func parseSceneMove(s string) (string, int, error) {
	i := strings.LastIndex(s, "=")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid --move-scene %q: want <path>=<index>", s)
	}
	index, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid --move-scene index %q", s[i+1:])
	}
	return s[:i], index, nil
}

func handleWhoami(project string, args []string) int {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false)

	return withDeck(project, out, func(d *deck.Deck) int {
		info := map[string]interface{}{
			"role":           string(d.Role),
			"project_root":   d.ProjectRoot,
			"primary_root":   d.PrimaryRoot,
			"instances_root": d.InstancesRoot,
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Role:      %s\n", d.Role)
		fmt.Fprintf(&b, "Project:   %s\n", FormatPath(d.ProjectRoot))
		if d.Self != nil {
			info["id"] = d.Self.ID
			fmt.Fprintf(&b, "Instance:  %s\n", d.Self.ID)
			fmt.Fprintf(&b, "Primary:   %s\n", FormatPath(d.PrimaryRoot))
		}
		fmt.Fprintf(&b, "Instances: %s\n", FormatPath(d.InstancesRoot))
		out.Print(b.String(), info)
		return 0
	})
}
