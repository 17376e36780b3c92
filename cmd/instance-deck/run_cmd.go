package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/asheshgoplani/instance-deck/internal/deck"
	"github.com/asheshgoplani/instance-deck/internal/events"
	"github.com/asheshgoplani/instance-deck/internal/logging"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// shutdownTimeout bounds how long a quitting primary waits for its
// secondaries.
const shutdownTimeout = 30 * time.Second

// hostEvent maps a command word to the router call that raises it.
func hostEvent(r *events.Router, word string) (func() error, bool) {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "assets", "assets-changed", "refresh":
		return r.AssetsChanged, true
	case "enter", "enter-play", "play":
		return r.EnterPlayMode, true
	case "exit", "exit-play", "stop":
		return r.ExitPlayMode, true
	}
	return nil, false
}

func handleRaise(project string, args []string) int {
	fs := flag.NewFlagSet("raise", flag.ContinueOnError)
	output := outputFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck raise <event>")
		fmt.Println()
		fmt.Println("Raise a host event of the primary to every secondary.")
		fmt.Println()
		fmt.Println("Events:")
		fmt.Println("  assets       Assets changed; secondaries with auto sync refresh")
		fmt.Println("  enter-play   The primary entered play mode")
		fmt.Println("  exit-play    The primary left play mode")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := output()

	return withDeck(project, out, func(d *deck.Deck) int {
		if d.Role == deck.RoleSecondary {
			out.Error("events are raised from the primary project", ErrCodeInvalidOperation)
			return 1
		}
		raise, ok := hostEvent(d.Router, fs.Arg(0))
		if !ok {
			out.Error(fmt.Sprintf("unknown event %q", fs.Arg(0)), ErrCodeInvalidOperation)
			return 1
		}
		if err := d.Router.BindPrimary(); err != nil {
			out.Error(fmt.Sprintf("bind signals: %v", err), ErrCodeInvalidOperation)
			return 1
		}
		if err := raise(); err != nil {
			out.Error(fmt.Sprintf("raise %s: %v", fs.Arg(0), err), ErrCodeInvalidOperation)
			return 1
		}
		out.Success(fmt.Sprintf("Raised %s", fs.Arg(0)), map[string]interface{}{
			"success": true, "event": fs.Arg(0),
		})
		return 0
	})
}

func handleRun(project string, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	noStdin := fs.Bool("no-stdin", false, "Do not read host events from stdin (primary)")
	fs.Usage = func() {
		fmt.Println("Usage: instance-deck run")
		fmt.Println()
		fmt.Println("Run the orchestrator for this project until interrupted.")
		fmt.Println()
		fmt.Println("In the primary project, host events are read from stdin, one per")
		fmt.Println("line: assets, enter-play, exit-play. \"quit\" or end of input closes")
		fmt.Println("every running secondary and exits.")
		fmt.Println()
		fmt.Println("In a secondary workspace, events from the primary drive the host")
		fmt.Println("through the commands configured under [host.commands].")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}

	d, err := openDeck(project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open project: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		d.Close()
		return 1
	}
	cliLog.Info("orchestrator_started",
		slog.String("role", string(d.Role)),
		slog.String("project", d.ProjectRoot),
		slog.Bool("owner", d.IsOwner()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if d.Role == deck.RolePrimary && !*noStdin {
		go readHostEvents(os.Stdin, d)
	}

	select {
	case sig := <-sigChan:
		cliLog.Info("orchestrator_signal", slog.String("signal", sig.String()))
	case <-d.Done():
	}

	if d.Role == deck.RoleSecondary {
		return closeCode(d.Close())
	}
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	return closeCode(d.Shutdown(sctx))
}

// readHostEvents raises one host event per input line and stops the
// orchestrator on "quit" or end of input.
func readHostEvents(r io.Reader, d *deck.Deck) {
	defer d.RequestStop()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "quit" {
			return
		}
		if !d.IsOwner() {
			cliLog.Warn("event_ignored_not_owner", slog.String("event", line))
			continue
		}
		raise, ok := hostEvent(d.Router, line)
		if !ok {
			cliLog.Warn("unknown_host_event", slog.String("event", line))
			continue
		}
		if err := raise(); err != nil {
			cliLog.Warn("host_event_failed", slog.String("event", line), slog.String("error", err.Error()))
		}
	}
}

func closeCode(err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
