package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/deck"
	"github.com/asheshgoplani/instance-deck/internal/logging"
)

const Version = "0.3.0"

// Table column widths for list command output
const (
	tableColID     = 14
	tableColState  = 16
	tableColLayout = 14
	tableColFlag   = 6
	tableColScenes = 8
)

func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile. Output that is
// not a terminal gets no colors.
func initColorProfile() {
	// INSTANCEDECK_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("INSTANCEDECK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	// Extract global -p/--project flag before subcommand dispatch
	project, args := extractProjectFlag(os.Args[1:])

	if len(args) == 0 {
		printHelp()
		return
	}

	cmd := args[0]
	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("Instance Deck v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	}

	initLogging(cmd == "run")
	defer logging.Shutdown()

	var code int
	switch cmd {
	case "create":
		code = handleCreate(project, args[1:])
	case "list", "ls":
		code = handleList(project, args[1:])
	case "status":
		code = handleStatus(project, args[1:])
	case "open":
		code = handleOpen(project, args[1:])
	case "close":
		code = handleClose(project, args[1:])
	case "repair":
		code = handleRepair(project, args[1:])
	case "remove", "rm":
		code = handleRemove(project, args[1:])
	case "set":
		code = handleSet(project, args[1:])
	case "raise":
		code = handleRaise(project, args[1:])
	case "run":
		code = handleRun(project, args[1:])
	case "whoami":
		code = handleWhoami(project, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", cmd)
		printHelp()
		code = 1
	}
	if code != 0 {
		logging.Shutdown()
		os.Exit(code)
	}
}

// initLogging sets up structured logging from the [logs] config section.
// The run command mirrors records to stderr.
func initLogging(stderr bool) {
	baseDir, err := config.BaseDir()
	if err != nil {
		return
	}
	if _, err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	ls := config.GetLogSettings()
	debugMode := os.Getenv("INSTANCEDECK_DEBUG") != ""
	if debugMode {
		ls.DebugLevel = "debug"
	}
	logging.Init(logging.Config{
		Debug:                 debugMode,
		LogDir:                baseDir,
		Level:                 ls.DebugLevel,
		Format:                ls.DebugFormat,
		MaxSizeMB:             ls.DebugMaxMB,
		MaxBackups:            ls.DebugBackups,
		MaxAgeDays:            ls.DebugRetentionDays,
		Compress:              ls.DebugCompress,
		RingBufferSize:        ls.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: ls.AggregateIntervalS,
		Stderr:                stderr,
	})

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(baseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				logging.ForComponent(logging.CompCLI).Error("crash_dump_failed",
					slog.String("error", err.Error()))
			} else {
				logging.ForComponent(logging.CompCLI).Info("crash_dump_written",
					slog.String("path", dumpPath))
			}
		}
	}()
}

// extractProjectFlag extracts -p or --project from args, returning the
// project root and remaining args.
func extractProjectFlag(args []string) (string, []string) {
	var project string
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-p=") {
			project = strings.TrimPrefix(arg, "-p=")
			continue
		}
		if strings.HasPrefix(arg, "--project=") {
			project = strings.TrimPrefix(arg, "--project=")
			continue
		}

		if arg == "-p" || arg == "--project" {
			if i+1 < len(args) {
				project = args[i+1]
				i++
				continue
			}
		}

		remaining = append(remaining, arg)
	}

	return project, remaining
}

// openDeck builds the orchestrator context for project (default: the
// current directory).
func openDeck(project string, opts ...deck.Option) (*deck.Deck, error) {
	if project == "" {
		if env := os.Getenv("INSTANCEDECK_PROJECT"); env != "" {
			project = env
		} else {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			project = wd
		}
	}
	return deck.New(project, opts...)
}

func printHelp() {
	fmt.Printf("Instance Deck v%s\n", Version)
	fmt.Println("Run several editor instances against one project")
	fmt.Println()
	fmt.Println("Usage: instance-deck [-p project] <command>")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -p, --project <path>   Project root (default: current directory)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create           Create a secondary instance")
	fmt.Println("  list, ls         List instances")
	fmt.Println("  status [id]      Show one instance, or a summary")
	fmt.Println("  open <id>        Launch the host application for an instance")
	fmt.Println("  close <id>       Ask an instance to quit (killed after a grace period)")
	fmt.Println("  repair <id>      Rebuild a damaged workspace")
	fmt.Println("  remove, rm <id>  Delete an instance and its workspace")
	fmt.Println("  set <id>         Change instance settings")
	fmt.Println("  raise <event>    Raise a host event: assets, enter-play, exit-play")
	fmt.Println("  run              Run the orchestrator for this project")
	fmt.Println("  whoami           Show whether this project is a primary or a secondary")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  instance-deck create                    # Mirror the project into a new instance")
	fmt.Println("  instance-deck open a1b2 --wait          # Launch and wait until it is ready")
	fmt.Println("  instance-deck set a1b2 --auto-sync=false")
	fmt.Println("  instance-deck -p ~/Games/Demo list --json")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  INSTANCEDECK_HOME     Base directory (default: ~/.instance-deck)")
	fmt.Println("  INSTANCEDECK_PROJECT  Default project root")
	fmt.Println("  INSTANCEDECK_COLOR    Color mode: truecolor, 256, 16, none")
	fmt.Println("  INSTANCEDECK_DEBUG    Log at debug verbosity to the log file")
}
