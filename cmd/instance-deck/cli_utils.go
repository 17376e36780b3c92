package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/instance-deck/internal/mirror"
	"github.com/asheshgoplani/instance-deck/internal/registry"
	"github.com/asheshgoplani/instance-deck/internal/supervisor"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "open a1b2 --json" silently ignores --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" terminates flag processing
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}

			// If it's not a bool flag, the next arg is its value
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
}

// NewCLIOutput creates a new CLI output handler
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{
		jsonMode:  jsonMode,
		quietMode: quietMode,
	}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Printf("%s %s\n", successStyle.Render(successSymbol), message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]interface{}{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("Error:"), message)
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Print(humanOutput)
}

func (c *CLIOutput) printJSON(data interface{}) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		return
	}
	fmt.Println(string(output))
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	bulletSymbol  = "•"
)

// Error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAmbiguous        = "AMBIGUOUS"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeRunning          = "INSTANCE_RUNNING"
	ErrCodeBusy             = "INSTANCE_BUSY"
	ErrCodeNeedsRepair      = "NEEDS_REPAIR"
	ErrCodeNotElevated      = "NOT_ELEVATED"
	ErrCodeTimeout          = "TIMEOUT"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	headerStyle  = lipgloss.NewStyle().Bold(true)

	stateStyles = map[supervisor.State]lipgloss.Style{
		supervisor.Running:     lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")),
		supervisor.Ready:       lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")),
		supervisor.SettingUp:   lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")),
		supervisor.Closing:     lipgloss.NewStyle().Foreground(lipgloss.Color("#ff9e64")),
		supervisor.NeedsRepair: lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")),
		supervisor.NotCreated:  dimStyle,
	}
)

// StateSymbol returns the symbol shown next to a state.
func StateSymbol(s supervisor.State) string {
	switch s {
	case supervisor.Running:
		return "●"
	case supervisor.Closing:
		return "◐"
	case supervisor.Ready:
		return "○"
	case supervisor.SettingUp:
		return "…"
	case supervisor.NeedsRepair:
		return errorSymbol
	default:
		return "?"
	}
}

// renderState colors the state, padded to width when width > 0.
func renderState(s supervisor.State, width int) string {
	cell := StateSymbol(s) + " " + s.String()
	if width > 0 {
		cell = padCell(cell, width)
	}
	if style, ok := stateStyles[s]; ok {
		return style.Render(cell)
	}
	return cell
}

// padCell truncates s to width display columns and pads it on the right.
func padCell(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(s, width, "..."), width)
}

// instanceSource implements fuzzy.Source over instance ids.
type instanceSource []*registry.Instance

func (s instanceSource) String(i int) string { return s[i].ID }
func (s instanceSource) Len() int            { return len(s) }

// suggestIDs returns up to limit ids resembling query, best first.
func suggestIDs(query string, instances []*registry.Instance, limit int) []string {
	matches := fuzzy.FindFrom(query, instanceSource(instances))
	var out []string
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, instances[m.Index].ID)
	}
	return out
}

// ResolveInstance finds an instance by exact id or unique id prefix.
// Returns the match or an error message and code.
func ResolveInstance(identifier string, instances []*registry.Instance) (*registry.Instance, string, string) {
	if identifier == "" {
		return nil, "instance id is required", ErrCodeNotFound
	}

	for _, inst := range instances {
		if inst.ID == identifier {
			return inst, "", ""
		}
	}

	var matches []*registry.Instance
	for _, inst := range instances {
		if strings.HasPrefix(inst.ID, identifier) {
			matches = append(matches, inst)
		}
	}
	if len(matches) == 1 {
		return matches[0], "", ""
	}
	if len(matches) > 1 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Sprintf("'%s' matches multiple instances:\n  - %s\nUse a longer id.",
			identifier, strings.Join(ids, "\n  - ")), ErrCodeAmbiguous
	}

	msg := fmt.Sprintf("instance '%s' not found", identifier)
	if hints := suggestIDs(identifier, instances, 3); len(hints) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(hints, ", "))
	}
	return nil, msg, ErrCodeNotFound
}

// errorCode maps an operation error to a CLI error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, registry.ErrInstanceRunning):
		return ErrCodeRunning
	case errors.Is(err, registry.ErrBusy), errors.Is(err, supervisor.ErrRepairInProgress):
		return ErrCodeBusy
	case errors.Is(err, supervisor.ErrNeedsRepair):
		return ErrCodeNeedsRepair
	case errors.Is(err, mirror.ErrNotElevated):
		return ErrCodeNotElevated
	default:
		return ErrCodeInvalidOperation
	}
}

// FormatPath shortens a path by replacing home directory with ~
func FormatPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home || strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}

// yesNo renders a setting flag.
func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
