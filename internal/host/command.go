package host

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/asheshgoplani/instance-deck/internal/config"
	"github.com/asheshgoplani/instance-deck/internal/logging"
)

var hostLog = logging.ForComponent(logging.CompHost)

// DefaultCommandTimeout bounds each configured command.
const DefaultCommandTimeout = 30 * time.Second

// CommandAdapter runs the shell commands configured under [host.commands].
// Placeholders {project}, {layout} and {scenes} are replaced with shell
// quoted values. An empty command is a no-op.
type CommandAdapter struct {
	Commands config.HostCommands
	Project  string
	Shell    string
	Timeout  time.Duration
}

// NewCommandAdapter returns an adapter for the workspace at project.
func NewCommandAdapter(cmds config.HostCommands, project string) *CommandAdapter {
	return &CommandAdapter{Commands: cmds, Project: project, Shell: "sh", Timeout: DefaultCommandTimeout}
}

func (c *CommandAdapter) run(ctx context.Context, action, tmpl string, vars map[string]string) error {
	if strings.TrimSpace(tmpl) == "" {
		return nil
	}
	line := expand(tmpl, vars)
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", line)
	cmd.Dir = c.Project
	out, err := cmd.CombinedOutput()
	if err != nil {
		hostLog.Warn("host_command_failed",
			slog.String("action", action),
			slog.String("command", line),
			slog.String("output", strings.TrimSpace(string(out))),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %s: %w", action, strings.TrimSpace(string(out)), err)
	}
	hostLog.Debug("host_command_ran", slog.String("action", action), slog.String("command", line))
	return nil
}

func (c *CommandAdapter) vars(extra ...string) map[string]string {
	v := map[string]string{"project": shellQuoteArg(c.Project)}
	for i := 0; i+1 < len(extra); i += 2 {
		v[extra[i]] = extra[i+1]
	}
	return v
}

func (c *CommandAdapter) ApplyLayout(ctx context.Context, name string) error {
	return c.run(ctx, ActionApplyLayout, c.Commands.ApplyLayout, c.vars("layout", shellQuoteArg(name)))
}

func (c *CommandAdapter) RefreshAssets(ctx context.Context) error {
	return c.run(ctx, ActionRefreshAssets, c.Commands.RefreshAssets, c.vars())
}

func (c *CommandAdapter) EnterPlayMode(ctx context.Context) error {
	return c.run(ctx, ActionEnterPlayMode, c.Commands.EnterPlayMode, c.vars())
}

func (c *CommandAdapter) ExitPlayMode(ctx context.Context) error {
	return c.run(ctx, ActionExitPlayMode, c.Commands.ExitPlayMode, c.vars())
}

func (c *CommandAdapter) RestoreScenes(ctx context.Context, scenes []string) error {
	return c.run(ctx, ActionRestoreScenes, c.Commands.RestoreScenes, c.vars("scenes", ShellJoinArgs(scenes)))
}

func (c *CommandAdapter) Quit(ctx context.Context) error {
	return c.run(ctx, ActionQuit, c.Commands.Quit, c.vars())
}

func expand(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
