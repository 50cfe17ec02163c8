package tasks

import (
	"bytes"
	"context"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/netmark-org/netmark/internal/core"
)

// ShellCommand runs a POSIX shell snippet through an embedded
// interpreter, so simple scripts behave the same on nodes that have no
// /bin/sh of their own. Stdout and stderr are captured together and
// become the task result.
type ShellCommand struct {
	core.TaskBase
	Command string            `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// NewShellCommand returns a named shell task.
func NewShellCommand(name, command string) *ShellCommand {
	return &ShellCommand{TaskBase: core.NewTaskBase(name), Command: command}
}

func (t *ShellCommand) TaskType() string { return TypeShell }

func (t *ShellCommand) Dispatch(*core.Node) (core.Task, error) { return t, nil }

func (t *ShellCommand) Run(ctx context.Context, _ core.TaskResults) core.Result {
	file, err := syntax.NewParser().Parse(strings.NewReader(t.Command), t.Name())
	if err != nil {
		return core.Failuref("parse shell command: %v", err)
	}

	var output bytes.Buffer
	opts := []interp.RunnerOption{
		interp.StdIO(nil, &output, &output),
	}
	if t.Dir != "" {
		opts = append(opts, interp.Dir(t.Dir))
	}
	if len(t.Env) > 0 {
		pairs := os.Environ()
		for k, v := range t.Env {
			pairs = append(pairs, k+"="+v)
		}
		opts = append(opts, interp.Env(expand.ListEnviron(pairs...)))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return core.Failuref("shell runner: %v", err)
	}
	if err := runner.Run(ctx, file); err != nil {
		captured := strings.TrimSpace(output.String())
		if status, ok := interp.IsExitStatus(err); ok {
			return core.Failuref("exit status %d: %s", status, captured)
		}
		return core.Failuref("%v: %s", err, captured)
	}
	return core.Success(strings.TrimSpace(output.String()))
}
