// Package tasks provides the built-in task kinds every node agent
// understands. Importing the package (usually blank, from main)
// registers them with the core task registry; measurement suites add
// their own kinds the same way.
package tasks

import (
	"context"
	"time"

	"github.com/netmark-org/netmark/internal/core"
)

// Registered task type tags.
const (
	TypeDummy = "basic/dummy"
	TypeSleep = "basic/sleep"
	TypeShell = "basic/shell"
)

func init() {
	core.RegisterTask(TypeDummy, func() core.Task { return &Dummy{} })
	core.RegisterTask(TypeSleep, func() core.Task { return &Sleep{} })
	core.RegisterTask(TypeShell, func() core.Task { return &ShellCommand{} })
}

// Dummy succeeds immediately. Useful as a graph placeholder and for
// smoke-testing a deployment path end to end.
type Dummy struct {
	core.TaskBase
}

// NewDummy returns a named no-op task.
func NewDummy(name string) *Dummy {
	return &Dummy{TaskBase: core.NewTaskBase(name)}
}

func (t *Dummy) TaskType() string { return TypeDummy }

func (t *Dummy) Dispatch(*core.Node) (core.Task, error) { return t, nil }

func (t *Dummy) Run(context.Context, core.TaskResults) core.Result {
	return core.Success(true)
}

// Sleep pauses for a fixed number of seconds and returns how long it
// slept. Cancellation cuts the sleep short and fails the task.
type Sleep struct {
	core.TaskBase
	Seconds float64 `json:"seconds"`
}

// NewSleep returns a named sleep task.
func NewSleep(name string, seconds float64) *Sleep {
	return &Sleep{TaskBase: core.NewTaskBase(name), Seconds: seconds}
}

func (t *Sleep) TaskType() string { return TypeSleep }

func (t *Sleep) Dispatch(*core.Node) (core.Task, error) { return t, nil }

func (t *Sleep) Run(ctx context.Context, _ core.TaskResults) core.Result {
	duration := time.Duration(t.Seconds * float64(time.Second))
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return core.Failuref("sleep interrupted: %v", ctx.Err())
	case <-timer.C:
		return core.Success(t.Seconds)
	}
}
