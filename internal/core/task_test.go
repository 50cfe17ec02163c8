package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeTask is a minimal task used across the package tests. It echoes
// a fixed payload, fails on demand, and records what it saw upstream.
type probeTask struct {
	TaskBase
	Payload string `json:"payload"`
	Fail    bool   `json:"fail"`
	Panics  bool   `json:"panics"`
}

const probeTaskType = "test/probe"

func init() {
	RegisterTask(probeTaskType, func() Task { return &probeTask{} })
}

func newProbeTask(name, payload string) *probeTask {
	return &probeTask{TaskBase: NewTaskBase(name), Payload: payload}
}

func (p *probeTask) TaskType() string { return probeTaskType }

func (p *probeTask) Dispatch(*Node) (Task, error) { return p, nil }

func (p *probeTask) Run(_ context.Context, _ TaskResults) Result {
	if p.Panics {
		panic("probe exploded")
	}
	if p.Fail {
		return Failure(p.Payload)
	}
	return Success(p.Payload)
}

func TestTaskRegistry(t *testing.T) {
	t.Parallel()

	t.Run("EnvelopeRoundTrip", func(t *testing.T) {
		task := newProbeTask("measure", "42")
		task.AddRequirement("apt-get install -y iputils-ping")

		raw, err := MarshalTask(task)
		require.NoError(t, err)

		decoded, err := UnmarshalTask(raw)
		require.NoError(t, err)
		require.IsType(t, &probeTask{}, decoded)
		assert.Equal(t, "measure", decoded.Name())
		assert.Equal(t, []string{"apt-get install -y iputils-ping"}, decoded.Requirements())
	})

	t.Run("UnknownTypeFails", func(t *testing.T) {
		_, err := UnmarshalTask([]byte(`{"task_type":"test/nope","task_data":{}}`))
		require.ErrorIs(t, err, ErrUnknownTaskType)
	})

	t.Run("RegisteredTypesAreSorted", func(t *testing.T) {
		tags := RegisteredTaskTypes()
		assert.Contains(t, tags, probeTaskType)
		assert.True(t, sortedStrings(tags))
	})

	t.Run("GeneratedNameIsUnique", func(t *testing.T) {
		a := NewTaskBase("")
		b := NewTaskBase("")
		assert.NotEmpty(t, a.TaskName)
		assert.NotEqual(t, a.TaskName, b.TaskName)
	})
}

func TestRunTask(t *testing.T) {
	t.Parallel()

	t.Run("PanicBecomesFailure", func(t *testing.T) {
		task := newProbeTask("volatile", "")
		task.Panics = true

		result := RunTask(context.Background(), task, nil)
		require.False(t, result.IsSuccess())
		assert.True(t, strings.Contains(result.ErrorMessage(), "probe exploded"))
	})

	t.Run("PreviousStepsAreCopied", func(t *testing.T) {
		previous := TaskResults{"earlier": {Success(1)}}
		task := &mutatingTask{TaskBase: NewTaskBase("mutator")}

		result := RunTask(context.Background(), task, previous)
		require.True(t, result.IsSuccess())
		require.Len(t, previous["earlier"], 1, "callee mutation must not leak upstream")
	})
}

// mutatingTask tampers with its previous_steps view to prove isolation.
type mutatingTask struct {
	TaskBase
}

func (m *mutatingTask) TaskType() string { return "test/mutating" }

func (m *mutatingTask) Dispatch(*Node) (Task, error) { return m, nil }

func (m *mutatingTask) Run(_ context.Context, previous TaskResults) Result {
	previous["earlier"] = append(previous["earlier"], Failure("injected"))
	return Success(nil)
}

func sortedStrings(list []string) bool {
	for i := 1; i < len(list); i++ {
		if list[i-1] > list[i] {
			return false
		}
	}
	return true
}
