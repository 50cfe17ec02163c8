package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Task is a single unit of work executed on a node. Implementations
// are registered by type tag so graphs survive serialization between
// the client, the orchestration service and the node agent.
//
// Run receives the results of all previously completed tasks keyed by
// task name. The map is a private deep copy; tasks may inspect it but
// cannot influence each other through it.
type Task interface {
	TaskDispatcher

	// TaskType returns the registered type tag.
	TaskType() string

	// Name returns the task instance name. Results of tasks sharing a
	// name are appended to the same result slot in order of completion.
	Name() string

	// Requirements lists shell commands that must run during
	// environment setup for this task to work on the node.
	Requirements() []string

	// Run executes the task and returns its outcome. A panic inside
	// Run is converted to a Failure by the caller.
	Run(ctx context.Context, previousSteps TaskResults) Result
}

// TaskDispatcher resolves the concrete task for a node at deployment
// time. Plain tasks dispatch to themselves; a dispatcher can instead
// pick an implementation variant based on node properties.
type TaskDispatcher interface {
	// Dispatch returns the task to run on the given node.
	Dispatch(node *Node) (Task, error)
}

// TaskBase carries the instance name and per-instance requirements.
// Embed it in task implementations and expose the static requirements
// by overriding Requirements.
type TaskBase struct {
	TaskName         string   `json:"name"`
	ExtraRequirement []string `json:"requirements,omitempty"`
}

// NewTaskBase names the instance, generating a random name when empty.
func NewTaskBase(name string) TaskBase {
	if name == "" {
		name = uuid.NewString()
	}
	return TaskBase{TaskName: name}
}

func (t *TaskBase) Name() string { return t.TaskName }

// Requirements returns the per-instance requirements added at runtime.
// Implementations embedding TaskBase typically prepend their static
// requirements.
func (t *TaskBase) Requirements() []string {
	return append([]string(nil), t.ExtraRequirement...)
}

// AddRequirement appends a one-off setup command for this instance.
func (t *TaskBase) AddRequirement(command string) {
	t.ExtraRequirement = append(t.ExtraRequirement, command)
}

// taskFactory produces an empty task of a registered type, ready to be
// unmarshaled into.
type taskFactory func() Task

var (
	taskRegistryMu sync.RWMutex
	taskRegistry   = map[string]taskFactory{}
)

// RegisterTask binds a type tag to a task factory. Call it from an
// init function of the package defining the task. Registering the same
// tag twice panics: it is a programming error that would make
// serialized graphs ambiguous.
func RegisterTask(typeTag string, factory func() Task) {
	taskRegistryMu.Lock()
	defer taskRegistryMu.Unlock()
	if _, dup := taskRegistry[typeTag]; dup {
		panic(fmt.Sprintf("core: task type %q registered twice", typeTag))
	}
	taskRegistry[typeTag] = factory
}

// RegisteredTaskTypes returns the sorted tags of all registered tasks.
func RegisteredTaskTypes() []string {
	taskRegistryMu.RLock()
	defer taskRegistryMu.RUnlock()
	tags := make([]string, 0, len(taskRegistry))
	for tag := range taskRegistry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func newTaskOfType(typeTag string) (Task, error) {
	taskRegistryMu.RLock()
	factory, ok := taskRegistry[typeTag]
	taskRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, typeTag)
	}
	return factory(), nil
}

// MarshalTask wraps a task in its tagged envelope.
func MarshalTask(task Task) ([]byte, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", task.Name(), err)
	}
	return json.Marshal(map[string]any{
		"task_type": task.TaskType(),
		"task_data": json.RawMessage(body),
	})
}

// UnmarshalTask decodes the tagged envelope produced by MarshalTask
// using the registered factory for its type.
func UnmarshalTask(data []byte) (Task, error) {
	var envelope struct {
		Type string          `json:"task_type"`
		Body json.RawMessage `json:"task_data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}
	task, err := newTaskOfType(envelope.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(envelope.Body, task); err != nil {
		return nil, fmt.Errorf("task: %w", err)
	}
	return task, nil
}

// RunTask invokes task.Run and converts panics into Failure results so
// one misbehaving task cannot take down the executor.
func RunTask(ctx context.Context, task Task, previousSteps TaskResults) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Failuref("task %s panicked: %v", task.Name(), r)
		}
	}()
	return task.Run(ctx, previousSteps.Clone())
}
