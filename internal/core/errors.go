package core

import "errors"

var (
	// ErrInvalidGraph wraps every structural violation found by
	// ExecutionGraph.Validate.
	ErrInvalidGraph = errors.New("invalid execution graph")

	// ErrUnresolvedDispatcher is returned when a graph still holding a
	// dispatcher (not yet resolved against a node) is serialized.
	ErrUnresolvedDispatcher = errors.New("unresolved task dispatcher")

	// ErrUnknownTaskType is returned when a serialized task names a
	// type tag no package registered.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrUnknownPoolType is returned for unrecognized node pool tags.
	ErrUnknownPoolType = errors.New("unknown node pool type")

	// ErrUnknownEnvironmentType is returned for unrecognized
	// environment definition tags.
	ErrUnknownEnvironmentType = errors.New("unknown environment definition type")

	// ErrNoEnvironmentDefinition is returned when a graph or
	// deployment is missing its environment definition.
	ErrNoEnvironmentDefinition = errors.New("no environment definition")

	// ErrEnvironmentNotSupported is returned when a node's declared
	// environments exclude the graph's definition type.
	ErrEnvironmentNotSupported = errors.New("environment not supported by node")

	// ErrNoNode is returned when a deployment is created without a
	// target node.
	ErrNoNode = errors.New("no target node")

	// ErrUnknownStatus is returned when a numeric status code is out
	// of range.
	ErrUnknownStatus = errors.New("unknown experiment status")
)
