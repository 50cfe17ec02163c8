package core

import (
	"encoding/json"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// PropertyConnector is the reserved node property that names the
// infrastructure connector a node belongs to. Connectors stamp it on
// every node they return so the orchestrator can route deployment,
// execution and cleanup calls back to the owning connector.
const PropertyConnector = "connector"

// NodeProperty is a single property value attached to a node. Values
// are connector-defined and may be strings, numbers, lists or nested
// objects.
type NodeProperty = any

// Node is a single target of an experiment: a machine, container slot
// or device exposed by an infrastructure connector.
type Node struct {
	// Name uniquely identifies the node within its connector.
	Name string `json:"name"`

	// Properties are connector-reported attributes (location, kernel,
	// resources). The connector name lives here under PropertyConnector.
	Properties map[string]NodeProperty `json:"properties"`

	// AdditionalProperties hold orchestration-internal attributes that
	// are not part of the node identity.
	AdditionalProperties map[string]NodeProperty `json:"additional_properties"`

	Architecture Architecture `json:"architecture"`
}

// NewNode returns a node with empty property maps so callers can set
// properties without nil checks.
func NewNode(name string, arch Architecture) *Node {
	return &Node{
		Name:                 name,
		Properties:           map[string]NodeProperty{},
		AdditionalProperties: map[string]NodeProperty{},
		Architecture:         arch,
	}
}

func (n *Node) String() string { return n.Name }

// Connector returns the name of the connector that owns this node, or
// an empty string if the node has not been tagged yet.
func (n *Node) Connector() string {
	if n == nil || n.Properties == nil {
		return ""
	}
	if v, ok := n.Properties[PropertyConnector].(string); ok {
		return v
	}
	return ""
}

// SetProperty stores a property value, allocating the map if needed.
func (n *Node) SetProperty(name string, value NodeProperty) {
	if n.Properties == nil {
		n.Properties = map[string]NodeProperty{}
	}
	n.Properties[name] = value
}

// Property returns a property value or nil when absent.
func (n *Node) Property(name string) NodeProperty {
	if n.Properties == nil {
		return nil
	}
	return n.Properties[name]
}

// MatchesName reports whether the node name matches the given glob
// pattern. An invalid pattern matches nothing.
func (n *Node) MatchesName(pattern string) bool {
	ok, err := doublestar.Match(pattern, n.Name)
	return err == nil && ok
}

// Clone returns a deep copy of the node. Property values are copied
// through JSON so nested maps and slices do not alias the original.
func (n *Node) Clone() *Node {
	clone := &Node{
		Name:                 n.Name,
		Properties:           cloneProperties(n.Properties),
		AdditionalProperties: cloneProperties(n.AdditionalProperties),
		Architecture:         n.Architecture,
	}
	return clone
}

func cloneProperties(src map[string]NodeProperty) map[string]NodeProperty {
	dst := make(map[string]NodeProperty, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v NodeProperty) NodeProperty {
	switch v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// UnmarshalJSON fills in empty maps for absent properties so decoded
// nodes behave like ones built with NewNode.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	*n = Node(a)
	if n.Properties == nil {
		n.Properties = map[string]NodeProperty{}
	}
	if n.AdditionalProperties == nil {
		n.AdditionalProperties = map[string]NodeProperty{}
	}
	return nil
}
