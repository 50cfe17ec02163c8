package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Pool type tags used in the serialized form. The discriminator key is
// "node_pool_type"; a JSON object without it is a plain node.
const (
	poolTypeCountable   = "CountableNodePool"
	poolTypeUncountable = "UncountableNodePool"
)

// NodePool is a collection of nodes offered by a connector. Pools can
// be finite (a lab testbed) or backed by a template that mints fresh
// nodes on demand (a cloud provider).
type NodePool interface {
	// Len reports the number of directly held elements. For template
	// pools this is the template size, not an inventory count.
	Len() int

	// Take returns up to count nodes from the pool. Template pools
	// always return exactly count nodes.
	Take(count int) []*Node

	// Filter returns a pool containing only nodes accepted by keep.
	Filter(keep func(*Node) bool) NodePool

	// SetProperty sets a property on every node in the pool.
	SetProperty(name string, value NodeProperty)

	json.Marshaler
}

// CountableNodePool is a finite pool. Elements are either nodes or
// nested pools, so connectors can expose grouped inventories.
type CountableNodePool struct {
	elements []poolElement
}

type poolElement struct {
	node *Node
	pool NodePool
}

// NewCountableNodePool builds a flat pool from the given nodes.
func NewCountableNodePool(nodes ...*Node) *CountableNodePool {
	p := &CountableNodePool{}
	for _, n := range nodes {
		p.AppendNode(n)
	}
	return p
}

// AppendNode adds a single node to the pool.
func (p *CountableNodePool) AppendNode(n *Node) {
	p.elements = append(p.elements, poolElement{node: n})
}

// AppendPool nests another pool inside this one.
func (p *CountableNodePool) AppendPool(nested NodePool) {
	p.elements = append(p.elements, poolElement{pool: nested})
}

func (p *CountableNodePool) Len() int { return len(p.elements) }

// Nodes returns all nodes in the pool, descending into nested pools.
// Nested template pools contribute nothing here; they only yield nodes
// through Take.
func (p *CountableNodePool) Nodes() []*Node {
	var out []*Node
	for _, el := range p.elements {
		switch {
		case el.node != nil:
			out = append(out, el.node)
		case el.pool != nil:
			if nested, ok := el.pool.(*CountableNodePool); ok {
				out = append(out, nested.Nodes()...)
			}
		}
	}
	return out
}

func (p *CountableNodePool) Take(count int) []*Node {
	nodes := p.Nodes()
	if count > len(nodes) {
		count = len(nodes)
	}
	if count < 0 {
		count = 0
	}
	return nodes[:count]
}

func (p *CountableNodePool) Filter(keep func(*Node) bool) NodePool {
	out := &CountableNodePool{}
	for _, el := range p.elements {
		switch {
		case el.node != nil:
			if keep(el.node) {
				out.AppendNode(el.node)
			}
		case el.pool != nil:
			filtered := el.pool.Filter(keep)
			if filtered.Len() > 0 {
				out.AppendPool(filtered)
			}
		}
	}
	return out
}

func (p *CountableNodePool) SetProperty(name string, value NodeProperty) {
	for _, el := range p.elements {
		switch {
		case el.node != nil:
			el.node.SetProperty(name, value)
		case el.pool != nil:
			el.pool.SetProperty(name, value)
		}
	}
}

func (p *CountableNodePool) MarshalJSON() ([]byte, error) {
	data := make([]json.RawMessage, 0, len(p.elements))
	for _, el := range p.elements {
		var (
			raw []byte
			err error
		)
		switch {
		case el.node != nil:
			raw, err = json.Marshal(el.node)
		case el.pool != nil:
			raw, err = json.Marshal(el.pool)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		data = append(data, raw)
	}
	return json.Marshal(map[string]any{
		"node_pool_type": poolTypeCountable,
		"node_pool_data": data,
	})
}

// UncountableNodePool mints nodes from a template. Each Take produces
// deep copies of the template nodes with a monotonically increasing
// numeric suffix, cycling through the template round-robin.
type UncountableNodePool struct {
	template []*Node
	next     int
	counter  int
}

// NewUncountableNodePool builds a template pool. At least one template
// node is required for Take to make progress.
func NewUncountableNodePool(template ...*Node) *UncountableNodePool {
	return &UncountableNodePool{template: template}
}

func (p *UncountableNodePool) Len() int { return len(p.template) }

func (p *UncountableNodePool) Take(count int) []*Node {
	if len(p.template) == 0 || count <= 0 {
		return nil
	}
	nodes := make([]*Node, 0, count)
	for range count {
		tmpl := p.template[p.next%len(p.template)]
		p.next++
		p.counter++
		node := tmpl.Clone()
		node.Name += strconv.Itoa(p.counter)
		nodes = append(nodes, node)
	}
	return nodes
}

func (p *UncountableNodePool) Filter(keep func(*Node) bool) NodePool {
	var template []*Node
	for _, n := range p.template {
		if keep(n) {
			template = append(template, n)
		}
	}
	return NewUncountableNodePool(template...)
}

func (p *UncountableNodePool) SetProperty(name string, value NodeProperty) {
	for _, n := range p.template {
		n.SetProperty(name, value)
	}
}

func (p *UncountableNodePool) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"node_pool_type": poolTypeUncountable,
		"node_pool_data": p.template,
	})
}

// UnmarshalNodePool decodes a serialized pool, recursing into nested
// pools. The element type is chosen by the node_pool_type key.
func UnmarshalNodePool(data []byte) (NodePool, error) {
	var envelope struct {
		Type     string            `json:"node_pool_type"`
		Elements []json.RawMessage `json:"node_pool_data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("node pool: %w", err)
	}
	switch envelope.Type {
	case poolTypeCountable:
		pool := &CountableNodePool{}
		for _, raw := range envelope.Elements {
			if isPoolObject(raw) {
				nested, err := UnmarshalNodePool(raw)
				if err != nil {
					return nil, err
				}
				pool.AppendPool(nested)
				continue
			}
			var node Node
			if err := json.Unmarshal(raw, &node); err != nil {
				return nil, fmt.Errorf("node pool: %w", err)
			}
			pool.AppendNode(&node)
		}
		return pool, nil
	case poolTypeUncountable:
		template := make([]*Node, 0, len(envelope.Elements))
		for _, raw := range envelope.Elements {
			var node Node
			if err := json.Unmarshal(raw, &node); err != nil {
				return nil, fmt.Errorf("node pool: %w", err)
			}
			template = append(template, &node)
		}
		return NewUncountableNodePool(template...), nil
	default:
		return nil, fmt.Errorf("node pool: %w: %q", ErrUnknownPoolType, envelope.Type)
	}
}

func isPoolObject(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["node_pool_type"]
	return ok
}
