package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StepFunc is the contract of a step: read state and config, return a
// Command. Steps must not modify state in place.
type StepFunc func(ctx context.Context, state State, cfg RunConfig) (Command, error)

// node is one registered step.
type node struct {
	name       string
	fn         StepFunc
	successors map[string]struct{}

	// set for subgraph steps; next is fixed by the parent wiring
	sub  *Subgraph
	next Route
}

// allows reports whether the node may route to target. Nodes without
// declared successors may route anywhere.
func (n *node) allows(target string) bool {
	if n.successors == nil {
		return true
	}
	_, ok := n.successors[target]
	return ok
}

// Graph is a compiled, immutable set of steps with an entry point.
type Graph struct {
	name   string
	schema *Schema
	entry  string
	nodes  map[string]*node
	order  []string
	swarm  *swarmSpec
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Entry returns the name of the first step.
func (g *Graph) Entry() string { return g.entry }

// Schema returns the state schema, which may be nil.
func (g *Graph) Schema() *Schema { return g.schema }

// Steps returns the step names in registration order.
func (g *Graph) Steps() []string { return append([]string(nil), g.order...) }

// Successors returns the declared successors of step, or nil when the step
// may route anywhere.
func (g *Graph) Successors(step string) []string {
	n, ok := g.nodes[step]
	if !ok || n.successors == nil {
		return nil
	}
	out := make([]string, 0, len(n.successors))
	for _, name := range g.order {
		if _, ok := n.successors[name]; ok {
			out = append(out, name)
		}
	}
	if _, ok := n.successors[EndName]; ok {
		out = append(out, EndName)
	}
	return out
}

// Builder assembles a Graph with a fluent API.
type Builder struct {
	name   string
	schema *Schema
	entry  string
	nodes  map[string]*node
	order  []string
	errs   []error
}

// NewBuilder starts a graph called name whose state follows schema.
func NewBuilder(name string, schema *Schema) *Builder {
	return &Builder{
		name:   name,
		schema: schema,
		nodes:  make(map[string]*node),
	}
}

// AddStep registers fn under name. successors lists every step the function
// may route to (EndName included when it may finish); with no successors
// the step may route to any registered step.
func (b *Builder) AddStep(name string, fn StepFunc, successors ...string) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("step %q: function is nil", name))
		return b
	}
	n := &node{name: name, fn: fn}
	if len(successors) > 0 {
		n.successors = make(map[string]struct{}, len(successors))
		for _, s := range successors {
			n.successors[s] = struct{}{}
		}
	}
	b.add(n)
	return b
}

// AddSubgraph registers a compiled graph as a single step. next is the
// step that follows it in this graph, or End.
func (b *Builder) AddSubgraph(name string, sub *Subgraph, next Route) *Builder {
	if sub == nil {
		b.errs = append(b.errs, fmt.Errorf("subgraph step %q: subgraph is nil", name))
		return b
	}
	if next == nil {
		next = End
	}
	switch next.(type) {
	case StepRoute, terminalRoute:
	default:
		b.errs = append(b.errs, fmt.Errorf("subgraph step %q: successor must be a step or End, got %s", name, next))
		return b
	}
	b.add(&node{name: name, sub: sub, next: next})
	return b
}

func (b *Builder) add(n *node) {
	switch {
	case n.name == "":
		b.errs = append(b.errs, errors.New("step name cannot be empty"))
		return
	case n.name == EndName:
		b.errs = append(b.errs, fmt.Errorf("step name %q is reserved", EndName))
		return
	case strings.Contains(n.name, "::"), strings.Contains(n.name, "#"):
		b.errs = append(b.errs, fmt.Errorf("step name %q must not contain '::' or '#'", n.name))
		return
	}
	if _, dup := b.nodes[n.name]; dup {
		b.errs = append(b.errs, fmt.Errorf("step %q registered twice", n.name))
		return
	}
	b.nodes[n.name] = n
	b.order = append(b.order, n.name)
}

// SetEntry sets the first step of the graph.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// Build validates the wiring and returns the compiled graph.
func (b *Builder) Build() (*Graph, error) {
	errs := append([]error(nil), b.errs...)
	if b.entry == "" {
		errs = append(errs, errors.New("entry step not set"))
	} else if _, ok := b.nodes[b.entry]; !ok {
		errs = append(errs, fmt.Errorf("entry step %q is not registered", b.entry))
	}
	for _, name := range b.order {
		n := b.nodes[name]
		for succ := range n.successors {
			if succ == EndName {
				continue
			}
			if _, ok := b.nodes[succ]; !ok {
				errs = append(errs, fmt.Errorf("step %q declares unknown successor %q", name, succ))
			}
		}
		if sr, ok := n.next.(StepRoute); ok {
			if _, exists := b.nodes[sr.Name]; !exists {
				errs = append(errs, fmt.Errorf("subgraph step %q routes to unknown step %q", name, sr.Name))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("graph %q validation failed: %w", b.name, err)
	}

	nodes := make(map[string]*node, len(b.nodes))
	for k, v := range b.nodes {
		nodes[k] = v
	}
	return &Graph{
		name:   b.name,
		schema: b.schema,
		entry:  b.entry,
		nodes:  nodes,
		order:  append([]string(nil), b.order...),
	}, nil
}

// MustBuild is Build that panics on invalid wiring.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// checkRoute validates a step's routing directive against the graph.
func (g *Graph) checkRoute(from *node, r Route) error {
	if err := validateRoute(r); err != nil {
		return err
	}
	check := func(target string) error {
		if _, ok := g.nodes[target]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStep, target)
		}
		if !from.allows(target) {
			return fmt.Errorf("%w: %q -> %q", ErrUndeclaredRoute, from.name, target)
		}
		return nil
	}
	switch rt := r.(type) {
	case StepRoute:
		return check(rt.Name)
	case FanoutRoute:
		for _, s := range rt.Sends {
			if err := check(s.Step); err != nil {
				return err
			}
		}
	case terminalRoute:
		if !from.allows(EndName) {
			return fmt.Errorf("%w: %q -> %s", ErrUndeclaredRoute, from.name, EndName)
		}
	}
	return nil
}
