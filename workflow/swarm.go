package workflow

import (
	"errors"
	"fmt"
)

// DefaultActiveField is the state field a swarm uses to track the active agent.
const DefaultActiveField = "active_agent"

// SwarmOptions configures a swarm.
type SwarmOptions struct {
	// Default is the agent that runs when the state names no active agent.
	Default string
	// ActiveField overrides DefaultActiveField.
	ActiveField string
	// Budget bounds the agent turns of one Start or Resume call. Zero
	// leaves only the run's step budget.
	Budget int
}

type swarmSpec struct {
	activeField  string
	defaultAgent string
	budget       int
}

// active returns the agent named by state, or the default agent when the
// field is missing or names an unregistered agent.
func (s *swarmSpec) active(g *Graph, state State) string {
	if name, ok := state[s.activeField].(string); ok {
		if _, registered := g.nodes[name]; registered {
			return name
		}
	}
	return s.defaultAgent
}

// handoff records the next active agent after a peer returned route.
func (s *swarmSpec) handoff(g *Graph, from string, state State, route Route) (State, string, *RunError) {
	switch rt := route.(type) {
	case StepRoute:
		next, err := g.schema.Merge(state, State{s.activeField: rt.Name})
		if err != nil {
			return nil, "", classify(from, err)
		}
		return next, rt.Name, nil
	case terminalRoute:
		return state, "", nil
	default:
		err := &StepExecutionError{Step: from, Err: fmt.Errorf("swarm agents may only hand off or end, got %s", route)}
		return nil, "", &RunError{Kind: KindStepExecution, Step: from, Err: err}
	}
}

// Swarm builds a graph of peer agents with no fixed edges. Each agent hands
// off to a peer with Handoff or ends the run with Finish.
type Swarm struct {
	b    *Builder
	opts SwarmOptions
}

// NewSwarm starts a swarm called name.
func NewSwarm(name string, schema *Schema, opts SwarmOptions) *Swarm {
	if opts.ActiveField == "" {
		opts.ActiveField = DefaultActiveField
	}
	return &Swarm{b: NewBuilder(name, schema), opts: opts}
}

// AddAgent registers a peer agent.
func (s *Swarm) AddAgent(name string, fn StepFunc) *Swarm {
	s.b.AddStep(name, fn)
	return s
}

// Build validates the swarm and returns the compiled graph.
func (s *Swarm) Build() (*Graph, error) {
	if s.opts.Default == "" {
		return nil, fmt.Errorf("swarm %q validation failed: %w", s.b.name, errors.New("default agent not set"))
	}
	if s.opts.Budget < 0 {
		return nil, fmt.Errorf("swarm %q validation failed: budget must not be negative", s.b.name)
	}
	if f, ok := s.b.schema.Field(s.opts.ActiveField); ok && f.Policy != Overwrite {
		return nil, fmt.Errorf("swarm %q validation failed: field %q must be an overwrite field", s.b.name, s.opts.ActiveField)
	}
	g, err := s.b.SetEntry(s.opts.Default).Build()
	if err != nil {
		return nil, err
	}
	g.swarm = &swarmSpec{
		activeField:  s.opts.ActiveField,
		defaultAgent: s.opts.Default,
		budget:       s.opts.Budget,
	}
	return g, nil
}

// MustBuild is Build that panics on invalid wiring.
func (s *Swarm) MustBuild() *Graph {
	g, err := s.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// Handoff builds the Command that passes control to peer.
func Handoff(peer string, update State) Command {
	return Next(peer, update)
}
