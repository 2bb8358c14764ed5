package workflow

import (
	"fmt"
	"strings"
)

// Route is the routing directive of a Command. The set of implementations is
// closed: StepRoute, FanoutRoute, End and ResumeToCaller.
type Route interface {
	route()
	String() string
}

// StepRoute sends control to a single named step.
type StepRoute struct {
	Name string
}

func (StepRoute) route() {}

func (r StepRoute) String() string { return r.Name }

// Send is one fan-out branch: the step to invoke and the payload that
// overrides the parent state for that branch only.
type Send struct {
	Step    string
	Payload State
}

// FanoutRoute dispatches one concurrent branch per Send, in order.
type FanoutRoute struct {
	Sends []Send
}

func (FanoutRoute) route() {}

func (r FanoutRoute) String() string {
	names := make([]string, len(r.Sends))
	for i, s := range r.Sends {
		names[i] = s.Step
	}
	return "fanout[" + strings.Join(names, ",") + "]"
}

type terminalRoute struct{}

func (terminalRoute) route() {}

func (terminalRoute) String() string { return EndName }

type resumeRoute struct{}

func (resumeRoute) route() {}

func (resumeRoute) String() string { return "__resume__" }

// EndName is the reserved name of the terminal marker.
const EndName = "__end__"

var (
	// End finishes the run.
	End Route = terminalRoute{}

	// ResumeToCaller is reserved for the runtime. A step that returns it fails.
	ResumeToCaller Route = resumeRoute{}
)

// Goto routes to the step called name.
func Goto(name string) Route {
	return StepRoute{Name: name}
}

// Fanout routes to one branch per send.
func Fanout(sends ...Send) Route {
	return FanoutRoute{Sends: sends}
}

// SendTo builds a fan-out branch.
func SendTo(step string, payload State) Send {
	return Send{Step: step, Payload: payload}
}

// Command is what a step returns: a partial state update and where to go next.
// A nil Goto is the same as End.
type Command struct {
	Update State
	Goto   Route
}

// Next builds a Command that routes to step.
func Next(step string, update State) Command {
	return Command{Update: update, Goto: Goto(step)}
}

// Finish builds a Command that ends the run.
func Finish(update State) Command {
	return Command{Update: update, Goto: End}
}

func (c Command) route() Route {
	if c.Goto == nil {
		return End
	}
	return c.Goto
}

func validateRoute(r Route) error {
	switch rt := r.(type) {
	case StepRoute:
		if rt.Name == "" {
			return fmt.Errorf("empty step name in route")
		}
	case FanoutRoute:
		if len(rt.Sends) == 0 {
			return fmt.Errorf("fan-out requires at least one branch")
		}
		for i, s := range rt.Sends {
			if s.Step == "" {
				return fmt.Errorf("fan-out branch %d has no step", i)
			}
		}
	case resumeRoute:
		return fmt.Errorf("%s is reserved for the runtime", rt)
	}
	return nil
}
