package workflow

// DefaultMaxSteps is the step budget of a Start or Resume call when neither
// the RunConfig nor the Runner sets one.
const DefaultMaxSteps = 25

// RunConfig is passed unchanged to every step of a run. Values carries
// caller options such as model hints; the runtime never reads it.
type RunConfig struct {
	// MaxSteps bounds the step invocations of one Start or Resume call.
	MaxSteps int `json:"max_steps,omitempty"`
	// Values holds caller-defined options.
	Values map[string]any `json:"values,omitempty"`
	// ThreadID is set by the runtime to the thread the step runs in.
	ThreadID string `json:"-"`
}

// Value returns the option stored under key.
func (c RunConfig) Value(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// String returns the string option stored under key, or def.
func (c RunConfig) String(key, def string) string {
	if s, ok := c.Values[key].(string); ok {
		return s
	}
	return def
}

// With returns a copy of c with key set to v.
func (c RunConfig) With(key string, v any) RunConfig {
	values := make(map[string]any, len(c.Values)+1)
	for k, val := range c.Values {
		values[k] = val
	}
	values[key] = v
	c.Values = values
	return c
}

// WithMaxSteps returns a copy of c with the step budget set to n.
func (c RunConfig) WithMaxSteps(n int) RunConfig {
	c.MaxSteps = n
	return c
}
