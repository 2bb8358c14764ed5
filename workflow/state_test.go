package workflow

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trailSchema() *Schema {
	return MustSchema(
		OverwriteField[int]("count"),
		OverwriteField[string]("name"),
		AppendField[string]("trail"),
	)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSchema_MergeOverwrite(t *testing.T) {
	s := trailSchema()
	out, err := s.Merge(State{"name": "a", "count": 1}, State{"name": "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", out["name"])
	assert.Equal(t, 1, out["count"])
}

func TestSchema_MergeAppend(t *testing.T) {
	s := trailSchema()

	out, err := s.Merge(State{}, State{"trail": "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, out["trail"])

	out, err = s.Merge(out, State{"trail": []string{"b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out["trail"])

	out, err = s.Merge(out, State{"trail": []any{"d"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, out["trail"])
}

func TestSchema_MergeAppendInterfaceElements(t *testing.T) {
	s := MustSchema(AppendField[any]("log"))

	out, err := s.Merge(State{}, State{"log": "a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out["log"])

	out, err = s.Merge(out, State{"log": 2})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 2}, out["log"])

	out, err = s.Merge(out, State{"log": []string{"c", "d"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 2, "c", "d"}, out["log"])

	// a checkpoint round trip must not nest the stored sequence
	restored, err := s.Normalize(out)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 2, "c", "d"}, restored["log"])

	out, err = s.Merge(restored, State{"log": "e"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 2, "c", "d", "e"}, out["log"])
}

func TestSchema_MergeDoesNotModifyInputs(t *testing.T) {
	s := trailSchema()
	current := State{"trail": []string{"a"}, "name": "x"}
	update := State{"trail": "b", "name": "y"}

	_, err := s.Merge(current, update)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, current["trail"])
	assert.Equal(t, "x", current["name"])
	assert.Equal(t, "b", update["trail"])
}

func TestSchema_MergeTypeMismatch(t *testing.T) {
	s := trailSchema()

	_, err := s.Merge(State{}, State{"count": "three"})
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "count", se.Field)
	assert.Equal(t, "int", se.Want)
	assert.Equal(t, "string", se.Got)

	_, err = s.Merge(State{}, State{"trail": 7})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "trail", se.Field)

	_, err = s.Merge(State{}, State{"trail": []any{"a", 2}})
	require.True(t, errors.As(err, &se))
}

func TestSchema_UndeclaredFieldsOverwrite(t *testing.T) {
	s := trailSchema()
	out, err := s.Merge(State{"extra": 1}, State{"extra": "two"})
	require.NoError(t, err)
	assert.Equal(t, "two", out["extra"])

	var nilSchema *Schema
	out, err = nilSchema.Merge(State{"a": 1}, State{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, State{"a": 1, "b": 2}, out)
}

func TestNewSchema_Validation(t *testing.T) {
	_, err := NewSchema(Field{Name: ""})
	assert.Error(t, err)

	_, err = NewSchema(OverwriteField[int]("x"), AppendField[int]("x"))
	assert.Error(t, err)

	f := OverwriteField[int]("x")
	f.Reducer = func(current, update any) (any, error) { return update, nil }
	_, err = NewSchema(f)
	assert.Error(t, err)

	assert.Panics(t, func() { MustSchema(Field{}) })
}

func TestSchema_Validate(t *testing.T) {
	s := trailSchema()
	assert.NoError(t, s.Validate(State{"count": 1, "trail": []string{"a"}}))
	assert.Error(t, s.Validate(State{"count": "1"}))
	assert.Error(t, s.Validate(State{"trail": 1.5}))
}

func TestSchema_Normalize(t *testing.T) {
	s := MustSchema(
		OverwriteField[int]("count"),
		AppendField[string]("trail"),
		MessagesField("messages"),
	)
	in := State{
		"count": float64(3),
		"trail": []any{"a", "b"},
		"messages": []any{
			map[string]any{"id": "m1", "role": "user", "content": "hi"},
		},
		"other": "kept",
	}

	out, err := s.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, []string{"a", "b"}, out["trail"])
	assert.Equal(t, []Message{{ID: "m1", Role: "user", Content: "hi"}}, out["messages"])
	assert.Equal(t, "kept", out["other"])

	_, err = s.Normalize(State{"count": "nope"})
	var se *SchemaError
	assert.True(t, errors.As(err, &se))
}

func TestState_ProjectAndKeys(t *testing.T) {
	st := State{"b": 2, "a": 1, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, st.Keys())
	assert.Equal(t, State{"a": 1, "c": 3}, st.Project([]string{"a", "c", "missing"}))
	assert.Equal(t, st, st.Project(nil))

	v, ok := StateValue[int](st, "a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = StateValue[string](st, "a")
	assert.False(t, ok)
}

func TestProperty_MergePolicies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	s := trailSchema()

	properties.Property("append concatenates in update order", prop.ForAll(
		func(first, second []string) bool {
			out, err := s.Merge(State{}, State{"trail": first})
			if err != nil {
				return false
			}
			out, err = s.Merge(out, State{"trail": second})
			if err != nil {
				return false
			}
			got, _ := out["trail"].([]string)
			want := append(append([]string{}, first...), second...)
			return sameStrings(got, want)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("overwrite keeps the last value", prop.ForAll(
		func(values []int) bool {
			out := State{}
			for _, v := range values {
				var err error
				if out, err = s.Merge(out, State{"count": v}); err != nil {
					return false
				}
			}
			if len(values) == 0 {
				_, present := out["count"]
				return !present
			}
			return out["count"] == values[len(values)-1]
		},
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}

func TestMessagesField_ReplaceByID(t *testing.T) {
	s := MustSchema(MessagesField("messages"))

	out, err := s.Merge(State{}, State{"messages": Message{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	msgs := StateSlice[Message](out, "messages")
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].ID)

	edited := msgs[0]
	edited.Content = "hello"
	out, err = s.Merge(out, State{"messages": []Message{edited, {ID: "m2", Role: "assistant", Content: "yo"}}})
	require.NoError(t, err)
	msgs = StateSlice[Message](out, "messages")
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "m2", msgs[1].ID)
}
