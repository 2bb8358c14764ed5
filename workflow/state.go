package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// State is the record threaded through a graph run. Steps receive it
// read-only and express every change through Command.Update.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the field names of s in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Project returns a copy of s restricted to fields. An empty field list
// returns a copy of the whole state.
func (s State) Project(fields []string) State {
	if len(fields) == 0 {
		return s.Clone()
	}
	out := make(State, len(fields))
	for _, f := range fields {
		if v, ok := s[f]; ok {
			out[f] = v
		}
	}
	return out
}

// StateValue returns the value stored under key if it has type T.
func StateValue[T any](s State, key string) (T, bool) {
	var zero T
	v, ok := s[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// StateSlice returns the sequence stored under an Append field.
func StateSlice[T any](s State, key string) []T {
	v, _ := StateValue[[]T](s, key)
	return v
}

// =============================================================================
// Merge policies
// =============================================================================

// MergePolicy decides how a step update combines with the current value of a field.
type MergePolicy int

const (
	// Overwrite replaces the current value. It is the default for every field.
	Overwrite MergePolicy = iota
	// Append concatenates the update to the existing ordered sequence.
	Append
)

func (p MergePolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// Reducer combines the current sequence of an Append field with an update.
// Both arguments are slices of the field's declared element type.
type Reducer func(current, update any) (any, error)

// Field declares one state field. For Append fields Type is the element type.
// A nil Type disables type checking for the field.
type Field struct {
	Name    string
	Policy  MergePolicy
	Type    reflect.Type
	Reducer Reducer
}

// OverwriteField declares an Overwrite field holding values of type T.
func OverwriteField[T any](name string) Field {
	return Field{Name: name, Policy: Overwrite, Type: reflect.TypeFor[T]()}
}

// AppendField declares an Append field whose sequence elements have type T.
func AppendField[T any](name string) Field {
	return Field{Name: name, Policy: Append, Type: reflect.TypeFor[T]()}
}

func (f Field) sliceType() reflect.Type {
	if f.Type == nil {
		return reflect.TypeFor[[]any]()
	}
	return reflect.SliceOf(f.Type)
}

// asSequence converts an Append update or stored value into a slice of the
// declared element type. A single element becomes a one-element sequence.
func (f Field) asSequence(v any) (reflect.Value, error) {
	st := f.sliceType()
	if v == nil {
		return reflect.MakeSlice(st, 0, 0), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(st) {
		return rv, nil
	}

	// An interface element type accepts any value, so a slice is read as a
	// sequence rather than as one element.
	isSeq := rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	if f.Type != nil && rv.Type().AssignableTo(f.Type) && !(isSeq && f.Type.Kind() == reflect.Interface) {
		out := reflect.MakeSlice(st, 1, 1)
		out.Index(0).Set(rv)
		return out, nil
	}
	if isSeq {
		out := reflect.MakeSlice(st, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i)
			if elem.Kind() == reflect.Interface {
				elem = elem.Elem()
			}
			if !elem.IsValid() {
				out = reflect.Append(out, reflect.Zero(st.Elem()))
				continue
			}
			if !elem.Type().AssignableTo(st.Elem()) {
				return reflect.Value{}, &SchemaError{Field: f.Name, Want: st.String(), Got: rv.Type().String()}
			}
			out = reflect.Append(out, elem)
		}
		return out, nil
	}
	if f.Type == nil {
		out := reflect.MakeSlice(st, 1, 1)
		out.Index(0).Set(rv)
		return out, nil
	}
	return reflect.Value{}, &SchemaError{Field: f.Name, Want: st.String(), Got: rv.Type().String()}
}

func (f Field) check(v any) error {
	if f.Type == nil || v == nil {
		return nil
	}
	if t := reflect.TypeOf(v); !t.AssignableTo(f.Type) {
		return &SchemaError{Field: f.Name, Want: f.Type.String(), Got: t.String()}
	}
	return nil
}

// =============================================================================
// Schema
// =============================================================================

// Schema is the per-field policy table of a state type. Policies are fixed
// once the schema is built. A nil *Schema treats every field as an untyped
// Overwrite field.
type Schema struct {
	fields map[string]Field
	order  []string
}

// NewSchema builds a schema from field declarations.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema: field name cannot be empty")
		}
		if _, dup := s.fields[f.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate field %q", f.Name)
		}
		if f.Reducer != nil && f.Policy != Append {
			return nil, fmt.Errorf("schema: field %q: reducers are only valid on append fields", f.Name)
		}
		s.fields[f.Name] = f
		s.order = append(s.order, f.Name)
	}
	return s, nil
}

// MustSchema is NewSchema that panics on an invalid declaration.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the declaration of name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	f, ok := s.fields[name]
	return f, ok
}

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []Field {
	if s == nil {
		return nil
	}
	out := make([]Field, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.fields[name])
	}
	return out
}

// Policy returns the merge policy of name; undeclared fields are Overwrite.
func (s *Schema) Policy(name string) MergePolicy {
	f, _ := s.Field(name)
	return f.Policy
}

// Merge applies update on top of current and returns the new state. Neither
// argument is modified. Values whose type does not match the declared field
// type fail with a *SchemaError.
func (s *Schema) Merge(current, update State) (State, error) {
	out := current.Clone()
	for _, key := range update.Keys() {
		val := update[key]
		f, declared := s.Field(key)
		if !declared {
			out[key] = val
			continue
		}
		if f.Policy != Append {
			if err := f.check(val); err != nil {
				return nil, err
			}
			out[key] = val
			continue
		}

		add, err := f.asSequence(val)
		if err != nil {
			return nil, err
		}
		base, err := f.asSequence(out[key])
		if err != nil {
			return nil, err
		}
		if f.Reducer != nil {
			merged, err := f.Reducer(base.Interface(), add.Interface())
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			out[key] = merged
			continue
		}
		merged := reflect.MakeSlice(f.sliceType(), 0, base.Len()+add.Len())
		merged = reflect.AppendSlice(merged, base)
		merged = reflect.AppendSlice(merged, add)
		out[key] = merged.Interface()
	}
	return out, nil
}

// Validate checks every declared field present in st against its type.
func (s *Schema) Validate(st State) error {
	for _, f := range s.Fields() {
		v, ok := st[f.Name]
		if !ok {
			continue
		}
		if f.Policy == Append {
			if _, err := f.asSequence(v); err != nil {
				return err
			}
			continue
		}
		if err := f.check(v); err != nil {
			return err
		}
	}
	return nil
}

// Normalize coerces values decoded from a durable checkpoint (generic JSON
// numbers, maps and []any) back into the declared field types.
func (s *Schema) Normalize(st State) (State, error) {
	out := st.Clone()
	for _, f := range s.Fields() {
		v, ok := out[f.Name]
		if !ok || v == nil || f.Type == nil {
			continue
		}
		target := f.Type
		if f.Policy == Append {
			if seq, err := f.asSequence(v); err == nil {
				out[f.Name] = seq.Interface()
				continue
			}
			target = f.sliceType()
		} else if reflect.TypeOf(v).AssignableTo(target) {
			continue
		}

		raw, err := json.Marshal(v)
		if err != nil {
			return nil, &SchemaError{Field: f.Name, Want: target.String(), Got: reflect.TypeOf(v).String()}
		}
		ptr := reflect.New(target)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, &SchemaError{Field: f.Name, Want: target.String(), Got: reflect.TypeOf(v).String()}
		}
		out[f.Name] = ptr.Elem().Interface()
	}
	return out, nil
}
