// Package skill holds the registry of named operations shared by live chat
// dispatch and scheduled workflows.
//
// Each skill declares an ordered parameter schema. Dispatch binds a loose
// parameter bag (as produced by the intent classifier) onto that schema,
// injecting the caller's identity for the reserved "recipient" parameter.
package skill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParamRecipient is bound from the call context when a skill declares it.
const ParamRecipient = "recipient"

var (
	ErrDuplicateSkill = errors.New("duplicate skill")
	ErrUnknownSkill   = errors.New("skill not found")
	ErrExecution      = errors.New("skill execution failed")
)

type Param struct {
	Name        string
	Description string
	Default     any
	HasDefault  bool
}

// Optional declares a parameter with a default value.
func Optional(name string, def any) Param {
	return Param{Name: name, Default: def, HasDefault: true}
}

// Required declares a parameter without a default.
func Required(name string) Param {
	return Param{Name: name}
}

type Func func(ctx context.Context, args Args) (string, error)

type Skill struct {
	Name        string
	Description string
	Params      []Param
	Run         Func
}

// Context carries values the binder may inject.
type Context struct {
	Recipient string
}

// UnknownSkillError is returned by Dispatch for unregistered names.
type UnknownSkillError struct {
	Name string
}

func (e *UnknownSkillError) Error() string { return "skill not found: " + e.Name }
func (e *UnknownSkillError) Unwrap() error { return ErrUnknownSkill }

// ExecutionError wraps whatever a skill returned or panicked with.
type ExecutionError struct {
	Skill string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s: %v", e.Skill, e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Err} }

// PanicError is a recovered skill panic. Error omits the stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Args is the bound parameter set seen by a skill. Absent keys mean the
// parameter had no value, no contextual binding and no default.
type Args map[string]any

func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// String renders the value as text. JSON objects and arrays are re-encoded.
func (a Args) String(name string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

// Int64 accepts numbers and numeric strings. Fractions are truncated.
func (a Args) Int64(name string) (int64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, nil
	}
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		return int64(f), err
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: not a number: %q", name, x)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("%s: not a number: %v", name, v)
	}
}

// Bool accepts booleans and the usual truthy strings.
func (a Args) Bool(name string) bool {
	switch x := a[name].(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return false
}

// Raw returns the value re-encoded as JSON. A JSON-encoded string value is
// returned as its decoded content.
func (a Args) Raw(name string) (json.RawMessage, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case json.RawMessage:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("%s: invalid JSON", name)
		}
		return json.RawMessage(s), nil
	}
	return json.Marshal(v)
}

// Map returns an object-valued parameter. JSON strings are decoded.
func (a Args) Map(name string) (map[string]any, error) {
	raw, err := a.Raw(name)
	if err != nil || raw == nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: expected an object: %w", name, err)
	}
	return m, nil
}
