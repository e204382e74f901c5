package skill

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// Registry is built once at startup and read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	skills map[string]Skill
}

func NewRegistry() *Registry {
	return &Registry{skills: map[string]Skill{}}
}

// Register adds s. A second skill with the same name is rejected.
func (r *Registry) Register(s Skill) error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("skill name is required")
	}
	if s.Run == nil {
		return fmt.Errorf("skill %s: nil Run", name)
	}
	seen := map[string]bool{}
	for _, p := range s.Params {
		if p.Name == "" {
			return fmt.Errorf("skill %s: empty param name", name)
		}
		if seen[p.Name] {
			return fmt.Errorf("skill %s: param %q declared twice", name, p.Name)
		}
		seen[p.Name] = true
	}
	s.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSkill, name)
	}
	r.skills[name] = s
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(skills ...Skill) {
	for _, s := range skills {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// RegisterAll registers skills in order and stops at the first error.
func (r *Registry) RegisterAll(skills ...Skill) error {
	for _, s := range skills {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Lookup(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names lists skills in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Describe renders the catalog injected into the classifier prompt.
// Contextual parameters are omitted.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for i, name := range r.order {
		s := r.skills[name]
		fmt.Fprintf(&b, "%d. %q: %s\n", i+1, s.Name, s.Description)
		var params []string
		for _, p := range s.Params {
			if p.Name == ParamRecipient {
				continue
			}
			params = append(params, p.Name)
		}
		if len(params) > 0 {
			fmt.Fprintf(&b, "   - params: %s\n", strings.Join(params, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Bind resolves every declared parameter: bag value, then contextual value,
// then default. Undeclared bag keys are dropped.
func Bind(s Skill, bag map[string]any, cc Context) Args {
	args := make(Args, len(s.Params))
	for _, p := range s.Params {
		if v, ok := bag[p.Name]; ok && v != nil {
			args[p.Name] = v
			continue
		}
		if p.Name == ParamRecipient && cc.Recipient != "" {
			args[p.Name] = cc.Recipient
			continue
		}
		if p.HasDefault {
			args[p.Name] = p.Default
		}
	}
	return args
}

// Dispatch binds bag onto the named skill and runs it.
func (r *Registry) Dispatch(ctx context.Context, name string, bag map[string]any, cc Context) (out string, err error) {
	s, ok := r.Lookup(name)
	if !ok {
		return "", &UnknownSkillError{Name: name}
	}
	args := Bind(s, bag, cc)

	defer func() {
		if rec := recover(); rec != nil {
			err = &ExecutionError{Skill: s.Name, Err: &PanicError{Value: rec, Stack: debug.Stack()}}
		}
	}()
	out, err = s.Run(ctx, args)
	if err != nil {
		return out, &ExecutionError{Skill: s.Name, Err: err}
	}
	return out, nil
}
