// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package command implements the typed-command registry (spec §4.4):
// statically registered, schema-validated operations the backend invokes
// over the control channel. Per spec §9 DESIGN NOTES, registration uses an
// explicit builder instead of the source's decorator-with-function-attribute
// metadata pattern.
package command

import (
	"fmt"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// ParamKind enumerates the supported parameter types.
type ParamKind string

const (
	KindFloat  ParamKind = "float"
	KindInt    ParamKind = "int"
	KindString ParamKind = "string"
	KindBool   ParamKind = "bool"
	KindEnum   ParamKind = "enum"
)

// Param describes one command parameter: name, kind, optional numeric
// bounds/step, optional default, required flag, optional enum choices.
type Param struct {
	name        string
	kind        ParamKind
	description string
	unit        string
	min, max    *float64
	step        *float64
	def         *point.Value
	required    bool
	choices     []string
}

// Float declares a float-kind parameter with the given name, required by
// default until Default is applied.
func Float(name string) *Param { return &Param{name: name, kind: KindFloat, required: true} }

// Int declares an int-kind parameter.
func Int(name string) *Param { return &Param{name: name, kind: KindInt, required: true} }

// String declares a string-kind parameter.
func String(name string) *Param { return &Param{name: name, kind: KindString, required: true} }

// Bool declares a bool-kind parameter.
func Bool(name string) *Param { return &Param{name: name, kind: KindBool, required: true} }

// Enum declares an enum-kind parameter restricted to choices.
func Enum(name string, choices ...string) *Param {
	return &Param{name: name, kind: KindEnum, required: true, choices: choices}
}

// Range sets the inclusive numeric bounds for a float/int parameter.
func (p *Param) Range(min, max float64) *Param {
	p.min, p.max = &min, &max
	return p
}

// Step sets the UI slider step size.
func (p *Param) Step(step float64) *Param {
	p.step = &step
	return p
}

// Default sets a default value and implicitly makes the parameter optional,
// matching original_source/plexus/typed_commands.py's param() decorator:
// "if default is not None: required = False".
func (p *Param) Default(v point.Value) *Param {
	p.def = &v
	p.required = false
	return p
}

// Describe attaches a human-readable description.
func (p *Param) Describe(desc string) *Param {
	p.description = desc
	return p
}

// Unit attaches a display unit (e.g. "RPM", "celsius").
func (p *Param) Unit(unit string) *Param {
	p.unit = unit
	return p
}

// Required explicitly overrides the required flag (useful to force a
// parameter optional without a default, or required despite one).
func (p *Param) Required(required bool) *Param {
	p.required = required
	return p
}

// Handler is the function a command invokes once parameters are validated.
// The return value follows spec §4.4 step 5's normalization: a map is
// forwarded as result, any other non-nil value is wrapped as
// {"value": returned}, nil becomes {"status":"ok"}.
type Handler func(args map[string]point.Value) (any, error)

// Descriptor is a fully built command: name, handler, description, ordered
// parameters.
type Descriptor struct {
	name        string
	description string
	params      []*Param
	handler     Handler
}

// Builder accumulates a command's parameters before Handler finalizes
// registration, the builder-style replacement spec §9 DESIGN NOTES
// prescribes for the source's decorator-registered commands:
//
//	registry.Register("set_speed").
//		Param(command.Float("rpm").Range(0, 10000)).
//		Handler(fn)
type Builder struct {
	registry    *Registry
	name        string
	description string
	params      []*Param
}

// Param appends a parameter descriptor, in declaration order.
func (b *Builder) Param(p *Param) *Builder {
	b.params = append(b.params, p)
	return b
}

// Describe attaches a human-readable command description.
func (b *Builder) Describe(desc string) *Builder {
	b.description = desc
	return b
}

// Handler finalizes registration with the given handler function and
// returns the completed Descriptor.
func (b *Builder) Handler(h Handler) *Descriptor {
	d := &Descriptor{
		name:        b.name,
		description: b.description,
		params:      b.params,
		handler:     h,
	}
	b.registry.commands[b.name] = d
	return d
}

// Registry holds statically registered command descriptors, keyed by name.
type Registry struct {
	commands map[string]*Descriptor
}

// NewRegistry constructs an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Descriptor)}
}

// Register begins building a new command descriptor named name.
func (r *Registry) Register(name string) *Builder {
	return &Builder{registry: r, name: name}
}

// Names returns all registered command names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	return names
}

// Len reports the number of registered commands.
func (r *Registry) Len() int { return len(r.commands) }

// Schema is the JSON-serializable description of one command, advertised
// during the connector's auth handshake (spec §4.4, §4.7).
type Schema struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Params      []ParamSchema `json:"params,omitempty"`
}

// ParamSchema is the JSON-serializable description of one parameter.
type ParamSchema struct {
	Name        string    `json:"name"`
	Type        ParamKind `json:"type"`
	Description string    `json:"description,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Step        *float64  `json:"step,omitempty"`
	Default     any       `json:"default,omitempty"`
	Required    bool      `json:"required"`
	Choices     []string  `json:"choices,omitempty"`
}

// Schemas returns JSON schemas for every registered command, for the
// dashboard's auto-generated UI.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd.schema())
	}
	return out
}

func (d *Descriptor) schema() Schema {
	s := Schema{Name: d.name, Description: d.description}
	for _, p := range d.params {
		ps := ParamSchema{
			Name:        p.name,
			Type:        p.kind,
			Description: p.description,
			Unit:        p.unit,
			Min:         p.min,
			Max:         p.max,
			Step:        p.step,
			Required:    p.required,
			Choices:     p.choices,
		}
		if p.def != nil {
			ps.Default = *p.def
		}
		s.Params = append(s.Params, ps)
	}
	return s
}

// Result groups the outcome of a dispatch: exactly one of Result or Err is
// set, following spec §4.4 step 5/6's framing. Execute returns these three
// values separately rather than as a Result.
type Result struct {
	Ack    bool
	Result map[string]any
	Err    error
}

// Execute runs the 6-step dispatch protocol spec §4.4 describes: lookup,
// per-parameter ordered validation with first-failure short-circuit, ack,
// invoke, normalize the return value, convert a handler panic/error to a
// structured error. It never panics outward — recovered panics surface as
// the returned error.
func (r *Registry) Execute(name string, args map[string]point.Value) (ack bool, result map[string]any, err error) {
	cmd, ok := r.commands[name]
	if !ok {
		return false, nil, fmt.Errorf("unknown command: %s", name)
	}

	kwargs := make(map[string]point.Value, len(cmd.params))
	for _, p := range cmd.params {
		v, present := args[p.name]
		switch {
		case present:
			if err := p.validate(v); err != nil {
				return false, nil, err
			}
			kwargs[p.name] = v
		case p.def != nil:
			kwargs[p.name] = *p.def
		case p.required:
			return false, nil, fmt.Errorf("missing parameter: %s", p.name)
		}
	}

	result, err = cmd.invoke(kwargs)
	return true, result, err
}

func (cmd *Descriptor) invoke(kwargs map[string]point.Value) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %q panicked: %v", cmd.name, r)
		}
	}()

	raw, handlerErr := cmd.handler(kwargs)
	if handlerErr != nil {
		return nil, handlerErr
	}

	switch v := raw.(type) {
	case nil:
		return map[string]any{"status": "ok"}, nil
	case map[string]any:
		return v, nil
	default:
		return map[string]any{"value": v}, nil
	}
}

func (p *Param) validate(v point.Value) error {
	switch p.kind {
	case KindFloat:
		f, ok := v.AsFloat64()
		if !ok {
			return fmt.Errorf("'%s' must be a number", p.name)
		}
		return p.checkBounds(f)
	case KindInt:
		i, ok := v.Int()
		if !ok {
			return fmt.Errorf("'%s' must be an integer", p.name)
		}
		return p.checkBounds(float64(i))
	case KindString:
		if _, ok := v.String(); !ok {
			return fmt.Errorf("'%s' must be a string", p.name)
		}
	case KindBool:
		if _, ok := v.Bool(); !ok {
			return fmt.Errorf("'%s' must be a boolean", p.name)
		}
	case KindEnum:
		s, ok := v.String()
		if !ok {
			return fmt.Errorf("'%s' must be a string", p.name)
		}
		if len(p.choices) > 0 && !contains(p.choices, s) {
			return fmt.Errorf("'%s' must be one of %v, got %q", p.name, p.choices, s)
		}
	}
	return nil
}

func (p *Param) checkBounds(v float64) error {
	if p.min != nil && v < *p.min {
		return fmt.Errorf("'%s' must be >= %v", p.name, *p.min)
	}
	if p.max != nil && v > *p.max {
		return fmt.Errorf("'%s' must be <= %v", p.name, *p.max)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
