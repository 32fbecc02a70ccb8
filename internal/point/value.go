// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package point implements the Point data model: the immutable telemetry
// record that flows from drivers through the stream manager to the control
// channel and the ingest buffer.
package point

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindInt Kind = iota
	KindUint
	KindFloat
	KindBool
	KindString
	KindMap
	KindList
)

// Value is a tagged union over the value domain a Point may carry: signed or
// unsigned integers, floats, bools, strings, string-keyed maps of Value, and
// homogeneous lists of Value. Exactly one of the typed fields is meaningful,
// selected by Kind.
type Value struct {
	kind Kind
	i    int64
	u    uint64
	f    float64
	b    bool
	s    string
	m    map[string]Value
	l    []Value
}

func Int(v int64) Value           { return Value{kind: KindInt, i: v} }
func Uint(v uint64) Value         { return Value{kind: KindUint, u: v} }
func Float(v float64) Value       { return Value{kind: KindFloat, f: v} }
func Bool(v bool) Value           { return Value{kind: KindBool, b: v} }
func String(v string) Value       { return Value{kind: KindString, s: v} }
func Map(v map[string]Value) Value { return Value{kind: KindMap, m: v} }
func List(v []Value) Value        { return Value{kind: KindList, l: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Int() (int64, bool)             { return v.i, v.kind == KindInt }
func (v Value) Uint() (uint64, bool)           { return v.u, v.kind == KindUint }
func (v Value) Float() (float64, bool)         { return v.f, v.kind == KindFloat }
func (v Value) Bool() (bool, bool)             { return v.b, v.kind == KindBool }
func (v Value) String() (string, bool)         { return v.s, v.kind == KindString }
func (v Value) Map() (map[string]Value, bool)  { return v.m, v.kind == KindMap }
func (v Value) List() ([]Value, bool)          { return v.l, v.kind == KindList }

// AsFloat64 best-effort widens any numeric Value to float64, for callers (such
// as the command registry's numeric bound validation) that don't care about
// the exact integer/float distinction. ok is false for non-numeric kinds.
func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindUint:
		return float64(v.u), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// MarshalJSON follows the obvious mapping: integers/floats/bools/strings to
// their JSON scalar counterparts, Map to a JSON object, List to a JSON array.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return json.Marshal(v.i)
	case KindUint:
		return json.Marshal(v.u)
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	case KindMap:
		return json.Marshal(v.m)
	case KindList:
		return json.Marshal(v.l)
	default:
		return nil, fmt.Errorf("point: value has unset kind")
	}
}

// UnmarshalJSON infers the tagged-union variant from the JSON token: numbers
// are decoded as json.Number; integer literals that fit in int64 become
// KindInt and every other number becomes KindFloat (KindUint is never
// produced), objects become KindMap, arrays become KindList, and so on.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("point: decoding value: %w", err)
	}
	val, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, fmt.Errorf("point: value may not be null")
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("point: decoding number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, rv := range t {
			cv, err := fromAny(rv)
			if err != nil {
				return Value{}, err
			}
			m[k] = cv
		}
		return Map(m), nil
	case []any:
		l := make([]Value, len(t))
		for i, rv := range t {
			cv, err := fromAny(rv)
			if err != nil {
				return Value{}, err
			}
			l[i] = cv
		}
		return List(l), nil
	default:
		return Value{}, fmt.Errorf("point: unsupported value type %T", raw)
	}
}
