// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package command

import (
	"errors"
	"testing"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

func TestExecuteUnknownCommand(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Execute("nope", nil)
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestExecuteRejectsOutOfRangeParam(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("set_speed").
		Param(Float("rpm").Range(0, 10000)).
		Handler(func(args map[string]point.Value) (any, error) {
			called = true
			return nil, nil
		})

	ack, _, err := r.Execute("set_speed", map[string]point.Value{"rpm": point.Int(12000)})
	if err == nil {
		t.Fatal("expected validation error for out-of-range rpm")
	}
	if ack {
		t.Fatal("expected no ack on validation failure")
	}
	if called {
		t.Fatal("handler must not run when validation fails (no partial effects)")
	}
}

func TestExecuteAppliesDefault(t *testing.T) {
	r := NewRegistry()
	var gotRamp float64
	r.Register("set_speed").
		Param(Float("rpm").Range(0, 10000)).
		Param(Float("ramp_time").Default(point.Float(1.0))).
		Handler(func(args map[string]point.Value) (any, error) {
			gotRamp, _ = args["ramp_time"].Float()
			return map[string]any{"ok": true}, nil
		})

	ack, result, err := r.Execute("set_speed", map[string]point.Value{"rpm": point.Float(100)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ack {
		t.Fatal("expected ack")
	}
	if gotRamp != 1.0 {
		t.Fatalf("expected default ramp_time 1.0, got %v", gotRamp)
	}
	if result["ok"] != true {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteMissingRequiredParam(t *testing.T) {
	r := NewRegistry()
	r.Register("set_speed").
		Param(Float("rpm")).
		Handler(func(args map[string]point.Value) (any, error) { return nil, nil })

	_, _, err := r.Execute("set_speed", map[string]point.Value{})
	if err == nil {
		t.Fatal("expected missing-parameter error")
	}
}

func TestExecuteNormalizesNilToStatusOK(t *testing.T) {
	r := NewRegistry()
	r.Register("home").Handler(func(args map[string]point.Value) (any, error) { return nil, nil })

	_, result, err := r.Execute("home", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["status"] != "ok" {
		t.Fatalf("expected {status: ok}, got %+v", result)
	}
}

func TestExecuteNormalizesScalarToValueWrapper(t *testing.T) {
	r := NewRegistry()
	r.Register("read").Handler(func(args map[string]point.Value) (any, error) { return 42, nil })

	_, result, err := r.Execute("read", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["value"] != 42 {
		t.Fatalf("expected {value: 42}, got %+v", result)
	}
}

func TestExecuteHandlerErrorSurfaces(t *testing.T) {
	r := NewRegistry()
	sentinel := errors.New("motor stalled")
	r.Register("move").Handler(func(args map[string]point.Value) (any, error) { return nil, sentinel })

	_, _, err := r.Execute("move", nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

func TestExecuteHandlerPanicRecovered(t *testing.T) {
	r := NewRegistry()
	r.Register("boom").Handler(func(args map[string]point.Value) (any, error) { panic("kaboom") })

	_, _, err := r.Execute("boom", nil)
	if err == nil {
		t.Fatal("expected recovered panic to surface as error")
	}
}

func TestEnumValidation(t *testing.T) {
	r := NewRegistry()
	r.Register("set_dir").
		Param(Enum("direction", "cw", "ccw").Default(point.String("cw"))).
		Handler(func(args map[string]point.Value) (any, error) { return nil, nil })

	if _, _, err := r.Execute("set_dir", map[string]point.Value{"direction": point.String("sideways")}); err == nil {
		t.Fatal("expected enum validation error")
	}
	if _, _, err := r.Execute("set_dir", map[string]point.Value{"direction": point.String("cw")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchemasIncludeAllRegisteredCommands(t *testing.T) {
	r := NewRegistry()
	r.Register("a").Handler(func(map[string]point.Value) (any, error) { return nil, nil })
	r.Register("b").Param(Int("n").Range(0, 10)).Handler(func(map[string]point.Value) (any, error) { return nil, nil })

	schemas := r.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("expected 2 schemas, got %d", len(schemas))
	}
}
