// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package point

import (
	"encoding/json"
	"testing"
)

func TestNewNormalizesSecondsToMillis(t *testing.T) {
	cases := []struct {
		name  string
		in    int64
		want  int64
	}{
		{"seconds", 1_700_000_000, 1_700_000_000_000},
		{"already millis", 1_700_000_000_000, 1_700_000_000_000},
		{"exactly threshold is millis", 1_000_000_000_000, 1_000_000_000_000},
		{"one below threshold is seconds", 999_999_999_999, 999_999_999_999_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New("m", Int(1), tc.in, "src", nil, "")
			if p.TimestampMs != tc.want {
				t.Fatalf("got %d want %d", p.TimestampMs, tc.want)
			}
		})
	}
}

func TestPointJSONRoundTrip(t *testing.T) {
	orig := New("imu.accel.x", Float(1.5), 1_700_000_000_000, "source-abc", map[string]string{"unit": "g"}, "sess-1")

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Point
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Metric != orig.Metric || got.SourceID != orig.SourceID || got.SessionID != orig.SessionID {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, orig)
	}
	if f, ok := got.Value.Float(); !ok || f != 1.5 {
		t.Fatalf("value mismatch: %+v", got.Value)
	}
	if got.Tags["unit"] != "g" {
		t.Fatalf("tags mismatch: %+v", got.Tags)
	}
}

func TestValueRoundTripNestedMapAndList(t *testing.T) {
	v := Map(map[string]Value{
		"a": Int(1),
		"b": List([]Value{String("x"), Bool(true)}),
	})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	m, ok := got.Map()
	if !ok {
		t.Fatalf("expected map kind, got %v", got.Kind())
	}
	if av, _ := m["a"].Int(); av != 1 {
		t.Fatalf("a = %v", m["a"])
	}
	l, ok := m["b"].List()
	if !ok || len(l) != 2 {
		t.Fatalf("b = %v", m["b"])
	}
}

func TestValidateRejectsOversizedMetric(t *testing.T) {
	long := make([]byte, MaxMetricBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	p := New(string(long), Int(1), 0, "src", nil, "")
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for oversized metric")
	}
}

func TestValidateRejectsTooManyTags(t *testing.T) {
	tags := make(map[string]string, MaxTags+1)
	for i := 0; i < MaxTags+1; i++ {
		tags[string(rune('a'+i))] = "v"
	}
	p := New("m", Int(1), 0, "src", tags, "")
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for too many tags")
	}
}
