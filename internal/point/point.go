// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package point

import (
	"encoding/json"
	"fmt"
	"time"
)

// secondsThreshold is the boundary below which a timestamp is assumed to be
// expressed in seconds rather than milliseconds, per spec: values at or above
// 10^12 are already milliseconds (that's roughly September 2001 in ms, or
// the year 33658 in seconds — any real seconds-since-epoch value is far
// below this line).
const secondsThreshold = int64(1_000_000_000_000)

// MaxMetricBytes is the maximum UTF-8 byte length of a metric name.
const MaxMetricBytes = 255

// MaxTags is the maximum number of entries a Point's tag map may carry.
const MaxTags = 32

// Point is the universal, immutable unit of telemetry. Once constructed via
// New, none of its fields are mutated; Tags is defensively copied on entry.
type Point struct {
	Metric      string
	Value       Value
	TimestampMs int64
	SourceID    string
	Tags        map[string]string
	SessionID   string
}

// New constructs a Point, normalizing timestampMs to integer milliseconds:
// values below 10^12 are interpreted as Unix seconds and rescaled by 1000;
// a value of exactly 10^12 is already milliseconds. Tags is copied so the
// caller's map may be reused or mutated afterward.
func New(metric string, value Value, timestampMs int64, sourceID string, tags map[string]string, sessionID string) Point {
	if timestampMs < secondsThreshold {
		timestampMs *= 1000
	}

	var copied map[string]string
	if len(tags) > 0 {
		copied = make(map[string]string, len(tags))
		for k, v := range tags {
			copied[k] = v
		}
	}

	return Point{
		Metric:      metric,
		Value:       value,
		TimestampMs: timestampMs,
		SourceID:    sourceID,
		Tags:        copied,
		SessionID:   sessionID,
	}
}

// Now constructs a Point timestamped at the current instant.
func Now(metric string, value Value, sourceID string, tags map[string]string, sessionID string) Point {
	return New(metric, value, time.Now().UnixMilli(), sourceID, tags, sessionID)
}

// wireForm is the JSON shape of a Point on the ingest endpoint and on
// telemetry control-channel frames (spec §6).
type wireForm struct {
	Metric    string            `json:"metric"`
	Value     Value             `json:"value"`
	SourceID  string            `json:"source_id"`
	Timestamp int64             `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireForm{
		Metric:    p.Metric,
		Value:     p.Value,
		SourceID:  p.SourceID,
		Timestamp: p.TimestampMs,
		Tags:      p.Tags,
		SessionID: p.SessionID,
	})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("point: decoding: %w", err)
	}
	*p = New(w.Metric, w.Value, w.Timestamp, w.SourceID, w.Tags, w.SessionID)
	return nil
}

// Validate checks the structural constraints spec §3 places on a Point:
// metric name byte length and tag count. Value domain errors are caught by
// Value's own decode path.
func (p Point) Validate() error {
	if len(p.Metric) == 0 {
		return fmt.Errorf("point: metric name must not be empty")
	}
	if len(p.Metric) > MaxMetricBytes {
		return fmt.Errorf("point: metric name exceeds %d bytes", MaxMetricBytes)
	}
	if len(p.Tags) > MaxTags {
		return fmt.Errorf("point: tags exceed %d entries", MaxTags)
	}
	return nil
}
