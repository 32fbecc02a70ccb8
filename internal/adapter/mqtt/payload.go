// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mqtt

import (
	"encoding/json"

	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// parseFlatObject decodes text as a JSON object and converts it one level
// deep into point.Value, per spec §9's MQTT flattening rule. Returns ok=false
// if text is not a JSON object.
func parseFlatObject(text string) (map[string]point.Value, bool) {
	if len(text) == 0 || text[0] != '{' {
		return nil, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	out := make(map[string]point.Value, len(raw))
	for k, v := range raw {
		var val point.Value
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		out[k] = val
	}
	return out, true
}

// parseList decodes text as a JSON array, passed through as a list value
// rather than flattened (spec §9).
func parseList(text string) ([]point.Value, bool) {
	if len(text) == 0 || text[0] != '[' {
		return nil, false
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	out := make([]point.Value, 0, len(raw))
	for _, v := range raw {
		var val point.Value
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		out = append(out, val)
	}
	return out, true
}
