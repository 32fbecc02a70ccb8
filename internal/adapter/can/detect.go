// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package can

// Detected describes one CAN interface found by the (out-of-scope, spec
// §1(c)) hardware-detection routine: interface family, channel name,
// operational state, and configured bitrate. The stream manager's CAN loop
// is handed a []Detected slice and looks up by channel (spec §4.6 "locate
// the detected adapter by channel name; refuse if the interface is not
// brought up"), grounded on
// original_source/plexus/adapters/can_detect.py's DetectedCAN dataclass.
type Detected struct {
	Interface string
	Channel   string
	IsUp      bool
	Bitrate   int
}

// Find returns the Detected entry for channel, or ok=false if none matches.
func Find(detected []Detected, channel string) (Detected, bool) {
	for _, d := range detected {
		if d.Channel == channel {
			return d, true
		}
	}
	return Detected{}, false
}
