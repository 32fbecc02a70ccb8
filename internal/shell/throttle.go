// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shell

import (
	"context"

	"golang.org/x/time/rate"
)

// defaultLinesPerSec caps the rate of data frames emitted to the control
// channel, preventing a runaway command from flooding it. Adapted from
// internal/agent/throttle.go's byte-rate ThrottledWriter, retargeted at
// output lines rather than raw bytes since the executor frames output
// line-by-line (spec §4.5).
const defaultLinesPerSec = 200

// lineLimiter throttles how often Execute emits EventData frames.
type lineLimiter struct {
	limiter *rate.Limiter
}

// newLineLimiter builds a limiter allowing up to linesPerSec data frames per
// second, bursting up to the same amount. linesPerSec <= 0 selects
// defaultLinesPerSec.
func newLineLimiter(linesPerSec int) *lineLimiter {
	if linesPerSec <= 0 {
		linesPerSec = defaultLinesPerSec
	}
	return &lineLimiter{limiter: rate.NewLimiter(rate.Limit(linesPerSec), linesPerSec)}
}

// throttle blocks until the next data frame may be emitted, or ctx ends.
func (l *lineLimiter) throttle(ctx context.Context) {
	if l == nil || l.limiter == nil {
		return
	}
	_ = l.limiter.Wait(ctx)
}
