/*
Copyright © 2025 The pipemeter Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transfer

import (
	"time"

	"golang.org/x/time/rate"
)

// BurstWindow is the number of seconds of unused allowance that may be
// carried forward when rate limiting, so short bursts can run above the
// nominal rate while the long-run average stays at the limit.
const BurstWindow = 5

// RateController limits throughput to a configured number of bytes (or, in
// line mode, lines) per second.  Unused allowance accumulates up to
// limit × BurstWindow.  A zero limit disables the controller entirely.
type RateController struct {
	limit   int64
	limiter *rate.Limiter
}

// NewRateController returns a controller for the given per-second limit.
// A limit of zero or less means unlimited.
func NewRateController(limit int64) *RateController {
	c := &RateController{limit: limit}
	if limit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(limit), int(limit*BurstWindow))
		// Start with an empty bucket so the first second is not a
		// full burst on top of the nominal rate.
		c.limiter.AllowN(time.Now(), int(limit*BurstWindow))
	}
	return c
}

// Limited reports whether a limit is in force.
func (c *RateController) Limited() bool {
	return c.limit > 0
}

// Allowance returns the number of bytes that may be sent right now without
// exceeding the limit.  Unlimited controllers return 0, which callers treat
// as "no cap".
func (c *RateController) Allowance() int64 {
	return c.AllowanceAt(time.Now())
}

// AllowanceAt is Allowance evaluated at an explicit moment.
func (c *RateController) AllowanceAt(now time.Time) int64 {
	if c.limiter == nil {
		return 0
	}
	tokens := c.limiter.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return int64(tokens)
}

// Spend charges n transferred bytes against the allowance.
func (c *RateController) Spend(n int64) {
	c.SpendAt(time.Now(), n)
}

// SpendAt is Spend evaluated at an explicit moment.
func (c *RateController) SpendAt(now time.Time, n int64) {
	if c.limiter == nil || n <= 0 {
		return
	}
	c.limiter.AllowN(now, int(n))
}
