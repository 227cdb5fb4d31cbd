// Package util provides utility functions for the pricebot application.
package util

import (
	"math/rand/v2"
	"time"
)

// RandomDelay returns a uniformly distributed duration in [min, max].
// Uses math/rand/v2; the delay is pacing, not security.
func RandomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
