package domain

import (
	"math"
	"math/rand/v2"
)

// SelectVariant picks the cache bucket for a completion or chat call.
// Temperature 0 always maps to bucket 0. Otherwise the bucket is drawn from
// [0, floor(temperature*multiplier)), collapsing to 0 when that range is empty.
// rnd must return values in [0, 1); nil uses math/rand/v2.
func SelectVariant(temperature, multiplier float64, rnd func() float64) int {
	if temperature <= 0 {
		return 0
	}

	buckets := math.Floor(temperature * multiplier)
	if buckets <= 1 {
		return 0
	}

	if rnd == nil {
		rnd = rand.Float64
	}
	return int(math.Floor(rnd() * buckets))
}
