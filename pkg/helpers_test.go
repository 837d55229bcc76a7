package poreflow_test

import "math/rand"

type segment struct {
	n     int
	level float64
}

// trace concatenates flat segments with gaussian noise of the given std.
func trace(rng *rand.Rand, std float64, segments ...segment) []float64 {
	var out []float64
	for _, s := range segments {
		for i := 0; i < s.n; i++ {
			out = append(out, s.level+std*rng.NormFloat64())
		}
	}
	return out
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}
