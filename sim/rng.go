package sim

// FastRNG is a per-goroutine splitmix64 RNG. Each Simulator owns one, so
// repetitions running on different goroutines never contend on a lock.
// It satisfies math/rand/v2's Source interface.
type FastRNG struct {
	state uint64
}

func NewFastRNG(seed int64) *FastRNG {
	return &FastRNG{state: uint64(seed)}
}

// Uint64 advances the generator.
func (r *FastRNG) Uint64() uint64 {
	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Float64 returns a uniform value in [0, 1).
func (r *FastRNG) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// Bernoulli returns true with probability p. p <= 0 never succeeds and
// p >= 1 always does, without consuming randomness.
func (r *FastRNG) Bernoulli(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.Float64() < p
}

// RepetitionSeed derives the seed of repetition i from a base seed so that
// results do not depend on which worker ran which repetition.
func RepetitionSeed(base int64, repetitions, i int) int64 {
	return (base*int64(repetitions) + int64(i) + 1) * 997
}
