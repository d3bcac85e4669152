package core

// Linear-congruential constants. The modulus is small enough that seed*A+C
// never overflows int64, so no wrap-around handling is needed.
const (
	lcgMultiplier = 9301
	lcgIncrement  = 49297
	lcgModulus    = 233280
)

// SeededSource is a deterministic pseudo-random source. The same seed always
// reproduces the same sequence of draws. It is not safe for concurrent use;
// owners serialize access.
type SeededSource struct {
	seed int64
}

// NewSeededSource returns a source positioned at seed.
func NewSeededSource(seed int64) *SeededSource {
	s := &SeededSource{}
	s.Reset(seed)
	return s
}

// Reset moves the source back to seed. Values outside [0, modulus) are folded in.
func (s *SeededSource) Reset(seed int64) {
	seed %= lcgModulus
	if seed < 0 {
		seed += lcgModulus
	}
	s.seed = seed
}

// Seed returns the current internal state, suitable for a later Reset.
func (s *SeededSource) Seed() int64 {
	return s.seed
}

// Next advances the recurrence and returns a draw in [0, 1).
func (s *SeededSource) Next() float64 {
	s.seed = (s.seed*lcgMultiplier + lcgIncrement) % lcgModulus
	return float64(s.seed) / lcgModulus
}

// Intn returns a draw in [0, n). n <= 0 yields 0.
func (s *SeededSource) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	i := int(s.Next() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}

// Pick returns a uniformly chosen element of items, or the zero value if empty.
func Pick[T any](s *SeededSource, items []T) T {
	var zero T
	if len(items) == 0 {
		return zero
	}
	return items[s.Intn(len(items))]
}
