// Package random provides time-seeded randomness safe for concurrent use.
package random

import (
	"math/rand"
	"sync"
	"time"
)

// Shuffler produces random permutations. The zero value is not usable; use
// NewShuffler.
type Shuffler struct {
	mux sync.Mutex
	rng *rand.Rand
}

// NewShuffler creates a Shuffler seeded with the current time.
func NewShuffler() *Shuffler {
	return &Shuffler{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Perm returns a random permutation of [0, n).
func (s *Shuffler) Perm(n int) []int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.rng.Perm(n)
}
