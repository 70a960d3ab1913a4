package escalation

import (
	"math/rand/v2"
	"sync"

	"github.com/whitelie/whitelie/internal/types"
)

// Picker chooses one task from a non-empty candidate list. Candidates arrive
// sorted by ID so a seeded picker is reproducible.
type Picker interface {
	Choose(candidates []types.Task) types.Task
}

// RandomPicker selects uniformly at random from an explicitly seeded source.
type RandomPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPicker returns a picker whose sequence is fully determined by seed.
func NewRandomPicker(seed uint64) *RandomPicker {
	return &RandomPicker{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Choose returns a uniformly random candidate.
func (p *RandomPicker) Choose(candidates []types.Task) types.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return candidates[p.rng.IntN(len(candidates))]
}

// FirstPicker always takes the first candidate. Useful where a fixed order
// is wanted (tests, replays).
type FirstPicker struct{}

// Choose returns candidates[0].
func (FirstPicker) Choose(candidates []types.Task) types.Task {
	return candidates[0]
}
