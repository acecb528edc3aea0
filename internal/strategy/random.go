package strategy

import (
	"math/rand/v2"

	"github.com/me/trialopt/internal/config"
)

// Random samples each dimension uniformly. The generator for a proposal is
// seeded by the run seed and the history length, so proposals are
// reproducible across restarts.
type Random struct {
	base
	space         Space
	seed          int64
	maxCandidates int
}

// NewRandom creates a random strategy. maxCandidates > 0 caps the number of proposals.
func NewRandom(space Space, seed int64, maxCandidates int) *Random {
	return &Random{
		base:          base{kind: config.StrategyRandom},
		space:         space,
		seed:          seed,
		maxCandidates: maxCandidates,
	}
}

// Next draws a candidate.
func (r *Random) Next(history []Observation) (map[string]any, error) {
	if r.maxCandidates > 0 && len(history) >= r.maxCandidates {
		r.propose(history)
		return nil, ErrExhausted
	}
	rng := rand.New(rand.NewPCG(uint64(r.seed), uint64(len(history))))
	params := make(map[string]any, len(r.space))
	for _, p := range r.space {
		params[p.Name] = sample(rng, p)
	}
	r.propose(history)
	return params, nil
}

// Exhausted reports whether the proposal cap has been reached.
func (r *Random) Exhausted() bool {
	return r.maxCandidates > 0 && r.proposed >= r.maxCandidates
}

func sample(rng *rand.Rand, p config.Parameter) any {
	switch p.Type {
	case config.ParamChoice:
		return p.Values[rng.IntN(len(p.Values))]
	case config.ParamInt:
		lv := levels(p)
		if len(lv) == 0 {
			return int(p.Min)
		}
		return lv[rng.IntN(len(lv))]
	default:
		if p.Step > 0 {
			lv := levels(p)
			return lv[rng.IntN(len(lv))]
		}
		return roundFloat(p.Min + rng.Float64()*(p.Max-p.Min))
	}
}
