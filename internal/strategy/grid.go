package strategy

import "github.com/me/trialopt/internal/config"

// Grid walks the cartesian product of every dimension's levels. The first
// parameter varies slowest.
type Grid struct {
	base
	space      Space
	dims       [][]any
	size       int
	candidates int
}

// NewGrid creates a grid strategy. maxCandidates > 0 truncates the grid.
func NewGrid(space Space, maxCandidates int) *Grid {
	g := &Grid{base: base{kind: config.StrategyGrid}, space: space, size: 1}
	for _, p := range space {
		lv := levels(p)
		g.dims = append(g.dims, lv)
		g.size *= len(lv)
	}
	g.candidates = g.size
	if maxCandidates > 0 && maxCandidates < g.size {
		g.candidates = maxCandidates
	}
	return g
}

// Size returns the number of candidates the grid will propose.
func (g *Grid) Size() int { return g.candidates }

// Next returns the grid point at index len(history).
func (g *Grid) Next(history []Observation) (map[string]any, error) {
	idx := len(history)
	if idx >= g.candidates {
		g.propose(history)
		return nil, ErrExhausted
	}
	params := make(map[string]any, len(g.space))
	for d := len(g.dims) - 1; d >= 0; d-- {
		n := len(g.dims[d])
		params[g.space[d].Name] = g.dims[d][idx%n]
		idx /= n
	}
	g.propose(history)
	return params, nil
}

// Exhausted reports whether every grid point has been proposed.
func (g *Grid) Exhausted() bool {
	return g.proposed >= g.candidates
}
