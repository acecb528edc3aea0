package strategy

import (
	"fmt"
	"math"

	"github.com/me/trialopt/internal/config"
)

// Space is an ordered set of parameter dimensions.
type Space []config.Parameter

// NewSpace validates params and returns them as a Space.
func NewSpace(params []config.Parameter) (Space, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("search space has no parameters")
	}
	for _, p := range params {
		switch p.Type {
		case config.ParamChoice:
			if len(p.Values) == 0 {
				return nil, fmt.Errorf("parameter %q: no values", p.Name)
			}
		case config.ParamInt, config.ParamFloat:
			if p.Max < p.Min {
				return nil, fmt.Errorf("parameter %q: max below min", p.Name)
			}
		default:
			return nil, fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
	}
	return Space(params), nil
}

// levels enumerates the discrete values of one dimension.
func levels(p config.Parameter) []any {
	switch p.Type {
	case config.ParamChoice:
		return p.Values
	case config.ParamInt:
		step := p.Step
		if step < 1 {
			step = 1
		}
		lo, hi := math.Ceil(p.Min), math.Floor(p.Max)
		var out []any
		for v := lo; v <= hi; v += step {
			out = append(out, int(v))
		}
		return out
	default:
		if p.Step <= 0 || p.Max == p.Min {
			return []any{p.Min}
		}
		n := int(math.Floor((p.Max-p.Min)/p.Step + 1e-9))
		out := make([]any, 0, n+1)
		for i := 0; i <= n; i++ {
			out = append(out, roundFloat(p.Min+float64(i)*p.Step))
		}
		return out
	}
}

func roundFloat(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
