package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/dop251/goja"

	"github.com/me/trialopt/pkg/model"
)

// Objective derives the target metric from the other metrics with a
// JavaScript expression, e.g. "average_throughput / Math.max(elapsed_hours, 0.01)".
// Every metric is bound as a global variable; the full mapping is also
// available as `metrics`.
type Objective struct {
	inner  Extractor
	target string
	prog   *goja.Program
	expr   string
	logger *slog.Logger
}

// NewObjective compiles expr and wraps inner. An empty expression returns inner unchanged.
func NewObjective(inner Extractor, target, expr string, logger *slog.Logger) (Extractor, error) {
	if expr == "" {
		return inner, nil
	}
	prog, err := goja.Compile("objective", expr, true)
	if err != nil {
		return nil, fmt.Errorf("compile objective %q: %w", expr, err)
	}
	return &Objective{
		inner:  inner,
		target: target,
		prog:   prog,
		expr:   expr,
		logger: logger.With("component", "objective"),
	}, nil
}

// Extract runs the inner extractor and overwrites the target with the
// expression result. Evaluation errors leave the inner result untouched.
func (o *Objective) Extract(ctx context.Context, trial *model.Trial, status model.RemoteStatus) map[string]float64 {
	m := o.inner.Extract(ctx, trial, status)
	if m == nil {
		m = Defaults(o.target, status)
	}
	v, err := o.Evaluate(m)
	if err != nil {
		o.logger.Warn("objective evaluation failed", "trial_id", trial.ID, "expression", o.expr, "error", err)
		return m
	}
	m[o.target] = v
	return m
}

// Evaluate computes the expression over metrics.
func (o *Objective) Evaluate(metrics map[string]float64) (float64, error) {
	vm := goja.New()
	all := make(map[string]any, len(metrics))
	for k, v := range metrics {
		all[k] = v
		if err := vm.Set(k, v); err != nil {
			return 0, fmt.Errorf("set %s: %w", k, err)
		}
	}
	if err := vm.Set("metrics", all); err != nil {
		return 0, fmt.Errorf("set metrics: %w", err)
	}

	val, err := vm.RunProgram(o.prog)
	if err != nil {
		return 0, err
	}
	if goja.IsUndefined(val) || goja.IsNull(val) {
		return 0, fmt.Errorf("expression returned %s", val)
	}
	f := val.ToFloat()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expression returned non-finite value %v", f)
	}
	return f, nil
}
