// Package metrics turns finished trials into metric mappings.
//
// Extraction is total: an Extractor never fails. When an artifact is missing
// or malformed it logs the problem and falls back to Defaults, so a broken
// trial output can never stall a run.
package metrics

import (
	"context"

	"github.com/me/trialopt/pkg/model"
)

// Keys populated from the last remote status of every trial.
const (
	KeyElapsedHours   = "elapsed_hours"
	KeyCompletedTasks = "completed_task_count"
	KeyCachedTasks    = "cached_task_count"
)

// DefaultValue is the target metric value used when extraction fails.
const DefaultValue = 0.0

// Extractor returns the metrics of a terminal trial.
type Extractor interface {
	Extract(ctx context.Context, trial *model.Trial, status model.RemoteStatus) map[string]float64
}

// Func adapts an ordinary function to the Extractor interface.
type Func func(ctx context.Context, trial *model.Trial, status model.RemoteStatus) map[string]float64

// Extract calls f.
func (f Func) Extract(ctx context.Context, trial *model.Trial, status model.RemoteStatus) map[string]float64 {
	return f(ctx, trial, status)
}

// Defaults returns the fallback mapping: the target at DefaultValue plus the
// status-derived fields.
func Defaults(target string, status model.RemoteStatus) map[string]float64 {
	m := map[string]float64{target: DefaultValue}
	withStatus(m, status)
	return m
}

func withStatus(m map[string]float64, status model.RemoteStatus) {
	m[KeyElapsedHours] = status.ElapsedHours
	m[KeyCompletedTasks] = float64(status.CompletedTasks)
	m[KeyCachedTasks] = float64(status.CachedTasks)
}

// StatusExtractor reports only the status-derived fields. It suits pipelines
// whose objective is one of those fields, such as elapsed_hours.
type StatusExtractor struct {
	Target string
}

// Extract returns Defaults, keeping a status-derived target intact.
func (e StatusExtractor) Extract(_ context.Context, _ *model.Trial, status model.RemoteStatus) map[string]float64 {
	m := map[string]float64{}
	withStatus(m, status)
	if _, ok := m[e.Target]; !ok {
		m[e.Target] = DefaultValue
	}
	return m
}
