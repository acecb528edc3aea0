// Package report renders the state of an optimization run for people.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/trialopt/pkg/model"
)

// Output formats.
const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// Summary is the aggregate view of a run.
type Summary struct {
	RunID             string          `json:"run_id"`
	Direction         model.Direction `json:"direction"`
	TargetMetric      string          `json:"target_metric"`
	Budget            int             `json:"budget"`
	Concurrency       int             `json:"concurrency"`
	TrialsCreated     int             `json:"trials_created"`
	TrialsCompleted   int             `json:"trials_completed"`
	Failed            int             `json:"failed"`
	Active            int             `json:"active"`
	TotalCost         float64         `json:"total_cost"`
	StrategyExhausted bool            `json:"strategy_exhausted"`
	BestTrialID       *int            `json:"best_trial_id,omitempty"`
	BestMetric        *float64        `json:"best_metric,omitempty"`
	BestParams        map[string]any  `json:"best_params,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TrialRow is one line of the trial table.
type TrialRow struct {
	ID           int            `json:"id"`
	State        string         `json:"state"`
	ExternalID   string         `json:"external_id,omitempty"`
	Target       *float64       `json:"target,omitempty"`
	Cost         float64        `json:"cost"`
	ElapsedHours float64        `json:"elapsed_hours"`
	Params       map[string]any `json:"params"`
	Error        string         `json:"error,omitempty"`
}

// Summarize aggregates run.
func Summarize(run *model.Run) Summary {
	s := Summary{
		RunID:             run.ID,
		Direction:         run.Direction,
		TargetMetric:      run.TargetMetric,
		Budget:            run.Budget,
		Concurrency:       run.Concurrency,
		TrialsCreated:     len(run.Trials),
		TrialsCompleted:   run.TrialsCompleted,
		Active:            run.Active(),
		TotalCost:         run.TotalCost,
		StrategyExhausted: run.StrategyExhausted,
		UpdatedAt:         run.UpdatedAt,
	}
	for _, t := range run.Trials {
		if t.State == model.TrialStateFailed {
			s.Failed++
		}
	}
	if best := run.Best(); best != nil {
		id := best.ID
		v := best.Metric(run.TargetMetric)
		s.BestTrialID = &id
		s.BestMetric = &v
		s.BestParams = best.Params
	}
	return s
}

// Rows returns the trial table of run in ID order.
func Rows(run *model.Run) []TrialRow {
	rows := make([]TrialRow, 0, len(run.Trials))
	for _, t := range run.Trials {
		row := TrialRow{
			ID:           t.ID,
			State:        t.State.String(),
			ExternalID:   t.ExternalID,
			Cost:         t.Cost,
			ElapsedHours: t.ElapsedHours,
			Params:       t.Params,
			Error:        t.Error,
		}
		if t.State == model.TrialStateCompleted {
			v := t.Metric(run.TargetMetric)
			row.Target = &v
		}
		rows = append(rows, row)
	}
	return rows
}

// Generate writes the summary and trial table of run in the given format.
// now anchors relative times.
func Generate(run *model.Run, format string, now time.Time, w io.Writer) error {
	switch format {
	case FormatMarkdown:
		return writeMarkdown(run, w)
	case FormatJSON:
		return writeJSON(run, w)
	case FormatTable, "":
		return writeTable(run, now, w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeTable(run *model.Run, now time.Time, w io.Writer) error {
	s := Summarize(run)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", s.RunID)
	fmt.Fprintf(tw, "Objective:\t%s %s\n", s.Direction, s.TargetMetric)
	fmt.Fprintf(tw, "Trials:\t%d/%d completed (%d failed, %d active)\n", s.TrialsCompleted, s.Budget, s.Failed, s.Active)
	fmt.Fprintf(tw, "Total cost:\t%s\n", Money(s.TotalCost))
	fmt.Fprintf(tw, "Best:\t%s\n", bestLine(s))
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "Updated:\t%s\n", humanize.RelTime(s.UpdatedAt, now, "ago", "from now"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(run.Trials) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATE\tEXTERNAL ID\t%s\tCOST\tELAPSED\tPARAMS\n", strings.ToUpper(s.TargetMetric))
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, r := range Rows(run) {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.State, dash(r.ExternalID), target(r.Target), Money(r.Cost), Hours(r.ElapsedHours), Params(r.Params))
	}
	return tw.Flush()
}

func writeMarkdown(run *model.Run, w io.Writer) error {
	s := Summarize(run)
	fmt.Fprintf(w, "## Run %s\n\n", s.RunID)
	fmt.Fprintf(w, "- Objective: %s `%s`\n", s.Direction, s.TargetMetric)
	fmt.Fprintf(w, "- Trials: %d/%d completed (%d failed, %d active)\n", s.TrialsCompleted, s.Budget, s.Failed, s.Active)
	fmt.Fprintf(w, "- Total cost: %s\n", Money(s.TotalCost))
	fmt.Fprintf(w, "- Best: %s\n\n", bestLine(s))
	fmt.Fprintf(w, "| ID | State | External ID | %s | Cost | Elapsed | Params |\n", s.TargetMetric)
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|")
	for _, r := range Rows(run) {
		fmt.Fprintf(w, "| %d | %s | %s | %s | %s | %s | %s |\n",
			r.ID, r.State, dash(r.ExternalID), target(r.Target), Money(r.Cost), Hours(r.ElapsedHours), Params(r.Params))
	}
	return nil
}

func writeJSON(run *model.Run, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary Summary    `json:"summary"`
		Trials  []TrialRow `json:"trials"`
	}{Summarize(run), Rows(run)})
}

// WriteFinal prints the outcome of a finished run.
func WriteFinal(w io.Writer, run *model.Run) {
	s := Summarize(run)
	fmt.Fprintln(w, "Optimization complete.")
	if s.BestTrialID == nil {
		fmt.Fprintln(w, "No trial completed successfully.")
	} else {
		fmt.Fprintf(w, "Best trial:        %d\n", *s.BestTrialID)
		fmt.Fprintf(w, "Best %s: %s\n", s.TargetMetric, Metric(*s.BestMetric))
		fmt.Fprintf(w, "Parameters:        %s\n", Params(s.BestParams))
	}
	fmt.Fprintf(w, "Total cost:        %s\n", Money(s.TotalCost))
	fmt.Fprintf(w, "Trials completed:  %d/%d\n", s.TrialsCompleted, s.Budget)
}

// WriteInterrupted prints the state of an interrupted run and how to resume it.
func WriteInterrupted(w io.Writer, run *model.Run, checkpointPath string) {
	s := Summarize(run)
	fmt.Fprintf(w, "Interrupted: %d/%d trials completed, %d still running remotely.\n", s.TrialsCompleted, s.Budget, s.Active)
	if s.BestTrialID != nil {
		fmt.Fprintf(w, "Best so far: trial %d (%s=%s)\n", *s.BestTrialID, s.TargetMetric, Metric(*s.BestMetric))
	}
	fmt.Fprintf(w, "Total cost so far: %s\n", Money(s.TotalCost))
	fmt.Fprintf(w, "Re-run the same command to resume from %s.\n", checkpointPath)
}

func bestLine(s Summary) string {
	if s.BestTrialID == nil {
		return "none yet"
	}
	return fmt.Sprintf("trial %d %s=%s (%s)", *s.BestTrialID, s.TargetMetric, Metric(*s.BestMetric), Params(s.BestParams))
}

// Params renders a parameter set as sorted key=value pairs.
func Params(params map[string]any) string {
	if len(params) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(parts, " ")
}

// Money formats a platform cost in dollars with thousands separators.
func Money(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

// Metric formats a metric value compactly.
func Metric(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return humanize.FtoaWithDigits(v, 4)
}

// Hours formats elapsed hours as a duration.
func Hours(h float64) string {
	if h <= 0 {
		return "-"
	}
	return time.Duration(h * float64(time.Hour)).Round(time.Second).String()
}

func target(v *float64) string {
	if v == nil {
		return "-"
	}
	return Metric(*v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
