package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/okvist/pgreconcile/internal/plan"
)

// TextRenderer writes a run report as compact text
type TextRenderer struct {
	writer io.Writer
}

// NewTextRenderer creates a new text renderer
func NewTextRenderer(w io.Writer) *TextRenderer {
	return &TextRenderer{writer: w}
}

// Render writes every populated section of the run
func (r *TextRenderer) Render(run *Run) error {
	_, _ = fmt.Fprintf(r.writer, "RUN %s  %s -> %s  (%s)\n", run.ID, run.Source, run.Target, run.Mode)

	if run.Plan != nil {
		r.renderPlan(run.Plan)
	}
	if run.Execution != nil {
		_, _ = fmt.Fprintln(r.writer)
		_, _ = fmt.Fprintf(r.writer, "EXECUTION: %d applied, %d tolerated\n",
			run.Execution.Applied, run.Execution.Tolerated)
		if run.Execution.Reconnected {
			_, _ = fmt.Fprintln(r.writer, "  reconnected after a connection failure")
		}
	}
	if run.Data != nil {
		_, _ = fmt.Fprintln(r.writer)
		_, _ = fmt.Fprintf(r.writer, "DATA: %d table(s)\n", len(run.Data.Tables))
		for _, t := range run.Data.Tables {
			_, _ = fmt.Fprintf(r.writer, "  %s: %s", t.Table, t.Method)
			if t.Rows > 0 {
				_, _ = fmt.Fprintf(r.writer, " (%d rows)", t.Rows)
			}
			_, _ = fmt.Fprintln(r.writer)
		}
		for _, c := range run.Data.NotNullApplied {
			_, _ = fmt.Fprintf(r.writer, "  NOT NULL applied: %s\n", c)
		}
		for _, c := range run.Data.NotNullDeferred {
			_, _ = fmt.Fprintf(r.writer, "  NOT NULL deferred (needs backfill): %s\n", c)
		}
	}
	if run.Drift != nil {
		_, _ = fmt.Fprintln(r.writer)
		drift := run.Drift.Drift()
		if len(drift) == 0 {
			_, _ = fmt.Fprintln(r.writer, "VERIFY: clean")
		} else {
			_, _ = fmt.Fprintf(r.writer, "VERIFY: %d difference(s) remain\n", len(drift))
			for _, f := range drift {
				_, _ = fmt.Fprintf(r.writer, "  %s\n", f)
			}
		}
	}
	return nil
}

func (r *TextRenderer) renderPlan(p *plan.MigrationPlan) {
	added, removed, changed := p.Summary.Added, p.Summary.Removed, p.Summary.Changed
	_, _ = fmt.Fprintf(r.writer, "PLAN: %d operation(s) (%d added, %d removed, %d changed)\n",
		len(p.Operations), added, removed, changed)
	if p.Destructive {
		_, _ = fmt.Fprintln(r.writer, "  DESTRUCTIVE: plan drops objects or replaces target rows")
	}
	for _, op := range p.Operations {
		_, _ = fmt.Fprintf(r.writer, "  [%s] %s %s\n", op.Phase, op.Kind, op.Object)
	}
	if len(p.DeferredNotNull) > 0 {
		cols := make([]string, len(p.DeferredNotNull))
		for i, c := range p.DeferredNotNull {
			cols[i] = c.Key()
		}
		_, _ = fmt.Fprintf(r.writer, "  NOT NULL deferred until data sync: %s\n", strings.Join(cols, ", "))
	}
	for _, s := range p.SuppressedDrops {
		_, _ = fmt.Fprintf(r.writer, "  drop withheld (non-destructive mode): %s\n", s)
	}
}

// RenderSQL writes the plan's statements as an executable script, phases in
// run order
func (r *TextRenderer) RenderSQL(p *plan.MigrationPlan) error {
	for _, phase := range []plan.Phase{plan.PhasePreData, plan.PhaseData, plan.PhasePostData} {
		script := p.Script(phase)
		if script == "" {
			continue
		}
		_, _ = fmt.Fprintf(r.writer, "-- %s\n%s\n", phase, script)
	}
	return nil
}
