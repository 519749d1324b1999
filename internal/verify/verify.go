// Package verify re-introspects both environments after a run and reports
// what still differs. Residual differences the plan deliberately left behind
// (withheld drops, columns awaiting a NULL backfill) are marked expected;
// everything else is drift the run failed to close.
package verify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/dbconn"
	"github.com/okvist/pgreconcile/internal/diff"
	"github.com/okvist/pgreconcile/internal/introspect"
	"github.com/okvist/pgreconcile/internal/plan"
)

// Finding is one residual difference between source and target.
type Finding struct {
	Kind   string // "table", "column", "policy", "grant", "constraint", "extension", "cron job"
	Object string
	// State is "missing on target", "target-only", or "changed".
	State  string
	Fields []string // changed field names, empty for added/removed
	// Expected findings were left behind on purpose; Reason says why.
	Expected bool
	Reason   string
}

func (f Finding) String() string {
	s := fmt.Sprintf("%s %s: %s", f.Kind, f.Object, f.State)
	if len(f.Fields) > 0 {
		s += fmt.Sprintf(" %v", f.Fields)
	}
	if f.Expected {
		s += " (expected: " + f.Reason + ")"
	}
	return s
}

// DriftReport is the outcome of a verification pass.
type DriftReport struct {
	Findings []Finding
}

// Drift returns the findings that are genuine, unexpected drift.
func (r *DriftReport) Drift() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if !f.Expected {
			out = append(out, f)
		}
	}
	return out
}

// Clean reports whether target now matches source up to expected residue.
func (r *DriftReport) Clean() bool { return len(r.Drift()) == 0 }

type connResolver interface {
	Resolve(ctx context.Context, env config.Environment, purpose string) (*dbconn.Conn, error)
}

// Verifier compares two live environments.
type Verifier struct {
	resolver connResolver
	excluded []string
	log      *zap.Logger
}

func New(resolver connResolver, excludedSchemas []string, log *zap.Logger) *Verifier {
	return &Verifier{resolver: resolver, excluded: excludedSchemas, log: log}
}

// Verify introspects source and target and diffs them. applied may be nil
// (standalone verification); when given, its withheld drops and deferred
// NOT NULL columns mark the matching findings as expected.
func (v *Verifier) Verify(ctx context.Context, source, target config.Environment, applied *plan.MigrationPlan) (*DriftReport, error) {
	sourceSnap, err := v.snapshot(ctx, source)
	if err != nil {
		return nil, err
	}
	targetSnap, err := v.snapshot(ctx, target)
	if err != nil {
		return nil, err
	}
	report := v.Compare(sourceSnap, targetSnap, applied)
	v.log.Info("verification complete",
		zap.Int("findings", len(report.Findings)),
		zap.Int("drift", len(report.Drift())))
	return report, nil
}

func (v *Verifier) snapshot(ctx context.Context, env config.Environment) (*introspect.Snapshot, error) {
	conn, err := v.resolver.Resolve(ctx, env, "verify")
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close(ctx) }()
	return introspect.New(conn.Conn, v.excluded, v.log).Introspect(ctx)
}

// Compare builds a drift report from two snapshots without touching the
// network.
func (v *Verifier) Compare(source, target *introspect.Snapshot, applied *plan.MigrationPlan) *DriftReport {
	d := diff.Snapshots(source, target)

	suppressed := map[string]bool{}
	deferredNotNull := map[string]bool{}
	if applied != nil {
		for _, obj := range applied.SuppressedDrops {
			suppressed[obj] = true
		}
		for _, col := range applied.DeferredNotNull {
			deferredNotNull[col.Key()] = true
		}
	}

	report := &DriftReport{}
	// Table presence is fully covered by column findings; tables contribute
	// only row security flag changes.
	report.Findings = append(report.Findings, findings(diff.Result[introspect.Table]{Changed: d.Tables.Changed}, "table", nil, suppressed)...)
	report.Findings = append(report.Findings, findings(d.Columns, "column", func(f *Finding, c diff.Change[introspect.Column]) {
		if deferredNotNull[f.Object] && onlyNullable(c.Fields) {
			f.Expected = true
			f.Reason = "NOT NULL deferred until target rows are backfilled"
		}
	}, suppressed)...)
	report.Findings = append(report.Findings, findings(d.Policies, "policy", nil, suppressed)...)
	report.Findings = append(report.Findings, findings(d.Grants, "grant", nil, suppressed)...)
	report.Findings = append(report.Findings, findings(d.Constraints, "constraint", nil, suppressed)...)
	report.Findings = append(report.Findings, findings(d.Extensions, "extension", nil, suppressed)...)
	report.Findings = append(report.Findings, findings(d.CronJobs, "cron job", nil, suppressed)...)

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].Object < report.Findings[j].Object
	})
	return report
}

func findings[T diff.Keyed](r diff.Result[T], kind string, onChanged func(*Finding, diff.Change[T]), suppressed map[string]bool) []Finding {
	var out []Finding
	for _, added := range r.Added {
		out = append(out, Finding{Kind: kind, Object: added.Key(), State: "missing on target"})
	}
	for _, removed := range r.Removed {
		f := Finding{Kind: kind, Object: removed.Key(), State: "target-only"}
		// Withheld drops are recorded as "<kind> <key>" on the plan.
		if suppressed[kind+" "+removed.Key()] {
			f.Expected = true
			f.Reason = "drop withheld in non-destructive mode"
		}
		out = append(out, f)
	}
	for _, changed := range r.Changed {
		f := Finding{Kind: kind, Object: changed.Key, State: "changed", Fields: changed.Fields}
		if onChanged != nil {
			onChanged(&f, changed)
		}
		out = append(out, f)
	}
	return out
}

func onlyNullable(fields []string) bool {
	for _, f := range fields {
		if f != "nullable" {
			return false
		}
	}
	return len(fields) > 0
}
