package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okvist/pgreconcile/internal/datasync"
	"github.com/okvist/pgreconcile/internal/execute"
	"github.com/okvist/pgreconcile/internal/introspect"
	"github.com/okvist/pgreconcile/internal/plan"
	"github.com/okvist/pgreconcile/internal/verify"
)

func sampleRun() *Run {
	run := NewRun("prod", "staging", plan.SyncMode{Scope: plan.SchemaAndData, Rows: plan.Incremental})
	run.Plan = &plan.MigrationPlan{
		Operations: []plan.Operation{
			{Kind: plan.KindAddColumn, Object: "public.orders.total", SQL: `ALTER TABLE "public"."orders" ADD COLUMN "total" numeric;`, Phase: plan.PhasePreData},
		},
		Summary:         plan.Summary{Added: 1},
		DeferredNotNull: []introspect.Column{{Schema: "public", Table: "orders", Name: "total"}},
		SuppressedDrops: []string{"public.orders.legacy"},
	}
	run.Execution = &execute.Report{Applied: 1, Tolerated: 2, Reconnected: true}
	run.Data = &datasync.Report{
		Tables:          []datasync.TableResult{{Table: "public.orders", Method: "pg_dump", Rows: 0}},
		NotNullDeferred: []string{"public.orders.total"},
	}
	run.Drift = &verify.DriftReport{Findings: []verify.Finding{
		{Kind: "column", Object: "public.orders.legacy", State: "target-only", Expected: true, Reason: "drop withheld in non-destructive mode"},
	}}
	return run
}

func TestTextRender(t *testing.T) {
	run := sampleRun()
	var b strings.Builder
	require.NoError(t, NewTextRenderer(&b).Render(run))
	out := b.String()

	assert.Contains(t, out, "prod -> staging")
	assert.Contains(t, out, "PLAN: 1 operation(s) (1 added, 0 removed, 0 changed)")
	assert.Contains(t, out, "public.orders.total")
	assert.Contains(t, out, "NOT NULL deferred until data sync")
	assert.Contains(t, out, "drop withheld (non-destructive mode): public.orders.legacy")
	assert.Contains(t, out, "EXECUTION: 1 applied, 2 tolerated")
	assert.Contains(t, out, "reconnected after a connection failure")
	assert.Contains(t, out, "VERIFY: clean")
	assert.NotContains(t, out, "DESTRUCTIVE")
}

func TestTextRenderFlagsDestructivePlan(t *testing.T) {
	run := sampleRun()
	run.Plan.Destructive = true
	var b strings.Builder
	require.NoError(t, NewTextRenderer(&b).Render(run))
	assert.Contains(t, b.String(), "DESTRUCTIVE")
}

func TestTextRenderReportsDrift(t *testing.T) {
	run := sampleRun()
	run.Drift.Findings = append(run.Drift.Findings, verify.Finding{
		Kind: "policy", Object: "public.orders.p1", State: "missing on target",
	})
	var b strings.Builder
	require.NoError(t, NewTextRenderer(&b).Render(run))
	assert.Contains(t, b.String(), "VERIFY: 1 difference(s) remain")
	assert.Contains(t, b.String(), "public.orders.p1")
}

func TestRenderSQLOrdersPhases(t *testing.T) {
	p := &plan.MigrationPlan{Operations: []plan.Operation{
		{Object: "b", SQL: "B;", Phase: plan.PhasePostData},
		{Object: "a", SQL: "A;", Phase: plan.PhasePreData},
	}}
	var b strings.Builder
	require.NoError(t, NewTextRenderer(&b).RenderSQL(p))
	out := b.String()
	assert.Less(t, strings.Index(out, "A;"), strings.Index(out, "B;"))
}

func TestSaveScript(t *testing.T) {
	dir := t.TempDir()
	run := sampleRun()

	path, err := SaveScript(dir, run)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".sql"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), run.ID)
	assert.Contains(t, string(content), `ADD COLUMN "total"`)
}

func TestSaveScriptSkipsEmptyPlan(t *testing.T) {
	run := NewRun("prod", "staging", plan.SyncMode{})
	run.Plan = &plan.MigrationPlan{}
	path, err := SaveScript(t.TempDir(), run)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestRunDuration(t *testing.T) {
	run := NewRun("a", "b", plan.SyncMode{})
	run.StartedAt = time.Now().UTC().Add(-time.Minute)
	run.Finish()
	assert.GreaterOrEqual(t, run.Duration(), time.Minute)
}
