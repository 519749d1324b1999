// Package report collects the artifacts of one reconciliation run and
// renders them for humans.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/okvist/pgreconcile/internal/datasync"
	"github.com/okvist/pgreconcile/internal/execute"
	"github.com/okvist/pgreconcile/internal/plan"
	"github.com/okvist/pgreconcile/internal/verify"
)

// Run ties together everything produced while reconciling one environment
// pair. Sections are nil until the corresponding stage has run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Source     string
	Target     string
	Mode       plan.SyncMode

	Plan      *plan.MigrationPlan
	Execution *execute.Report
	Data      *datasync.Report
	Drift     *verify.DriftReport
}

// NewRun starts a run record for a source/target pair.
func NewRun(source, target string, mode plan.SyncMode) *Run {
	return &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Source:    source,
		Target:    target,
		Mode:      mode,
	}
}

// Finish stamps the end time.
func (r *Run) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// Duration is the wall time of the run so far.
func (r *Run) Duration() time.Duration {
	end := r.FinishedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(r.StartedAt)
}
