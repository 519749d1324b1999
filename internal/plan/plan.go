// Package plan turns a snapshot diff into an ordered, typed list of SQL
// operations that bring the target in line with the source.
package plan

import (
	"fmt"
	"strings"

	"github.com/okvist/pgreconcile/internal/introspect"
)

// Scope selects whether a run reconciles schema, rows, or both.
type Scope int

const (
	SchemaOnly Scope = iota
	SchemaAndData
	DataOnly
)

func (s Scope) String() string {
	switch s {
	case SchemaAndData:
		return "schema+data"
	case DataOnly:
		return "data-only"
	default:
		return "schema-only"
	}
}

// RowMode selects how rows move when data is in scope. Incremental only adds
// missing rows; Replace makes target rows exactly match the source.
type RowMode int

const (
	Incremental RowMode = iota
	Replace
)

func (m RowMode) String() string {
	if m == Replace {
		return "replace"
	}
	return "incremental"
}

// SyncMode governs which operations the generator emits and how the data
// sync engine moves rows. Immutable; threaded through every component call.
type SyncMode struct {
	Scope Scope
	Rows  RowMode
	// ManagedRoles includes grants whose grantee is a platform-managed role.
	// Those grants are owned by the hosting platform and skipped by default.
	ManagedRoles bool
}

func (m SyncMode) String() string {
	return m.Scope.String() + "/" + m.Rows.String()
}

// Kind names one operation type.
type Kind string

const (
	KindCreateExtension Kind = "create_extension"
	KindAlterExtension  Kind = "alter_extension"
	KindAddColumn       Kind = "add_column"
	KindAlterColumnType Kind = "alter_column_type"
	KindSetNotNull      Kind = "set_not_null"
	KindDropNotNull     Kind = "drop_not_null"
	KindSetDefault      Kind = "set_default"
	KindDropDefault     Kind = "drop_default"
	KindDropColumn      Kind = "drop_column"
	KindEnableRLS       Kind = "enable_rls"
	KindDisableRLS      Kind = "disable_rls"
	KindDropPolicy      Kind = "drop_policy"
	KindCreatePolicy    Kind = "create_policy"
	KindGrant           Kind = "grant"
	KindRevoke          Kind = "revoke"
	KindScheduleJob     Kind = "schedule_job"
	KindUnscheduleJob   Kind = "unschedule_job"
)

// Phase orders operations around the data transfer: structural additions
// before rows move, constraint tightening after.
type Phase int

const (
	PhasePreData Phase = iota
	PhaseData
	PhasePostData
)

func (p Phase) String() string {
	switch p {
	case PhaseData:
		return "data"
	case PhasePostData:
		return "post-data"
	default:
		return "pre-data"
	}
}

// Operation is a single atomic change. Operations sharing a non-empty TxGroup
// must apply as one transaction-equivalent unit (policy reconciliation per
// table).
type Operation struct {
	Kind        Kind
	Object      string
	SQL         string
	Destructive bool
	Phase       Phase
	TxGroup     string
}

// Summary counts the differences a plan covers.
type Summary struct {
	Added   int
	Removed int
	Changed int
}

// MigrationPlan is an ordered operation list. It is a pure function of two
// snapshots and a SyncMode; once generated it is never mutated, only
// discarded and regenerated.
type MigrationPlan struct {
	Operations []Operation
	Summary    Summary
	Mode       SyncMode
	// Destructive is true when any operation drops data or the mode replaces
	// target rows. Destructive plans require explicit confirmation.
	Destructive bool
	// DeferredNotNull lists source columns whose NOT NULL constraint must not
	// be applied until after data has moved and a NULL check has passed.
	DeferredNotNull []introspect.Column
	// SuppressedDrops lists target-only objects whose removal was withheld
	// because the mode is non-destructive.
	SuppressedDrops []string
}

// Empty reports whether there is nothing to do.
func (p *MigrationPlan) Empty() bool {
	return len(p.Operations) == 0 && len(p.DeferredNotNull) == 0
}

// ByPhase returns the operations of one phase, in plan order.
func (p *MigrationPlan) ByPhase(phase Phase) []Operation {
	var ops []Operation
	for _, op := range p.Operations {
		if op.Phase == phase {
			ops = append(ops, op)
		}
	}
	return ops
}

// Script renders one phase as an executable SQL script. Transaction groups
// are wrapped in BEGIN/COMMIT.
func (p *MigrationPlan) Script(phase Phase) string {
	var b strings.Builder
	openGroup := ""
	for _, op := range p.ByPhase(phase) {
		if op.TxGroup != openGroup {
			if openGroup != "" {
				b.WriteString("COMMIT;\n\n")
			}
			if op.TxGroup != "" {
				b.WriteString("BEGIN;\n")
			}
			openGroup = op.TxGroup
		}
		b.WriteString(op.SQL)
		b.WriteString("\n")
	}
	if openGroup != "" {
		b.WriteString("COMMIT;\n")
	}
	return b.String()
}

// GenerationError reports metadata the generator could not turn into SQL.
type GenerationError struct {
	Object string
	Reason string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("cannot generate operation for %s: %s", e.Object, e.Reason)
}
