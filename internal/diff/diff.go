// Package diff compares two introspection snapshots and produces typed
// differences per descriptor kind.
//
// Comparison of policy USING / WITH CHECK expressions (and constraint
// definitions) is literal text comparison. Two expressions that are
// semantically identical but formatted differently are reported as changed.
// That imprecision is deliberate; semantic SQL equivalence is out of scope.
package diff

import (
	"sort"

	"github.com/okvist/pgreconcile/internal/introspect"
)

// Keyed is any descriptor with a stable identity across snapshots.
type Keyed interface {
	Key() string
}

// Change records one descriptor present on both sides with differing fields.
type Change[T Keyed] struct {
	Key    string
	Source T
	Target T
	Fields []string
}

// Result holds the outcome of diffing one descriptor kind. Added means
// present in source, missing in target; Removed the reverse.
type Result[T Keyed] struct {
	Added   []T
	Removed []T
	Changed []Change[T]
}

// Empty reports whether the two sides were identical for this kind.
func (r Result[T]) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0
}

// Counts returns added, removed, changed totals.
func (r Result[T]) Counts() (added, removed, changed int) {
	return len(r.Added), len(r.Removed), len(r.Changed)
}

// byKey diffs two descriptor slices. compare returns the names of fields that
// differ for a key present on both sides; a nil/empty return means equal.
// Output slices are ordered by key.
func byKey[T Keyed](source, target []T, compare func(s, t T) []string) Result[T] {
	sourceMap := make(map[string]T, len(source))
	for _, d := range source {
		sourceMap[d.Key()] = d
	}
	targetMap := make(map[string]T, len(target))
	for _, d := range target {
		targetMap[d.Key()] = d
	}

	var result Result[T]
	for _, key := range sortedKeys(sourceMap) {
		s := sourceMap[key]
		t, ok := targetMap[key]
		if !ok {
			result.Added = append(result.Added, s)
			continue
		}
		if fields := compare(s, t); len(fields) > 0 {
			result.Changed = append(result.Changed, Change[T]{Key: key, Source: s, Target: t, Fields: fields})
		}
	}
	for _, key := range sortedKeys(targetMap) {
		if _, ok := sourceMap[key]; !ok {
			result.Removed = append(result.Removed, targetMap[key])
		}
	}
	return result
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SnapshotDiff is the full comparison of two snapshots.
type SnapshotDiff struct {
	Tables      Result[introspect.Table]
	Columns     Result[introspect.Column]
	Policies    Result[introspect.Policy]
	Grants      Result[introspect.Grant]
	Constraints Result[introspect.Constraint]
	Extensions  Result[introspect.Extension]
	CronJobs    Result[introspect.CronJob]
}

// Empty reports whether source and target were identical.
func (d *SnapshotDiff) Empty() bool {
	return d.Tables.Empty() && d.Columns.Empty() && d.Policies.Empty() &&
		d.Grants.Empty() && d.Constraints.Empty() && d.Extensions.Empty() &&
		d.CronJobs.Empty()
}

// Summary totals added/removed/changed across all descriptor kinds. Table
// presence is already counted through columns; tables contribute only row
// security flag changes.
func (d *SnapshotDiff) Summary() (added, removed, changed int) {
	changed += len(d.Tables.Changed)
	for _, counts := range [][3]int{
		collect(d.Columns.Counts()),
		collect(d.Policies.Counts()),
		collect(d.Grants.Counts()),
		collect(d.Constraints.Counts()),
		collect(d.Extensions.Counts()),
		collect(d.CronJobs.Counts()),
	} {
		added += counts[0]
		removed += counts[1]
		changed += counts[2]
	}
	return added, removed, changed
}

func collect(a, r, c int) [3]int { return [3]int{a, r, c} }

// Snapshots diffs source against target.
func Snapshots(source, target *introspect.Snapshot) *SnapshotDiff {
	return &SnapshotDiff{
		Tables:      byKey(source.Tables, target.Tables, compareTables),
		Columns:     byKey(source.Columns, target.Columns, compareColumns),
		Policies:    byKey(source.Policies, target.Policies, comparePolicies),
		Grants:      byKey(source.Grants, target.Grants, compareGrants),
		Constraints: byKey(source.Constraints, target.Constraints, compareConstraints),
		Extensions:  byKey(source.Extensions, target.Extensions, compareExtensions),
		CronJobs:    byKey(source.CronJobs, target.CronJobs, compareCronJobs),
	}
}

func compareTables(s, t introspect.Table) []string {
	if s.RowSecurity != t.RowSecurity {
		return []string{"row_security"}
	}
	return nil
}

func compareColumns(s, t introspect.Column) []string {
	var fields []string
	if s.FormattedType != t.FormattedType {
		fields = append(fields, "type")
	}
	if s.IsNullable != t.IsNullable {
		fields = append(fields, "nullable")
	}
	if !ptrEqual(s.Default, t.Default) {
		fields = append(fields, "default")
	}
	return fields
}

func comparePolicies(s, t introspect.Policy) []string {
	var fields []string
	if s.Command != t.Command {
		fields = append(fields, "command")
	}
	// Role lists are sorted at introspection time, so slice equality is set
	// equality.
	if !sliceEqual(s.Roles, t.Roles) {
		fields = append(fields, "roles")
	}
	if !ptrEqual(s.Using, t.Using) {
		fields = append(fields, "using")
	}
	if !ptrEqual(s.WithCheck, t.WithCheck) {
		fields = append(fields, "with_check")
	}
	if s.Permissive != t.Permissive {
		fields = append(fields, "permissive")
	}
	return fields
}

func compareGrants(s, t introspect.Grant) []string {
	if s.Grantable != t.Grantable {
		return []string{"grantable"}
	}
	return nil
}

func compareConstraints(s, t introspect.Constraint) []string {
	if s.Definition != t.Definition {
		return []string{"definition"}
	}
	return nil
}

func compareExtensions(s, t introspect.Extension) []string {
	if s.Version != t.Version {
		return []string{"version"}
	}
	return nil
}

func compareCronJobs(s, t introspect.CronJob) []string {
	var fields []string
	if s.Schedule != t.Schedule {
		fields = append(fields, "schedule")
	}
	if s.Command != t.Command {
		fields = append(fields, "command")
	}
	return fields
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
