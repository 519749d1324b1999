package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okvist/pgreconcile/internal/introspect"
)

func strptr(s string) *string { return &s }

func col(table, name, typ string, nullable bool, def *string) introspect.Column {
	return introspect.Column{
		Schema: "public", Table: table, Name: name,
		DataType: typ, FormattedType: typ, IsNullable: nullable, Default: def,
	}
}

func TestSnapshotsAddedColumn(t *testing.T) {
	// Source has orders(id, total), target has orders(id).
	source := &introspect.Snapshot{Columns: []introspect.Column{
		col("orders", "id", "bigint", false, nil),
		col("orders", "total", "numeric(10,2)", true, nil),
	}}
	target := &introspect.Snapshot{Columns: []introspect.Column{
		col("orders", "id", "bigint", false, nil),
	}}

	d := Snapshots(source, target)
	require.Len(t, d.Columns.Added, 1)
	assert.Equal(t, "total", d.Columns.Added[0].Name)
	assert.Empty(t, d.Columns.Removed)
	assert.Empty(t, d.Columns.Changed)
	assert.False(t, d.Empty())
}

func TestSnapshotsIdenticalIsEmpty(t *testing.T) {
	snap := func() *introspect.Snapshot {
		return &introspect.Snapshot{
			Columns: []introspect.Column{col("orders", "id", "bigint", false, strptr("nextval('orders_id_seq')"))},
			Policies: []introspect.Policy{{
				Schema: "public", Table: "orders", Name: "p1", Command: "SELECT",
				Roles: []string{"authenticated"}, Using: strptr("true"), Permissive: true,
			}},
			Grants: []introspect.Grant{{Schema: "public", Object: "orders", ObjectType: "table", Grantee: "authenticated", Privilege: "SELECT"}},
		}
	}

	d := Snapshots(snap(), snap())
	assert.True(t, d.Empty(), "diffing identical snapshots must be empty (rerun idempotence)")
	added, removed, changed := d.Summary()
	assert.Zero(t, added+removed+changed)
}

func TestTableRowSecurityChange(t *testing.T) {
	source := &introspect.Snapshot{Tables: []introspect.Table{{Schema: "public", Name: "orders", RowSecurity: false}}}
	target := &introspect.Snapshot{Tables: []introspect.Table{{Schema: "public", Name: "orders", RowSecurity: true}}}

	d := Snapshots(source, target)
	require.Len(t, d.Tables.Changed, 1)
	assert.Equal(t, []string{"row_security"}, d.Tables.Changed[0].Fields)
	assert.False(t, d.Empty())
	_, _, changed := d.Summary()
	assert.Equal(t, 1, changed)
}

func TestChangedColumnFields(t *testing.T) {
	source := &introspect.Snapshot{Columns: []introspect.Column{
		col("orders", "total", "numeric(12,2)", false, strptr("0")),
	}}
	target := &introspect.Snapshot{Columns: []introspect.Column{
		col("orders", "total", "numeric(10,2)", true, nil),
	}}

	d := Snapshots(source, target)
	require.Len(t, d.Columns.Changed, 1)
	ch := d.Columns.Changed[0]
	assert.Equal(t, "public.orders.total", ch.Key)
	assert.Equal(t, []string{"type", "nullable", "default"}, ch.Fields)
}

func TestPolicyRoleSetComparison(t *testing.T) {
	// Renaming the role list {authenticated} -> {authenticated, service_role}
	// must surface as a roles change.
	source := &introspect.Snapshot{Policies: []introspect.Policy{{
		Schema: "public", Table: "t", Name: "p1", Command: "SELECT",
		Roles: []string{"authenticated", "service_role"}, Using: strptr("true"), Permissive: true,
	}}}
	target := &introspect.Snapshot{Policies: []introspect.Policy{{
		Schema: "public", Table: "t", Name: "p1", Command: "SELECT",
		Roles: []string{"authenticated"}, Using: strptr("true"), Permissive: true,
	}}}

	d := Snapshots(source, target)
	require.Len(t, d.Policies.Changed, 1)
	assert.Equal(t, []string{"roles"}, d.Policies.Changed[0].Fields)
}

func TestPolicyExpressionComparisonIsLiteral(t *testing.T) {
	// Semantically identical, formatted differently: reported as changed.
	source := &introspect.Snapshot{Policies: []introspect.Policy{{
		Schema: "public", Table: "t", Name: "p1", Command: "SELECT",
		Roles: []string{"authenticated"}, Using: strptr("(user_id = auth.uid())"), Permissive: true,
	}}}
	target := &introspect.Snapshot{Policies: []introspect.Policy{{
		Schema: "public", Table: "t", Name: "p1", Command: "SELECT",
		Roles: []string{"authenticated"}, Using: strptr("user_id = auth.uid()"), Permissive: true,
	}}}

	d := Snapshots(source, target)
	require.Len(t, d.Policies.Changed, 1)
	assert.Equal(t, []string{"using"}, d.Policies.Changed[0].Fields)
}

func TestRemovedDescriptors(t *testing.T) {
	source := &introspect.Snapshot{}
	target := &introspect.Snapshot{
		Columns:  []introspect.Column{col("legacy", "id", "bigint", false, nil)},
		Policies: []introspect.Policy{{Schema: "public", Table: "t", Name: "stale", Command: "ALL", Permissive: true}},
		Grants:   []introspect.Grant{{Schema: "public", Object: "t", ObjectType: "table", Grantee: "anon", Privilege: "DELETE"}},
	}

	d := Snapshots(source, target)
	assert.Len(t, d.Columns.Removed, 1)
	assert.Len(t, d.Policies.Removed, 1)
	assert.Len(t, d.Grants.Removed, 1)

	added, removed, changed := d.Summary()
	assert.Equal(t, 0, added)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 0, changed)
}

func TestNilVersusEmptyDefault(t *testing.T) {
	source := &introspect.Snapshot{Columns: []introspect.Column{col("t", "c", "text", true, strptr(""))}}
	target := &introspect.Snapshot{Columns: []introspect.Column{col("t", "c", "text", true, nil)}}

	d := Snapshots(source, target)
	require.Len(t, d.Columns.Changed, 1)
	assert.Equal(t, []string{"default"}, d.Columns.Changed[0].Fields)
}

func TestDeterministicOrdering(t *testing.T) {
	source := &introspect.Snapshot{Columns: []introspect.Column{
		col("b_table", "x", "text", true, nil),
		col("a_table", "x", "text", true, nil),
	}}
	target := &introspect.Snapshot{}

	first := Snapshots(source, target)
	second := Snapshots(source, target)
	require.Len(t, first.Columns.Added, 2)
	assert.Equal(t, first.Columns.Added[0].Key(), second.Columns.Added[0].Key())
	assert.Equal(t, "public.a_table.x", first.Columns.Added[0].Key())
}

func TestExtensionVersionChange(t *testing.T) {
	source := &introspect.Snapshot{Extensions: []introspect.Extension{{Name: "pgcrypto", Version: "1.3"}}}
	target := &introspect.Snapshot{Extensions: []introspect.Extension{{Name: "pgcrypto", Version: "1.2"}}}

	d := Snapshots(source, target)
	require.Len(t, d.Extensions.Changed, 1)
	assert.Equal(t, []string{"version"}, d.Extensions.Changed[0].Fields)
}
