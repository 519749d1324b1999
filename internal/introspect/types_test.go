package introspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strptr(s string) *string { return &s }

func TestSnapshotNormalize(t *testing.T) {
	snap := &Snapshot{
		Columns: []Column{
			{Schema: "public", Table: "orders", Name: "total"},
			{Schema: "public", Table: "customers", Name: "id"},
			{Schema: "public", Table: "orders", Name: "id"},
		},
		Policies: []Policy{
			{Schema: "public", Table: "orders", Name: "p1", Roles: []string{"service_role", "authenticated"}},
		},
	}

	snap.normalize()

	assert.Equal(t, "public.customers.id", snap.Columns[0].Key())
	assert.Equal(t, "public.orders.id", snap.Columns[1].Key())
	assert.Equal(t, "public.orders.total", snap.Columns[2].Key())
	assert.Equal(t, []string{"authenticated", "service_role"}, snap.Policies[0].Roles,
		"role lists should be sorted so ordering never diffs")
}

func TestTableNames(t *testing.T) {
	snap := &Snapshot{
		Columns: []Column{
			{Schema: "public", Table: "orders", Name: "id"},
			{Schema: "public", Table: "orders", Name: "total"},
			{Schema: "billing", Table: "invoices", Name: "id"},
		},
	}

	assert.Equal(t, []string{"billing.invoices", "public.orders"}, snap.TableNames())
}

func TestPoliciesByTable(t *testing.T) {
	snap := &Snapshot{
		Policies: []Policy{
			{Schema: "public", Table: "orders", Name: "read_own", Command: "SELECT"},
			{Schema: "public", Table: "orders", Name: "insert_own", Command: "INSERT"},
			{Schema: "public", Table: "customers", Name: "read_all", Command: "SELECT"},
		},
	}

	byTable := snap.PoliciesByTable()
	assert.Len(t, byTable["public.orders"], 2)
	assert.Len(t, byTable["public.customers"], 1)
}

func TestDescriptorKeys(t *testing.T) {
	col := Column{Schema: "public", Table: "orders", Name: "total"}
	assert.Equal(t, "public.orders.total", col.Key())
	assert.Equal(t, "public.orders", col.TableKey())

	g := Grant{Schema: "public", Object: "orders", Grantee: "authenticated", Privilege: "SELECT"}
	assert.Equal(t, "public.orders.authenticated.SELECT", g.Key())

	p := Policy{Schema: "public", Table: "orders", Name: "read_own", Using: strptr("(user_id = auth.uid())")}
	assert.Equal(t, "public.orders.read_own", p.Key())
}

func TestHasCron(t *testing.T) {
	assert.False(t, hasCron([]Extension{{Name: "pgcrypto"}}))
	assert.True(t, hasCron([]Extension{{Name: "pgcrypto"}, {Name: "pg_cron"}}))
}

func TestSchemaNames(t *testing.T) {
	snap := &Snapshot{
		Columns: []Column{
			{Schema: "public", Table: "orders", Name: "id"},
			{Schema: "public", Table: "customers", Name: "id"},
			{Schema: "reporting", Table: "totals", Name: "day"},
		},
	}
	assert.Equal(t, []string{"public", "reporting"}, snap.SchemaNames())
	assert.Empty(t, (&Snapshot{}).SchemaNames())
}
