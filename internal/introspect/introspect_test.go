package introspect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// catalogConn serves canned result sets keyed by a query substring.
type catalogConn struct {
	results map[string][][]any
	queries []string
	failOn  string
}

func (c *catalogConn) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	c.queries = append(c.queries, sql)
	if c.failOn != "" && strings.Contains(sql, c.failOn) {
		return nil, errors.New("permission denied")
	}
	for key, rows := range c.results {
		if strings.Contains(sql, key) {
			return &cannedRows{rows: rows}, nil
		}
	}
	return &cannedRows{}, nil
}

func (c *catalogConn) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (c *catalogConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (c *catalogConn) Close(context.Context) error { return nil }

type cannedRows struct {
	rows [][]any
	idx  int
}

func (r *cannedRows) Close()                                       {}
func (r *cannedRows) Err() error                                   { return nil }
func (r *cannedRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *cannedRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *cannedRows) Next() bool                                   { r.idx++; return r.idx <= len(r.rows) }
func (r *cannedRows) Values() ([]any, error)                       { return r.rows[r.idx-1], nil }
func (r *cannedRows) RawValues() [][]byte                          { return nil }
func (r *cannedRows) Conn() *pgx.Conn                              { return nil }

func (r *cannedRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d values, got %d", len(dest), len(row))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case **string:
			switch s := v.(type) {
			case nil:
				*d = nil
			case string:
				*d = &s
			case *string:
				*d = s
			default:
				return fmt.Errorf("scan: unsupported value %T for **string", v)
			}
		case *bool:
			*d = v.(bool)
		case *int:
			*d = v.(int)
		case *[]string:
			*d = v.([]string)
		default:
			return fmt.Errorf("scan: unsupported dest %T", dest[i])
		}
	}
	return nil
}

func TestIntrospectCollectsAndSorts(t *testing.T) {
	conn := &catalogConn{results: map[string][][]any{
		// Deliberately out of key order; normalize must sort.
		"relrowsecurity": {
			{"public", "orders", true},
			{"public", "customers", false},
		},
		"information_schema.columns": {
			{"public", "orders", "total", "numeric", "numeric(10,2)", "YES", nil, 2},
			{"public", "customers", "id", "bigint", "bigint", "NO", "nextval('c_seq')", 1},
		},
		"pg_policies": {
			{"public", "orders", "read_own", "SELECT", []string{"service_role", "authenticated"}, "(user_id = auth.uid())", nil, true},
		},
		"aclexplode": {
			{"public", "orders", "table", "authenticated", "SELECT", false},
		},
		"pg_constraint": {
			{"public", "orders", "orders_pkey", "PRIMARY KEY", "PRIMARY KEY (id)"},
		},
		"pg_extension": {
			{"pg_cron", "1.6", "pg_catalog"},
			{"pgcrypto", "1.3", "extensions"},
		},
		"cron.job": {
			{"nightly-rollup", "0 3 * * *", "SELECT rollup()"},
		},
	}}

	snap, err := New(conn, []string{"storage"}, zap.NewNop()).Introspect(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Tables, 2)
	assert.Equal(t, "public.customers", snap.Tables[0].Key(), "tables sorted by key")
	assert.False(t, snap.Tables[0].RowSecurity)
	assert.True(t, snap.Tables[1].RowSecurity)
	assert.Equal(t, map[string]bool{"public.customers": false, "public.orders": true}, snap.RLSByTable())

	require.Len(t, snap.Columns, 2)
	assert.Equal(t, "public.customers.id", snap.Columns[0].Key(), "columns sorted by key")
	assert.False(t, snap.Columns[0].IsNullable)
	assert.True(t, snap.Columns[1].IsNullable)
	require.NotNil(t, snap.Columns[0].Default)
	assert.Equal(t, "nextval('c_seq')", *snap.Columns[0].Default)

	require.Len(t, snap.Policies, 1)
	assert.Equal(t, []string{"authenticated", "service_role"}, snap.Policies[0].Roles,
		"role lists sorted so they compare as sets")
	assert.True(t, snap.Policies[0].Permissive)

	require.Len(t, snap.Grants, 1)
	assert.Equal(t, "public.orders.authenticated.SELECT", snap.Grants[0].Key())

	require.Len(t, snap.Constraints, 1)
	assert.Equal(t, "PRIMARY KEY (id)", snap.Constraints[0].Definition)

	require.Len(t, snap.Extensions, 2)
	require.Len(t, snap.CronJobs, 1)
	assert.Equal(t, "0 3 * * *", snap.CronJobs[0].Schedule)
	assert.False(t, snap.CapturedAt.IsZero())
}

func TestIntrospectSkipsCronWithoutExtension(t *testing.T) {
	conn := &catalogConn{results: map[string][][]any{
		"pg_extension": {{"pgcrypto", "1.3", "extensions"}},
	}}

	snap, err := New(conn, nil, zap.NewNop()).Introspect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.CronJobs)
	for _, q := range conn.queries {
		assert.NotContains(t, q, "cron.job")
	}
}

func TestIntrospectWrapsQueryErrors(t *testing.T) {
	conn := &catalogConn{failOn: "pg_policies"}

	_, err := New(conn, nil, zap.NewNop()).Introspect(context.Background())
	require.Error(t, err)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "policies", ie.Query)
	assert.Contains(t, ie.Error(), "permission denied")
}
