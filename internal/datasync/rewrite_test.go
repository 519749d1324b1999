package datasync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rewrite(t *testing.T, in string) string {
	t.Helper()
	var out strings.Builder
	require.NoError(t, AddOnConflict(strings.NewReader(in), &out))
	return out.String()
}

func TestAddOnConflictSingleLine(t *testing.T) {
	in := "INSERT INTO public.orders (id, total) VALUES (1, 9.99);\n"
	got := rewrite(t, in)
	assert.Equal(t, "INSERT INTO public.orders (id, total) VALUES (1, 9.99) ON CONFLICT DO NOTHING;\n", got)
}

func TestAddOnConflictMultiLine(t *testing.T) {
	in := "INSERT INTO public.orders (id, total) VALUES\n(1, 9.99),\n(2, 19.99);\n"
	got := rewrite(t, in)
	assert.True(t, strings.HasSuffix(got, "(2, 19.99) ON CONFLICT DO NOTHING;\n"))
	assert.Contains(t, got, "(1, 9.99),", "rows must remain untouched")
}

func TestAddOnConflictLeavesOtherStatementsAlone(t *testing.T) {
	in := "SET statement_timeout = 0;\nINSERT INTO public.t (id) VALUES (1);\nSELECT setval('public.t_id_seq', 1);\n"
	got := rewrite(t, in)
	assert.Contains(t, got, "SET statement_timeout = 0;\n")
	assert.Contains(t, got, "SELECT setval('public.t_id_seq', 1);\n")
	assert.Contains(t, got, "VALUES (1) ON CONFLICT DO NOTHING;\n")
	assert.Equal(t, 1, strings.Count(got, "ON CONFLICT DO NOTHING"))
}

func TestAddOnConflictSemicolonInsideValues(t *testing.T) {
	// A semicolon inside a string literal mid-statement does not terminate
	// the line, so only line-ending semicolons close the buffer.
	in := "INSERT INTO public.t (note) VALUES ('a; b\nstill going');\n"
	got := rewrite(t, in)
	assert.Equal(t, "INSERT INTO public.t (note) VALUES ('a; b\nstill going') ON CONFLICT DO NOTHING;\n", got)
}

func TestAddOnConflictTruncatedDump(t *testing.T) {
	in := "INSERT INTO public.t (id) VALUES (1);\nINSERT INTO public.t (id) VALUES (2)"
	got := rewrite(t, in)
	assert.Equal(t, 2, strings.Count(got, "ON CONFLICT DO NOTHING;"))
}

func TestFilterProtectedSchemas(t *testing.T) {
	in := strings.Join([]string{
		"CREATE POLICY p1 ON public.orders USING (true);",
		"CREATE POLICY obj_read ON storage.objects USING (true);",
		`ALTER TABLE "storage"."buckets" ENABLE ROW LEVEL SECURITY;`,
		"GRANT SELECT ON public.orders TO authenticated;",
	}, "\n") + "\n"

	var out strings.Builder
	require.NoError(t, FilterProtectedSchemas(strings.NewReader(in), &out, []string{"storage"}))
	got := out.String()

	assert.Contains(t, got, "public.orders USING (true);")
	assert.Contains(t, got, "GRANT SELECT ON public.orders")
	assert.NotContains(t, got, "storage.objects")
	assert.NotContains(t, got, `"storage"`)
}

func TestFilterProtectedSchemasMultiLineStatement(t *testing.T) {
	in := "CREATE POLICY p ON storage.objects\n  USING (bucket_id = 'x');\nSELECT 1;\n"
	var out strings.Builder
	require.NoError(t, FilterProtectedSchemas(strings.NewReader(in), &out, []string{"storage"}))
	assert.Equal(t, "SELECT 1;\n", out.String())
}

func TestFilterProtectedSchemasCaseInsensitive(t *testing.T) {
	in := "GRANT ALL ON STORAGE.objects TO anon;\n"
	var out strings.Builder
	require.NoError(t, FilterProtectedSchemas(strings.NewReader(in), &out, []string{"storage"}))
	assert.Empty(t, out.String())
}
