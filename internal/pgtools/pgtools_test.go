package pgtools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/dbconn"
)

type capturedCall struct {
	name string
	args []string
	env  []string
}

func newFakeRunner(output string, exitCode int, calls *[]capturedCall) *Runner {
	r := NewRunner(zap.NewNop())
	r.run = func(_ context.Context, name string, args []string, extraEnv []string) (string, int, error) {
		*calls = append(*calls, capturedCall{name: name, args: args, env: extraEnv})
		return output, exitCode, nil
	}
	r.lookPath = func(string) (string, error) { return "/usr/bin/tool", nil }
	return r
}

func testSpec() ConnSpec {
	ep := dbconn.Endpoint{Host: "db.abc.supabase.co", Port: 5432, User: "postgres"}
	env := config.Environment{DBPassword: "secret", Database: "postgres"}
	return SpecFor(ep, env)
}

func TestDumpDataArgs(t *testing.T) {
	var calls []capturedCall
	r := newFakeRunner("", 0, &calls)

	res, err := r.DumpData(context.Background(), testSpec(), []string{"public.orders", "public.customers"}, "/tmp/data.sql")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "pg_dump", call.name)
	assert.Contains(t, call.args, "--data-only")
	assert.Contains(t, call.args, "--inserts")
	assert.Contains(t, call.args, "public.orders")
	assert.Contains(t, call.args, "db.abc.supabase.co")
	assert.Contains(t, call.env, "PGPASSWORD=secret")
	assert.NotContains(t, call.args, "secret", "the password must never appear in argv")
}

func TestDumpSchemaArgs(t *testing.T) {
	var calls []capturedCall
	r := newFakeRunner("", 0, &calls)

	_, err := r.DumpSchema(context.Background(), testSpec(), []string{"public"}, "/tmp/schema.sql")
	require.NoError(t, err)

	call := calls[0]
	assert.Contains(t, call.args, "--schema-only")
	assert.Contains(t, call.args, "--schema")
	assert.Contains(t, call.args, "public")
}

func TestRunScriptCapturesOutput(t *testing.T) {
	var calls []capturedCall
	r := newFakeRunner(`ERROR:  relation "orders" already exists`, 1, &calls)

	res, err := r.RunScript(context.Background(), testSpec(), "/tmp/load.sql")
	require.NoError(t, err, "non-zero exit is not an error; callers classify the output")
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Output, "already exists")
	assert.Equal(t, "psql", calls[0].name)
}

func TestAvailable(t *testing.T) {
	r := NewRunner(zap.NewNop())
	r.lookPath = func(tool string) (string, error) {
		if tool == "pg_dump" {
			return "/usr/bin/pg_dump", nil
		}
		return "", errors.New("not found")
	}
	assert.True(t, r.Available("pg_dump"))
	assert.False(t, r.Available("pg_restore"))
}
