package execute

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		incremental bool
		want        Class
	}{
		{
			name:   "clean output",
			output: "ALTER TABLE\nCREATE POLICY\nGRANT",
			want:   ClassOK,
		},
		{
			name:   "already exists is tolerable",
			output: `psql: ERROR:  relation "orders" already exists`,
			want:   ClassTolerable,
		},
		{
			name:   "does not exist skipping is tolerable",
			output: "NOTICE: x\nERROR:  policy \"p1\" for table \"t\" does not exist, skipping",
			want:   ClassTolerable,
		},
		{
			name:        "duplicate key tolerable in incremental mode",
			output:      `ERROR:  duplicate key value violates unique constraint "orders_pkey"`,
			incremental: true,
			want:        ClassTolerable,
		},
		{
			name:   "duplicate key unexpected outside incremental mode",
			output: `ERROR:  duplicate key value violates unique constraint "orders_pkey"`,
			want:   ClassUnexpected,
		},
		{
			name:   "connection refused is fatal",
			output: "psql: error: connection to server failed: FATAL: connection refused",
			want:   ClassFatal,
		},
		{
			name:   "auth failure is fatal",
			output: `psql: FATAL:  password authentication failed for user "postgres"`,
			want:   ClassFatal,
		},
		{
			name:   "unknown error is unexpected",
			output: `ERROR:  out of shared memory`,
			want:   ClassUnexpected,
		},
		{
			name:   "worst class wins",
			output: "ERROR:  relation \"x\" already exists\nERROR:  division by zero",
			want:   ClassUnexpected,
		},
		{
			name:   "non-error lines are ignored",
			output: "NOTICE:  relation already exists in comment text",
			want:   ClassOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.output, tt.incremental)
			assert.Equal(t, tt.want, got.Class)
			if tt.want != ClassOK {
				assert.NotEmpty(t, got.Line)
			}
		})
	}
}

func TestClassifyErrorWithoutPrefix(t *testing.T) {
	// Driver errors carry no ERROR: prefix.
	got := ClassifyError(errors.New(`relation "orders" already exists`), false)
	assert.Equal(t, ClassTolerable, got.Class)

	got = ClassifyError(errors.New("server closed the connection unexpectedly"), false)
	assert.Equal(t, ClassFatal, got.Class)

	got = ClassifyError(nil, false)
	assert.Equal(t, ClassOK, got.Class)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "ok", ClassOK.String())
	assert.Equal(t, "tolerable", ClassTolerable.String())
	assert.Equal(t, "fatal", ClassFatal.String())
	assert.Equal(t, "unexpected", ClassUnexpected.String())
}
