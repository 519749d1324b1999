// Package pgtools shells out to pg_dump and psql for bulk dump and load.
// Each call blocks until the tool exits and returns the captured combined
// output; callers classify that output, since exit codes alone do not
// distinguish expected rerun noise from real failures.
package pgtools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/dbconn"
)

// ConnSpec carries everything a command-line tool needs to reach a database.
type ConnSpec struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// SpecFor builds a ConnSpec from a resolved endpoint and its environment.
func SpecFor(ep dbconn.Endpoint, env config.Environment) ConnSpec {
	return ConnSpec{
		Host:     ep.Host,
		Port:     ep.Port,
		User:     ep.User,
		Password: env.DBPassword,
		Database: env.Database,
	}
}

func (s ConnSpec) args() []string {
	return []string{
		"--host", s.Host,
		"--port", strconv.Itoa(s.Port),
		"--username", s.User,
		"--dbname", s.Database,
		"--no-password",
	}
}

// Result is one finished tool invocation.
type Result struct {
	ExitCode int
	Output   string
}

// runFunc executes one command and returns combined output plus exit code.
// Swapped out in tests.
type runFunc func(ctx context.Context, name string, args []string, extraEnv []string) (string, int, error)

// Runner invokes the PostgreSQL client tools.
type Runner struct {
	log      *zap.Logger
	run      runFunc
	lookPath func(string) (string, error)
}

// NewRunner builds a Runner using the tools on PATH.
func NewRunner(log *zap.Logger) *Runner {
	return &Runner{log: log, run: runCommand, lookPath: exec.LookPath}
}

func runCommand(ctx context.Context, name string, args []string, extraEnv []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// The tool never started (not installed, bad path).
			return string(out), -1, fmt.Errorf("failed to run %s: %w", name, err)
		}
	}
	return string(out), exitCode, nil
}

// Available reports whether a tool is on PATH. The data sync engine degrades
// to a row-by-row fallback when pg_dump is missing.
func (r *Runner) Available(tool string) bool {
	_, err := r.lookPath(tool)
	return err == nil
}

func (r *Runner) invoke(ctx context.Context, spec ConnSpec, name string, args []string) (Result, error) {
	r.log.Debug("running tool", zap.String("tool", name), zap.Strings("args", args))
	out, code, err := r.run(ctx, name, args, []string{"PGPASSWORD=" + spec.Password})
	if err != nil {
		return Result{ExitCode: code, Output: out}, err
	}
	return Result{ExitCode: code, Output: out}, nil
}

// DumpSchema writes a schema-only dump of the given schemas to path.
func (r *Runner) DumpSchema(ctx context.Context, spec ConnSpec, schemas []string, path string) (Result, error) {
	args := append([]string{}, spec.args()...)
	args = append(args, "--schema-only", "--no-owner", "--no-privileges")
	for _, s := range schemas {
		args = append(args, "--schema", s)
	}
	args = append(args, "--file", path)
	return r.invoke(ctx, spec, "pg_dump", args)
}

// DumpData writes a data-only dump of the given tables to path. INSERT
// statements (not COPY) so the incremental transform can rewrite them to
// upserts.
func (r *Runner) DumpData(ctx context.Context, spec ConnSpec, tables []string, path string) (Result, error) {
	args := append([]string{}, spec.args()...)
	args = append(args, "--data-only", "--inserts", "--rows-per-insert", "1", "--no-owner")
	for _, t := range tables {
		args = append(args, "--table", t)
	}
	args = append(args, "--file", path)
	return r.invoke(ctx, spec, "pg_dump", args)
}

// RunScript executes a SQL script file against the database. ON_ERROR_STOP
// stays off: statement failures surface in the output and are classified by
// the caller, matching rerun-tolerant loading.
func (r *Runner) RunScript(ctx context.Context, spec ConnSpec, path string) (Result, error) {
	args := append([]string{}, spec.args()...)
	args = append(args, "--no-psqlrc", "--file", path)
	return r.invoke(ctx, spec, "psql", args)
}
