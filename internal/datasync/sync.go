// Package datasync moves table rows from source to target and guards
// schema-only changes against silent row loss.
//
// The fast path dumps rows with pg_dump as single-row INSERT statements,
// filters out protected-schema statements, optionally rewrites the INSERTs to
// ON CONFLICT DO NOTHING (incremental mode), and loads the result with psql.
// When pg_dump is not installed the engine degrades to a row-by-row CSV
// fallback over the live connection.
package datasync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/dbconn"
	"github.com/okvist/pgreconcile/internal/execute"
	"github.com/okvist/pgreconcile/internal/pgtools"
	"github.com/okvist/pgreconcile/internal/plan"
)

type connResolver interface {
	Resolve(ctx context.Context, env config.Environment, purpose string) (*dbconn.Conn, error)
}

type toolRunner interface {
	Available(tool string) bool
	DumpData(ctx context.Context, spec pgtools.ConnSpec, tables []string, path string) (pgtools.Result, error)
	RunScript(ctx context.Context, spec pgtools.ConnSpec, path string) (pgtools.Result, error)
}

// TableResult records how one table's rows moved.
type TableResult struct {
	Table  string
	Method string // "pg_dump" or "copy-rows"
	Class  execute.Class
	Detail string
	Rows   int64
}

// Report summarizes one data sync run.
type Report struct {
	Tables []TableResult
	// NotNullApplied lists deferred NOT NULL columns whose constraint was
	// reinstated after the NULL check passed.
	NotNullApplied []string
	// NotNullDeferred lists columns left nullable because target rows still
	// hold NULLs; they need a manual backfill.
	NotNullDeferred []string
}

// Syncer orchestrates bulk data transfer.
type Syncer struct {
	resolver  connResolver
	tools     toolRunner
	protected []string
	log       *zap.Logger
	workDir   string
}

// New builds a Syncer. protected is the excluded-schema set; statements
// touching those schemas never reach the target.
func New(resolver connResolver, tools toolRunner, protected []string, log *zap.Logger) *Syncer {
	return &Syncer{
		resolver:  resolver,
		tools:     tools,
		protected: protected,
		log:       log,
		workDir:   filepath.Join(os.TempDir(), "pgreconcile-"+uuid.NewString()),
	}
}

func (s *Syncer) ensureWorkDir() error {
	return os.MkdirAll(s.workDir, 0o700)
}

// Cleanup removes the work directory. Dump and snapshot files hold full table
// contents, so they must not outlive the run.
func (s *Syncer) Cleanup() error {
	return os.RemoveAll(s.workDir)
}

// Sync moves rows for the named tables (schema-qualified) from source to
// target. Replace mode truncates each target table first; incremental mode
// loads through ON CONFLICT DO NOTHING so existing target rows are never
// overwritten or duplicated.
func (s *Syncer) Sync(ctx context.Context, source, target config.Environment, tables []string, mode plan.SyncMode) (*Report, error) {
	report := &Report{}
	if len(tables) == 0 {
		return report, nil
	}
	if err := s.ensureWorkDir(); err != nil {
		return report, fmt.Errorf("failed to create work dir: %w", err)
	}

	sourceConn, err := s.resolver.Resolve(ctx, source, "dump data")
	if err != nil {
		return report, err
	}
	defer func() { _ = sourceConn.Close(ctx) }()

	targetConn, err := s.resolver.Resolve(ctx, target, "load data")
	if err != nil {
		return report, err
	}
	defer func() { _ = targetConn.Close(ctx) }()

	incremental := mode.Rows == plan.Incremental

	for _, table := range tables {
		if mode.Rows == plan.Replace {
			if err := s.truncate(ctx, targetConn, table); err != nil {
				return report, err
			}
		}

		var result TableResult
		if s.tools.Available("pg_dump") {
			result, err = s.syncViaDump(ctx, sourceConn, targetConn, table, incremental)
		} else {
			result, err = s.syncViaRows(ctx, sourceConn, targetConn, table, incremental)
		}
		if err != nil {
			report.Tables = append(report.Tables, result)
			return report, err
		}
		report.Tables = append(report.Tables, result)
		s.log.Info("table synced",
			zap.String("table", table),
			zap.String("method", result.Method),
			zap.Int64("rows", result.Rows))
	}
	return report, nil
}

func (s *Syncer) truncate(ctx context.Context, conn *dbconn.Conn, table string) error {
	sql := fmt.Sprintf("TRUNCATE TABLE %s CASCADE;", quoteTableKey(table))
	if _, err := conn.Conn.Exec(ctx, sql); err != nil {
		cls := execute.ClassifyError(err, false)
		if cls.Class == execute.ClassTolerable {
			return nil
		}
		return fmt.Errorf("failed to truncate %s: %w", table, err)
	}
	return nil
}

// syncViaDump is the bulk path: pg_dump on the source endpoint, transform
// locally, psql into the target endpoint.
func (s *Syncer) syncViaDump(ctx context.Context, sourceConn, targetConn *dbconn.Conn, table string, incremental bool) (TableResult, error) {
	result := TableResult{Table: table, Method: "pg_dump"}

	rawPath := filepath.Join(s.workDir, "dump-"+uuid.NewString()+".sql")
	sourceSpec := pgtools.SpecFor(sourceConn.Endpoint, sourceConn.Env)
	dumpRes, err := s.tools.DumpData(ctx, sourceSpec, []string{table}, rawPath)
	if err != nil || dumpRes.ExitCode != 0 {
		// Dump tool unavailable or broken mid-run: degrade to the row path.
		s.log.Warn("bulk dump failed, falling back to row copy",
			zap.String("table", table), zap.Error(err), zap.Int("exit", dumpRes.ExitCode))
		return s.syncViaRows(ctx, sourceConn, targetConn, table, incremental)
	}

	loadPath := filepath.Join(s.workDir, "load-"+uuid.NewString()+".sql")
	if err := s.transformDump(rawPath, loadPath, incremental); err != nil {
		return result, err
	}

	targetSpec := pgtools.SpecFor(targetConn.Endpoint, targetConn.Env)
	loadRes, err := s.tools.RunScript(ctx, targetSpec, loadPath)
	if err != nil {
		return result, fmt.Errorf("failed to load %s: %w", table, err)
	}
	cls := execute.Classify(loadRes.Output, incremental)
	result.Class = cls.Class
	result.Detail = cls.Line
	if cls.Class == execute.ClassFatal || cls.Class == execute.ClassUnexpected {
		return result, &execute.ClassifiedError{Class: cls.Class, Op: plan.Operation{Object: table}, Detail: cls.Line}
	}
	return result, nil
}

// transformDump applies the protected-schema filter and, in incremental
// mode, the ON CONFLICT rewrite.
func (s *Syncer) transformDump(rawPath, loadPath string, incremental bool) error {
	raw, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("failed to open dump: %w", err)
	}
	defer func() { _ = raw.Close() }()

	filteredPath := loadPath
	if incremental {
		filteredPath = loadPath + ".filtered"
	}
	filtered, err := os.Create(filteredPath)
	if err != nil {
		return fmt.Errorf("failed to create load file: %w", err)
	}
	if err := FilterProtectedSchemas(raw, filtered, s.protected); err != nil {
		_ = filtered.Close()
		return err
	}
	if err := filtered.Close(); err != nil {
		return err
	}
	if !incremental {
		return nil
	}

	in, err := os.Open(filteredPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(loadPath)
	if err != nil {
		return err
	}
	if err := AddOnConflict(in, out); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
