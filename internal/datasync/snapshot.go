package datasync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/execute"
	"github.com/okvist/pgreconcile/internal/introspect"
	"github.com/okvist/pgreconcile/internal/pgtools"
	"github.com/okvist/pgreconcile/internal/plan"
)

// SnapshotTables dumps the current target rows of the given tables to a local
// SQL file and returns its path. Schema-only runs snapshot any table they are
// about to alter so that an unrelated schema fix can never silently lose
// target rows; RestoreSnapshot puts the rows back afterwards.
//
// Returns an empty path when there is nothing to snapshot or when pg_dump is
// unavailable (the row fallback path alters nothing destructively).
func (s *Syncer) SnapshotTables(ctx context.Context, target config.Environment, tables []string) (string, error) {
	if len(tables) == 0 || !s.tools.Available("pg_dump") {
		return "", nil
	}
	if err := s.ensureWorkDir(); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}

	conn, err := s.resolver.Resolve(ctx, target, "snapshot target rows")
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close(ctx) }()

	path := filepath.Join(s.workDir, "snapshot-"+uuid.NewString()+".sql")
	spec := pgtools.SpecFor(conn.Endpoint, conn.Env)
	res, err := s.tools.DumpData(ctx, spec, tables, path)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot target rows: %w", err)
	}
	if res.ExitCode != 0 {
		cls := execute.Classify(res.Output, false)
		if cls.Class == execute.ClassTolerable {
			return path, nil
		}
		return "", fmt.Errorf("failed to snapshot target rows: %s", cls.Line)
	}
	s.log.Info("target rows snapshotted", zap.Strings("tables", tables), zap.String("path", path))
	return path, nil
}

// RestoreSnapshot loads a snapshot taken by SnapshotTables back into the
// target. The restore always goes through the ON CONFLICT rewrite, so rows
// that survived the schema change are skipped rather than duplicated.
func (s *Syncer) RestoreSnapshot(ctx context.Context, target config.Environment, snapshotPath string) error {
	if snapshotPath == "" {
		return nil
	}

	loadPath := snapshotPath + ".restore"
	in, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(loadPath)
	if err != nil {
		return fmt.Errorf("failed to create restore file: %w", err)
	}
	if err := AddOnConflict(in, out); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	conn, err := s.resolver.Resolve(ctx, target, "restore target rows")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	spec := pgtools.SpecFor(conn.Endpoint, conn.Env)
	res, err := s.tools.RunScript(ctx, spec, loadPath)
	if err != nil {
		return fmt.Errorf("failed to restore target rows: %w", err)
	}
	cls := execute.Classify(res.Output, true)
	if cls.Class == execute.ClassFatal || cls.Class == execute.ClassUnexpected {
		return &execute.ClassifiedError{Class: cls.Class, Op: plan.Operation{Object: "snapshot restore"}, Detail: cls.Line}
	}
	return nil
}

// FinalizeNotNull reinstates deferred NOT NULL constraints. Each column is
// checked for remaining NULLs first: clean columns get SET NOT NULL, dirty
// ones stay nullable and are reported for manual backfill instead of leaving
// the run half-failed on a constraint violation.
func (s *Syncer) FinalizeNotNull(ctx context.Context, target config.Environment, deferred []introspect.Column, report *Report) error {
	if len(deferred) == 0 {
		return nil
	}

	conn, err := s.resolver.Resolve(ctx, target, "finalize not null")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	for _, col := range deferred {
		table := quoteTableKey(col.TableKey())
		countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", table, pq.QuoteIdentifier(col.Name))
		var nulls int64
		if err := conn.Conn.QueryRow(ctx, countSQL).Scan(&nulls); err != nil {
			return fmt.Errorf("failed to check NULLs in %s: %w", col.Key(), err)
		}
		if nulls > 0 {
			s.log.Warn("column left nullable, needs manual backfill",
				zap.String("column", col.Key()), zap.Int64("null_rows", nulls))
			report.NotNullDeferred = append(report.NotNullDeferred, col.Key())
			continue
		}
		alterSQL := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;", table, pq.QuoteIdentifier(col.Name))
		if _, err := conn.Conn.Exec(ctx, alterSQL); err != nil {
			return fmt.Errorf("failed to set %s NOT NULL: %w", col.Key(), err)
		}
		report.NotNullApplied = append(report.NotNullApplied, col.Key())
	}
	return nil
}
