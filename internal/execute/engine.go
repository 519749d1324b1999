// Package execute applies migration plan operations against the target
// database, classifying failures into fatal, tolerable, and unexpected.
package execute

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/dbconn"
	"github.com/okvist/pgreconcile/internal/plan"
)

// connResolver is the slice of dbconn.Resolver the engine needs.
type connResolver interface {
	Resolve(ctx context.Context, env config.Environment, purpose string) (*dbconn.Conn, error)
}

// StatementResult records the outcome of one operation.
type StatementResult struct {
	Op     plan.Operation
	Class  Class
	Detail string
}

// Report summarizes one Apply call.
type Report struct {
	Results   []StatementResult
	Applied   int
	Tolerated int
	// Reconnected is true when a fatal failure forced a retry on another
	// endpoint strategy.
	Reconnected bool
}

// ClassifiedError is a classified execution failure that aborted the run.
type ClassifiedError struct {
	Class  Class
	Op     plan.Operation
	Detail string
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("execution failed (%s) on %s: %s", e.Class, e.Op.Object, e.Detail)
}

// Engine applies operations through the connection resolver.
type Engine struct {
	resolver connResolver
	log      *zap.Logger
}

// New builds an Engine.
func New(resolver connResolver, log *zap.Logger) *Engine {
	return &Engine{resolver: resolver, log: log}
}

// Apply executes ops in order against env. incremental enables the
// duplicate-key tolerance rules.
//
// Tolerable failures count as success. A fatal failure closes the connection
// and retries the failed unit once on a freshly resolved connection; a second
// fatal, or any unexpected failure, aborts with a *ClassifiedError. The
// returned Report is valid even when err is non-nil.
func (e *Engine) Apply(ctx context.Context, env config.Environment, ops []plan.Operation, incremental bool) (*Report, error) {
	report := &Report{}
	if len(ops) == 0 {
		return report, nil
	}

	conn, err := e.resolver.Resolve(ctx, env, "apply plan")
	if err != nil {
		return report, err
	}
	defer func() { _ = conn.Close(ctx) }()

	for _, unit := range groupOps(ops) {
		for {
			failed, cls := e.applyUnit(ctx, conn, unit, incremental, report)
			if cls.Class == ClassOK {
				break
			}
			if cls.Class == ClassUnexpected {
				result := StatementResult{Op: failed, Class: ClassUnexpected, Detail: cls.Line}
				report.Results = append(report.Results, result)
				return report, &ClassifiedError{Class: ClassUnexpected, Op: failed, Detail: cls.Line}
			}
			// Fatal: one reconnection attempt for the whole run, then abort.
			if report.Reconnected {
				result := StatementResult{Op: failed, Class: ClassFatal, Detail: cls.Line}
				report.Results = append(report.Results, result)
				return report, &ClassifiedError{Class: ClassFatal, Op: failed, Detail: cls.Line}
			}
			e.log.Warn("fatal execution failure, retrying on next endpoint",
				zap.String("object", failed.Object), zap.String("detail", cls.Line))
			_ = conn.Close(ctx)
			conn, err = e.resolver.Resolve(ctx, env, "apply plan (retry)")
			if err != nil {
				return report, err
			}
			report.Reconnected = true
		}
	}
	return report, nil
}

// groupOps splits the operation list into transaction units. Consecutive
// operations sharing a non-empty TxGroup form one unit; everything else is a
// unit of one.
func groupOps(ops []plan.Operation) [][]plan.Operation {
	var units [][]plan.Operation
	for _, op := range ops {
		n := len(units)
		if op.TxGroup != "" && n > 0 && len(units[n-1]) > 0 && units[n-1][0].TxGroup == op.TxGroup {
			units[n-1] = append(units[n-1], op)
			continue
		}
		units = append(units, []plan.Operation{op})
	}
	return units
}

// applyUnit executes one unit. Multi-statement units run inside a
// transaction; when that transaction fails with a tolerable error it is
// rolled back and replayed statement-by-statement, since an aborted
// transaction cannot skip past the statement that poisoned it.
func (e *Engine) applyUnit(ctx context.Context, conn *dbconn.Conn, unit []plan.Operation, incremental bool, report *Report) (plan.Operation, Classification) {
	transactional := len(unit) > 1
	if transactional {
		if _, err := conn.Conn.Exec(ctx, "BEGIN"); err != nil {
			return unit[0], ClassifyError(err, incremental)
		}
	}

	for _, op := range unit {
		if _, err := conn.Conn.Exec(ctx, op.SQL); err != nil {
			cls := ClassifyError(err, incremental)
			if transactional {
				_, _ = conn.Conn.Exec(ctx, "ROLLBACK")
				if cls.Class == ClassTolerable {
					return e.replayTolerant(ctx, conn, unit, incremental, report)
				}
			}
			if cls.Class == ClassTolerable {
				report.Tolerated++
				report.Results = append(report.Results, StatementResult{Op: op, Class: ClassTolerable, Detail: cls.Line})
				e.log.Debug("tolerated", zap.String("object", op.Object), zap.String("detail", cls.Line))
				continue
			}
			return op, cls
		}
		if !transactional {
			report.Applied++
			report.Results = append(report.Results, StatementResult{Op: op, Class: ClassOK})
		}
	}

	if transactional {
		if _, err := conn.Conn.Exec(ctx, "COMMIT"); err != nil {
			return unit[len(unit)-1], ClassifyError(err, incremental)
		}
		for _, op := range unit {
			report.Applied++
			report.Results = append(report.Results, StatementResult{Op: op, Class: ClassOK})
		}
	}
	return plan.Operation{}, Classification{Class: ClassOK}
}

// replayTolerant re-runs a failed transaction unit without the transaction,
// tolerating tolerable errors per statement.
func (e *Engine) replayTolerant(ctx context.Context, conn *dbconn.Conn, unit []plan.Operation, incremental bool, report *Report) (plan.Operation, Classification) {
	for _, op := range unit {
		if _, err := conn.Conn.Exec(ctx, op.SQL); err != nil {
			cls := ClassifyError(err, incremental)
			if cls.Class == ClassTolerable {
				report.Tolerated++
				report.Results = append(report.Results, StatementResult{Op: op, Class: ClassTolerable, Detail: cls.Line})
				continue
			}
			return op, cls
		}
		report.Applied++
		report.Results = append(report.Results, StatementResult{Op: op, Class: ClassOK})
	}
	return plan.Operation{}, Classification{Class: ClassOK}
}
