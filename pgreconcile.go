// Package pgreconcile reconciles the schema, row-level-security policies,
// grants and data of one Postgres environment against another.
//
// A reconciliation run introspects both environments over live connections,
// diffs the snapshots, turns the differences into an ordered migration plan,
// applies the plan to the target, optionally moves table rows, and verifies
// that the target now matches the source.
//
// # Quick Start
//
// Load the environment configuration and run a full sync:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		return err
//	}
//	run, err := pgreconcile.Reconcile(
//		context.Background(),
//		cfg, "prod", "staging",
//		plan.SyncMode{Scope: plan.SchemaAndData, Rows: plan.Incremental},
//		nil,
//	)
//
// To inspect what would change without touching the target, use Plan; to
// check two environments for drift without changing anything, use Verify.
//
// # Safety
//
// Incremental mode never drops target objects and never overwrites target
// rows. Plans that do drop objects (replace mode) are marked Destructive and
// callers are expected to confirm them before applying. Schema-only runs
// snapshot the rows of every table they alter and restore any rows the
// alteration removed.
package pgreconcile

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/datasync"
	"github.com/okvist/pgreconcile/internal/dbconn"
	"github.com/okvist/pgreconcile/internal/diff"
	"github.com/okvist/pgreconcile/internal/execute"
	"github.com/okvist/pgreconcile/internal/introspect"
	"github.com/okvist/pgreconcile/internal/mgmtapi"
	"github.com/okvist/pgreconcile/internal/pgtools"
	"github.com/okvist/pgreconcile/internal/plan"
	"github.com/okvist/pgreconcile/internal/report"
	"github.com/okvist/pgreconcile/internal/verify"
)

// Options configures a run beyond the sync mode.
//
// All fields are optional; the zero value gives a silent logger, the default
// management API endpoint, and no migration file.
type Options struct {
	// Logger receives structured progress output. Defaults to a no-op logger.
	Logger *zap.Logger

	// ExcludeSchemas adds schemas to the built-in protected set. Objects in
	// excluded schemas are never introspected, diffed, or written to.
	ExcludeSchemas []string

	// Tables limits the data sync to the named schema-qualified tables.
	// If nil, every table in the source snapshot is synced.
	Tables []string

	// MigrationsDir, when set, receives the generated plan as a timestamped
	// SQL file. Overrides the configured migrations directory.
	MigrationsDir string

	// APIBaseURL overrides the management API endpoint used to re-resolve
	// pooler hostnames. Useful for tests.
	APIBaseURL string

	// Confirm gates destructive plans. Reconcile calls it before applying a
	// plan that drops objects or replaces rows; returning false aborts the
	// run. A nil Confirm rejects every destructive plan.
	Confirm func(p *plan.MigrationPlan) bool

	// OnStage is called as a run enters each pipeline stage. Useful for
	// progress display.
	OnStage func(stage string)
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Plan introspects both environments and returns the run with its migration
// plan populated. Nothing is written to either environment.
func Plan(ctx context.Context, cfg *config.Config, sourceName, targetName string, mode plan.SyncMode, opts *Options) (*report.Run, error) {
	r, err := newRunner(cfg, sourceName, targetName, mode, opts)
	if err != nil {
		return nil, err
	}
	run := report.NewRun(sourceName, targetName, mode)
	if _, err := r.plan(ctx, run); err != nil {
		return run, err
	}
	run.Finish()
	return run, nil
}

// Reconcile runs the full pipeline: plan, apply, data sync, verify. The
// returned run carries every section that completed, even when err is
// non-nil.
//
// Destructive plans are rejected unless Options.Confirm is set and approves
// the plan.
func Reconcile(ctx context.Context, cfg *config.Config, sourceName, targetName string, mode plan.SyncMode, opts *Options) (*report.Run, error) {
	r, err := newRunner(cfg, sourceName, targetName, mode, opts)
	if err != nil {
		return nil, err
	}
	run := report.NewRun(sourceName, targetName, mode)
	defer run.Finish()
	defer func() { _ = r.syncer.Cleanup() }()

	d, err := r.plan(ctx, run)
	if err != nil {
		return run, err
	}
	if run.Plan.Empty() && mode.Scope == plan.SchemaOnly {
		r.log.Info("environments already converged")
		run.Drift = &verify.DriftReport{}
		return run, nil
	}
	if run.Plan.Destructive {
		if opts == nil || opts.Confirm == nil || !opts.Confirm(run.Plan) {
			return run, fmt.Errorf("destructive plan not confirmed, aborting")
		}
	}

	if err := r.apply(ctx, run, d); err != nil {
		return run, err
	}

	r.stage("verify")
	run.Drift, err = r.verifier.Verify(ctx, r.source, r.target, run.Plan)
	return run, err
}

// DumpSchema writes a schema-only SQL dump of the environment's reconciled
// schemas to path. Useful as a backup before a destructive sync. Requires
// pg_dump on PATH.
func DumpSchema(ctx context.Context, cfg *config.Config, envName, path string, opts *Options) error {
	env, err := cfg.Env(envName)
	if err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	log := opts.logger()
	excluded := cfg.ExcludedSchemas
	if opts != nil {
		excluded = append(append([]string{}, excluded...), opts.ExcludeSchemas...)
	}

	var api dbconn.HostResolver
	if env.APIToken != "" {
		baseURL := ""
		if opts != nil {
			baseURL = opts.APIBaseURL
		}
		api = mgmtapi.NewClient(log, baseURL)
	}
	resolver := dbconn.NewResolver(api, log)
	tools := pgtools.NewRunner(log)
	if !tools.Available("pg_dump") {
		return fmt.Errorf("pg_dump is not on PATH")
	}

	conn, err := resolver.Resolve(ctx, env, "dump schema")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	snap, err := introspect.New(conn.Conn, excluded, log).Introspect(ctx)
	if err != nil {
		return err
	}
	schemas := snap.SchemaNames()
	if len(schemas) == 0 {
		return fmt.Errorf("environment %q has no schemas to dump", envName)
	}

	res, err := tools.DumpSchema(ctx, pgtools.SpecFor(conn.Endpoint, conn.Env), schemas, path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("pg_dump exited with %d: %s", res.ExitCode, res.Output)
	}
	log.Info("schema dumped", zap.String("env", envName), zap.String("path", path))
	return nil
}

// Verify introspects both environments and reports residual differences
// without changing anything.
func Verify(ctx context.Context, cfg *config.Config, sourceName, targetName string, opts *Options) (*report.Run, error) {
	r, err := newRunner(cfg, sourceName, targetName, plan.SyncMode{}, opts)
	if err != nil {
		return nil, err
	}
	run := report.NewRun(sourceName, targetName, plan.SyncMode{})
	run.Drift, err = r.verifier.Verify(ctx, r.source, r.target, nil)
	run.Finish()
	return run, err
}

// runner wires the pipeline components for one source/target pair.
type runner struct {
	cfg      *config.Config
	opts     *Options
	mode     plan.SyncMode
	source   config.Environment
	target   config.Environment
	excluded []string
	log      *zap.Logger

	resolver *dbconn.Resolver
	engine   *execute.Engine
	syncer   *datasync.Syncer
	verifier *verify.Verifier
}

func newRunner(cfg *config.Config, sourceName, targetName string, mode plan.SyncMode, opts *Options) (*runner, error) {
	source, err := cfg.Env(sourceName)
	if err != nil {
		return nil, err
	}
	target, err := cfg.Env(targetName)
	if err != nil {
		return nil, err
	}
	if sourceName == targetName {
		return nil, fmt.Errorf("source and target are both %q", sourceName)
	}
	if err := source.Validate(); err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	log := opts.logger()
	excluded := cfg.ExcludedSchemas
	if opts != nil {
		excluded = append(append([]string{}, excluded...), opts.ExcludeSchemas...)
		sort.Strings(excluded)
	}

	var api dbconn.HostResolver
	baseURL := ""
	if opts != nil {
		baseURL = opts.APIBaseURL
	}
	if source.APIToken != "" || target.APIToken != "" {
		api = mgmtapi.NewClient(log, baseURL)
	}
	resolver := dbconn.NewResolver(api, log)
	tools := pgtools.NewRunner(log)

	return &runner{
		cfg:      cfg,
		opts:     opts,
		mode:     mode,
		source:   source,
		target:   target,
		excluded: excluded,
		log:      log,
		resolver: resolver,
		engine:   execute.New(resolver, log),
		syncer:   datasync.New(resolver, tools, excluded, log),
		verifier: verify.New(resolver, excluded, log),
	}, nil
}

func (r *runner) stage(name string) {
	if r.opts != nil && r.opts.OnStage != nil {
		r.opts.OnStage(name)
	}
}

// plan introspects both sides, diffs, and fills run.Plan. The snapshots and
// diff come back so apply can derive affected tables without re-introspecting.
func (r *runner) plan(ctx context.Context, run *report.Run) (*planContext, error) {
	r.stage("introspect")
	sourceSnap, err := r.snapshot(ctx, r.source)
	if err != nil {
		return nil, err
	}
	targetSnap, err := r.snapshot(ctx, r.target)
	if err != nil {
		return nil, err
	}

	r.stage("plan")
	d := diff.Snapshots(sourceSnap, targetSnap)
	p, err := plan.Generate(d, sourceSnap, targetSnap, r.mode)
	if err != nil {
		return nil, err
	}
	run.Plan = p

	added, removed, changed := d.Summary()
	r.log.Info("plan generated",
		zap.Int("operations", len(p.Operations)),
		zap.Int("added", added), zap.Int("removed", removed), zap.Int("changed", changed),
		zap.Bool("destructive", p.Destructive))

	if dir := r.migrationsDir(); dir != "" {
		path, err := report.SaveScript(dir, run)
		if err != nil {
			return nil, err
		}
		if path != "" {
			r.log.Info("migration file written", zap.String("path", path))
		}
	}
	return &planContext{diff: d, source: sourceSnap, target: targetSnap}, nil
}

func (r *runner) migrationsDir() string {
	if r.opts != nil && r.opts.MigrationsDir != "" {
		return r.opts.MigrationsDir
	}
	return r.cfg.MigrationsDir
}

type planContext struct {
	diff   *diff.SnapshotDiff
	source *introspect.Snapshot
	target *introspect.Snapshot
}

// apply runs the plan phases in order around the data stage.
func (r *runner) apply(ctx context.Context, run *report.Run, pc *planContext) error {
	p := run.Plan
	incremental := r.mode.Rows == plan.Incremental

	// Schema-only runs still rewrite tables; keep their rows restorable.
	var snapshotPath string
	if r.mode.Scope == plan.SchemaOnly {
		tables := alteredTables(pc.diff)
		path, err := r.syncer.SnapshotTables(ctx, r.target, tables)
		if err != nil {
			return err
		}
		snapshotPath = path
	}

	r.stage("apply schema")
	execReport, err := r.engine.Apply(ctx, r.target, p.ByPhase(plan.PhasePreData), incremental)
	run.Execution = execReport
	if err != nil {
		return err
	}

	dataReport := &datasync.Report{}
	if r.mode.Scope != plan.SchemaOnly {
		r.stage("sync data")
		tables := r.dataTables(pc.source)
		dataReport, err = r.syncer.Sync(ctx, r.source, r.target, tables, r.mode)
		run.Data = dataReport
		if err != nil {
			return err
		}
	}

	if snapshotPath != "" {
		if err := r.syncer.RestoreSnapshot(ctx, r.target, snapshotPath); err != nil {
			return err
		}
	}

	if len(p.DeferredNotNull) > 0 {
		if err := r.syncer.FinalizeNotNull(ctx, r.target, p.DeferredNotNull, dataReport); err != nil {
			return err
		}
		run.Data = dataReport
	}

	r.stage("apply policies and grants")
	postReport, err := r.engine.Apply(ctx, r.target, p.ByPhase(plan.PhasePostData), incremental)
	mergeExecution(run.Execution, postReport)
	return err
}

func (r *runner) dataTables(source *introspect.Snapshot) []string {
	if r.opts != nil && len(r.opts.Tables) > 0 {
		return r.opts.Tables
	}
	return source.TableNames()
}

func (r *runner) snapshot(ctx context.Context, env config.Environment) (*introspect.Snapshot, error) {
	conn, err := r.resolver.Resolve(ctx, env, "introspect "+env.Name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close(ctx) }()
	return introspect.New(conn.Conn, r.excluded, r.log).Introspect(ctx)
}

// alteredTables lists the tables whose columns the diff touches.
func alteredTables(d *diff.SnapshotDiff) []string {
	seen := map[string]bool{}
	add := func(c introspect.Column) {
		seen[c.TableKey()] = true
	}
	for _, c := range d.Columns.Added {
		add(c)
	}
	for _, c := range d.Columns.Removed {
		add(c)
	}
	for _, ch := range d.Columns.Changed {
		add(ch.Source)
	}
	tables := make([]string, 0, len(seen))
	for t := range seen {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

func mergeExecution(into, from *execute.Report) {
	if into == nil || from == nil {
		return
	}
	into.Results = append(into.Results, from.Results...)
	into.Applied += from.Applied
	into.Tolerated += from.Tolerated
	into.Reconnected = into.Reconnected || from.Reconnected
}
