package plan

import (
	"sort"

	"github.com/okvist/pgreconcile/internal/diff"
	"github.com/okvist/pgreconcile/internal/introspect"
)

// Generate turns a snapshot diff into a migration plan. source and target are
// the snapshots the diff was computed from; the generator needs them to
// recreate a table's full policy set, not just the policies that differ.
//
// Operation ordering within the plan:
//   - pre-data: extensions, column additions and type/default changes,
//     relaxations (DROP NOT NULL), suppressible drops
//   - post-data: constraint tightening (SET NOT NULL), policy reconciliation
//     (RLS enable, then drop stale, then recreate), row security flag fixes,
//     grants, cron jobs
func Generate(d *diff.SnapshotDiff, source, target *introspect.Snapshot, mode SyncMode) (*MigrationPlan, error) {
	p := &MigrationPlan{Mode: mode}
	added, removed, changed := d.Summary()
	p.Summary = Summary{Added: added, Removed: removed, Changed: changed}

	if mode.Scope == DataOnly {
		// Rows move, the schema stays alone.
		p.Destructive = mode.Rows == Replace
		return p, nil
	}

	if err := appendExtensionOps(p, d); err != nil {
		return nil, err
	}
	if err := appendColumnOps(p, d, mode); err != nil {
		return nil, err
	}
	appendPolicyOps(p, d, source, target)
	appendRLSOps(p, d)
	appendGrantOps(p, d, mode)
	appendCronOps(p, d)

	for _, op := range p.Operations {
		if op.Destructive {
			p.Destructive = true
			break
		}
	}
	if mode.Scope == SchemaAndData && mode.Rows == Replace {
		// Row replacement truncates target tables even when no single
		// operation in the plan is destructive.
		p.Destructive = true
	}
	return p, nil
}

func appendExtensionOps(p *MigrationPlan, d *diff.SnapshotDiff) error {
	for _, e := range d.Extensions.Added {
		if e.Name == "" {
			return &GenerationError{Object: "extension", Reason: "extension descriptor has no name"}
		}
		p.Operations = append(p.Operations, Operation{
			Kind: KindCreateExtension, Object: e.Name, SQL: createExtensionSQL(e), Phase: PhasePreData,
		})
	}
	for _, ch := range d.Extensions.Changed {
		p.Operations = append(p.Operations, Operation{
			Kind: KindAlterExtension, Object: ch.Source.Name, SQL: alterExtensionSQL(ch.Source), Phase: PhasePreData,
		})
	}
	// Target-only extensions are left in place. Dropping an extension drops
	// every object that depends on it, which is never worth a clean diff.
	for _, e := range d.Extensions.Removed {
		p.SuppressedDrops = append(p.SuppressedDrops, "extension "+e.Name)
	}
	return nil
}

func appendColumnOps(p *MigrationPlan, d *diff.SnapshotDiff, mode SyncMode) error {
	for _, c := range d.Columns.Added {
		if c.FormattedType == "" {
			return &GenerationError{Object: c.Key(), Reason: "column descriptor has no formatted type"}
		}
		// A NOT NULL column with no default cannot be added to a table that
		// already has rows. Add it nullable now; SET NOT NULL happens after
		// data has moved and a NULL check has passed.
		deferNotNull := !c.IsNullable && c.Default == nil
		p.Operations = append(p.Operations, Operation{
			Kind: KindAddColumn, Object: c.Key(), SQL: addColumnSQL(c, deferNotNull), Phase: PhasePreData,
		})
		if deferNotNull {
			p.DeferredNotNull = append(p.DeferredNotNull, c)
		}
	}

	for _, ch := range d.Columns.Changed {
		src := ch.Source
		for _, field := range ch.Fields {
			switch field {
			case "type":
				p.Operations = append(p.Operations, Operation{
					Kind: KindAlterColumnType, Object: src.Key(), SQL: alterColumnTypeSQL(src), Phase: PhasePreData,
				})
			case "nullable":
				if src.IsNullable {
					p.Operations = append(p.Operations, Operation{
						Kind: KindDropNotNull, Object: src.Key(), SQL: dropNotNullSQL(src), Phase: PhasePreData,
					})
				} else {
					p.Operations = append(p.Operations, Operation{
						Kind: KindSetNotNull, Object: src.Key(), SQL: setNotNullSQL(src.Schema, src.Table, src.Name), Phase: PhasePostData,
					})
				}
			case "default":
				if src.Default != nil {
					p.Operations = append(p.Operations, Operation{
						Kind: KindSetDefault, Object: src.Key(), SQL: setDefaultSQL(src), Phase: PhasePreData,
					})
				} else {
					p.Operations = append(p.Operations, Operation{
						Kind: KindDropDefault, Object: src.Key(), SQL: dropDefaultSQL(src), Phase: PhasePreData,
					})
				}
			}
		}
	}

	for _, c := range d.Columns.Removed {
		if mode.Rows != Replace {
			p.SuppressedDrops = append(p.SuppressedDrops, "column "+c.Key())
			continue
		}
		p.Operations = append(p.Operations, Operation{
			Kind: KindDropColumn, Object: c.Key(), SQL: dropColumnSQL(c), Destructive: true, Phase: PhasePreData,
		})
	}
	return nil
}

// appendPolicyOps reconciles policies table by table. Policies are never
// patched in place: any difference on a table drops and recreates that
// table's full policy set from the source, inside one transaction group, with
// row level security enabled before any policy is touched.
func appendPolicyOps(p *MigrationPlan, d *diff.SnapshotDiff, source, target *introspect.Snapshot) {
	affected := make(map[string]bool)
	for _, pol := range d.Policies.Added {
		affected[pol.TableKey()] = true
	}
	for _, pol := range d.Policies.Removed {
		affected[pol.TableKey()] = true
	}
	for _, ch := range d.Policies.Changed {
		affected[ch.Source.TableKey()] = true
	}
	if len(affected) == 0 {
		return
	}

	tables := make([]string, 0, len(affected))
	for t := range affected {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	sourceByTable := source.PoliciesByTable()
	targetByTable := target.PoliciesByTable()
	sourceRLS := source.RLSByTable()

	for _, tableKey := range tables {
		sourcePolicies := sourceByTable[tableKey]
		targetPolicies := targetByTable[tableKey]
		group := "policies:" + tableKey

		var schema, table string
		if len(sourcePolicies) > 0 {
			schema, table = sourcePolicies[0].Schema, sourcePolicies[0].Table
		} else {
			schema, table = targetPolicies[0].Schema, targetPolicies[0].Table
		}

		// RLS first: a table must never sit with policies present but RLS
		// off, so enabling cannot come after creation. The source's own flag
		// decides; when the snapshot carries no table flags, a non-empty
		// source policy set implies RLS.
		rlsOn, known := sourceRLS[tableKey]
		if rlsOn || (!known && len(sourcePolicies) > 0) {
			p.Operations = append(p.Operations, Operation{
				Kind: KindEnableRLS, Object: tableKey, SQL: enableRLSSQL(schema, table),
				Phase: PhasePostData, TxGroup: group,
			})
		}

		for _, name := range policyNameUnion(sourcePolicies, targetPolicies) {
			p.Operations = append(p.Operations, Operation{
				Kind: KindDropPolicy, Object: tableKey + "." + name, SQL: dropPolicySQL(schema, table, name),
				Phase: PhasePostData, TxGroup: group,
			})
		}

		for _, pol := range sourcePolicies {
			p.Operations = append(p.Operations, Operation{
				Kind: KindCreatePolicy, Object: pol.Key(), SQL: createPolicySQL(pol),
				Phase: PhasePostData, TxGroup: group,
			})
		}
	}
}

// appendRLSOps reconciles the row security flag for tables whose flag differs
// between the sides. Without it, dropping a source-absent policy set would
// leave the target at RLS-on-with-zero-policies, which denies all access.
// Enabling is skipped when policy reconciliation already asserted it.
func appendRLSOps(p *MigrationPlan, d *diff.SnapshotDiff) {
	enabled := make(map[string]bool)
	for _, op := range p.Operations {
		if op.Kind == KindEnableRLS {
			enabled[op.Object] = true
		}
	}
	for _, ch := range d.Tables.Changed {
		if ch.Source.RowSecurity {
			if enabled[ch.Key] {
				continue
			}
			p.Operations = append(p.Operations, Operation{
				Kind: KindEnableRLS, Object: ch.Key, SQL: enableRLSSQL(ch.Source.Schema, ch.Source.Name), Phase: PhasePostData,
			})
		} else {
			p.Operations = append(p.Operations, Operation{
				Kind: KindDisableRLS, Object: ch.Key, SQL: disableRLSSQL(ch.Source.Schema, ch.Source.Name), Phase: PhasePostData,
			})
		}
	}
}

// policyNameUnion returns every policy name present on either side, sorted.
// Dropping the union (with IF EXISTS) clears stale policies regardless of
// which side they exist on.
func policyNameUnion(source, target []introspect.Policy) []string {
	seen := make(map[string]bool)
	var names []string
	for _, p := range append(append([]introspect.Policy{}, target...), source...) {
		if !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names
}

// managedRoles are owned by the hosting platform; their grants only move
// when the mode asks for them.
var managedRoles = map[string]bool{
	"authenticator":              true,
	"dashboard_user":             true,
	"pgbouncer":                  true,
	"supabase_admin":             true,
	"supabase_auth_admin":        true,
	"supabase_read_only_user":    true,
	"supabase_replication_admin": true,
	"supabase_storage_admin":     true,
}

func appendGrantOps(p *MigrationPlan, d *diff.SnapshotDiff, mode SyncMode) {
	skip := func(grantee string) bool {
		return !mode.ManagedRoles && managedRoles[grantee]
	}
	for _, g := range d.Grants.Added {
		if skip(g.Grantee) {
			continue
		}
		p.Operations = append(p.Operations, Operation{
			Kind: KindGrant, Object: g.Key(), SQL: grantSQL(g), Phase: PhasePostData,
		})
	}
	// Changed means the grantable flag flipped: revoke then re-grant from the
	// source definition so reruns never hit duplicate-grant errors.
	for _, ch := range d.Grants.Changed {
		if skip(ch.Source.Grantee) {
			continue
		}
		p.Operations = append(p.Operations, Operation{
			Kind: KindRevoke, Object: ch.Key, SQL: revokeSQL(ch.Target), Phase: PhasePostData,
		})
		p.Operations = append(p.Operations, Operation{
			Kind: KindGrant, Object: ch.Key, SQL: grantSQL(ch.Source), Phase: PhasePostData,
		})
	}
	for _, g := range d.Grants.Removed {
		if skip(g.Grantee) {
			continue
		}
		p.Operations = append(p.Operations, Operation{
			Kind: KindRevoke, Object: g.Key(), SQL: revokeSQL(g), Phase: PhasePostData,
		})
	}
}

func appendCronOps(p *MigrationPlan, d *diff.SnapshotDiff) {
	for _, j := range d.CronJobs.Added {
		p.Operations = append(p.Operations, Operation{
			Kind: KindScheduleJob, Object: j.Name, SQL: scheduleJobSQL(j), Phase: PhasePostData,
		})
	}
	for _, ch := range d.CronJobs.Changed {
		p.Operations = append(p.Operations, Operation{
			Kind: KindUnscheduleJob, Object: ch.Source.Name, SQL: unscheduleJobSQL(ch.Target), Phase: PhasePostData,
		})
		p.Operations = append(p.Operations, Operation{
			Kind: KindScheduleJob, Object: ch.Source.Name, SQL: scheduleJobSQL(ch.Source), Phase: PhasePostData,
		})
	}
	for _, j := range d.CronJobs.Removed {
		p.Operations = append(p.Operations, Operation{
			Kind: KindUnscheduleJob, Object: j.Name, SQL: unscheduleJobSQL(j), Phase: PhasePostData,
		})
	}
}
