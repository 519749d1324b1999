// Package introspect captures a database's structural and security metadata
// as a normalized Snapshot: columns, row-level-security policies, grants,
// constraints, extensions, and scheduled jobs.
//
// All queries are read-only, exclude the system catalogs, and exclude an
// explicit set of platform-managed schemas (storage, auth, and friends) that
// reconciliation must never touch.
package introspect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/dbconn"
)

// Introspector reads catalog metadata through an established connection.
type Introspector struct {
	conn     dbconn.Querier
	excluded []string
	log      *zap.Logger
}

// New builds an Introspector. excludedSchemas is the protected-schema set on
// top of the always-excluded system catalogs.
func New(conn dbconn.Querier, excludedSchemas []string, log *zap.Logger) *Introspector {
	return &Introspector{conn: conn, excluded: excludedList(excludedSchemas), log: log}
}

// Introspect collects a full snapshot. Descriptor lists come back sorted by
// key.
func (in *Introspector) Introspect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		ExcludedSchemas: in.excluded,
		CapturedAt:      time.Now().UTC(),
	}

	var err error
	if snap.Tables, err = in.collectTables(ctx); err != nil {
		return nil, err
	}
	if snap.Columns, err = in.collectColumns(ctx); err != nil {
		return nil, err
	}
	if snap.Policies, err = in.collectPolicies(ctx); err != nil {
		return nil, err
	}
	if snap.Grants, err = in.collectGrants(ctx); err != nil {
		return nil, err
	}
	if snap.Constraints, err = in.collectConstraints(ctx); err != nil {
		return nil, err
	}
	if snap.Extensions, err = in.collectExtensions(ctx); err != nil {
		return nil, err
	}
	if hasCron(snap.Extensions) {
		if snap.CronJobs, err = in.collectCronJobs(ctx); err != nil {
			return nil, err
		}
	}

	snap.normalize()
	in.log.Debug("introspected",
		zap.Int("tables", len(snap.Tables)),
		zap.Int("columns", len(snap.Columns)),
		zap.Int("policies", len(snap.Policies)),
		zap.Int("grants", len(snap.Grants)),
		zap.Int("constraints", len(snap.Constraints)),
		zap.Int("extensions", len(snap.Extensions)),
		zap.Int("cron_jobs", len(snap.CronJobs)))
	return snap, nil
}

func hasCron(exts []Extension) bool {
	for _, e := range exts {
		if e.Name == "pg_cron" {
			return true
		}
	}
	return false
}

// collectTables reads the row security flag per table. Policies alone cannot
// distinguish "RLS off" from "RLS on with no policies yet", and the latter
// denies all access.
func (in *Introspector) collectTables(ctx context.Context) ([]Table, error) {
	query := `
		SELECT n.nspname, c.relname, c.relrowsecurity
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
			AND n.nspname NOT IN ('pg_catalog', 'information_schema')
			AND n.nspname NOT LIKE 'pg\_%'
			AND NOT (n.nspname = ANY($1))
		ORDER BY n.nspname, c.relname
	`

	rows, err := in.conn.Query(ctx, query, in.excluded)
	if err != nil {
		return nil, &Error{Query: "tables", Err: err}
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name, &t.RowSecurity); err != nil {
			return nil, &Error{Query: "tables", Err: err}
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Query: "tables", Err: err}
	}
	return tables, nil
}

// collectColumns joins logical column metadata with the physical type
// formatting from pg_attribute, so an "ALTER COLUMN ... TYPE" statement can
// reproduce the source type exactly.
func (in *Introspector) collectColumns(ctx context.Context) ([]Column, error) {
	query := `
		SELECT
			c.table_schema,
			c.table_name,
			c.column_name,
			c.data_type,
			format_type(a.atttypid, a.atttypmod) AS formatted_type,
			c.is_nullable,
			c.column_default,
			c.ordinal_position
		FROM information_schema.columns c
		JOIN pg_namespace n ON n.nspname = c.table_schema
		JOIN pg_class cl ON cl.relnamespace = n.oid AND cl.relname = c.table_name AND cl.relkind IN ('r', 'p')
		JOIN pg_attribute a ON a.attrelid = cl.oid AND a.attname = c.column_name
		WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
			AND c.table_schema NOT LIKE 'pg\_%'
			AND NOT (c.table_schema = ANY($1))
		ORDER BY c.table_schema, c.table_name, c.ordinal_position
	`

	rows, err := in.conn.Query(ctx, query, in.excluded)
	if err != nil {
		return nil, &Error{Query: "columns", Err: err}
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Schema, &col.Table, &col.Name, &col.DataType,
			&col.FormattedType, &nullable, &col.Default, &col.Position); err != nil {
			return nil, &Error{Query: "columns", Err: err}
		}
		col.IsNullable = nullable == "YES"
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Query: "columns", Err: err}
	}
	return columns, nil
}

// collectPolicies reads pg_policies, which already resolves role OIDs to
// names. qual and with_check come back as reconstructed expression text.
func (in *Introspector) collectPolicies(ctx context.Context) ([]Policy, error) {
	query := `
		SELECT
			schemaname,
			tablename,
			policyname,
			COALESCE(cmd, 'ALL'),
			roles,
			qual,
			with_check,
			permissive = 'PERMISSIVE'
		FROM pg_policies
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
			AND NOT (schemaname = ANY($1))
		ORDER BY schemaname, tablename, policyname
	`

	rows, err := in.conn.Query(ctx, query, in.excluded)
	if err != nil {
		return nil, &Error{Query: "policies", Err: err}
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.Schema, &p.Table, &p.Name, &p.Command,
			&p.Roles, &p.Using, &p.WithCheck, &p.Permissive); err != nil {
			return nil, &Error{Query: "policies", Err: err}
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Query: "policies", Err: err}
	}
	return policies, nil
}

// collectGrants explodes the ACLs of tables, sequences, functions, and
// schemas. Owner self-grants are skipped: they exist on every object and are
// never reconciled.
func (in *Introspector) collectGrants(ctx context.Context) ([]Grant, error) {
	query := `
		SELECT schema, object, object_type, grantee, privilege, grantable FROM (
			SELECT
				n.nspname AS schema,
				c.relname AS object,
				CASE WHEN c.relkind = 'S' THEN 'sequence' ELSE 'table' END AS object_type,
				CASE WHEN acl.grantee = 0 THEN 'PUBLIC' ELSE pg_get_userbyid(acl.grantee) END AS grantee,
				acl.privilege_type AS privilege,
				acl.is_grantable AS grantable,
				acl.grantee = c.relowner AS self_grant
			FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			CROSS JOIN LATERAL aclexplode(c.relacl) AS acl
			WHERE c.relkind IN ('r', 'p', 'v', 'm', 'S')
			UNION ALL
			SELECT
				n.nspname,
				p.proname,
				'function',
				CASE WHEN acl.grantee = 0 THEN 'PUBLIC' ELSE pg_get_userbyid(acl.grantee) END,
				acl.privilege_type,
				acl.is_grantable,
				acl.grantee = p.proowner
			FROM pg_proc p
			JOIN pg_namespace n ON n.oid = p.pronamespace
			CROSS JOIN LATERAL aclexplode(p.proacl) AS acl
			UNION ALL
			SELECT
				n.nspname,
				n.nspname,
				'schema',
				CASE WHEN acl.grantee = 0 THEN 'PUBLIC' ELSE pg_get_userbyid(acl.grantee) END,
				acl.privilege_type,
				acl.is_grantable,
				acl.grantee = n.nspowner
			FROM pg_namespace n
			CROSS JOIN LATERAL aclexplode(n.nspacl) AS acl
		) grants
		WHERE schema NOT IN ('pg_catalog', 'information_schema')
			AND schema NOT LIKE 'pg\_%'
			AND NOT (schema = ANY($1))
			AND NOT self_grant
		ORDER BY schema, object, grantee, privilege
	`

	rows, err := in.conn.Query(ctx, query, in.excluded)
	if err != nil {
		return nil, &Error{Query: "grants", Err: err}
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.Schema, &g.Object, &g.ObjectType, &g.Grantee,
			&g.Privilege, &g.Grantable); err != nil {
			return nil, &Error{Query: "grants", Err: err}
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Query: "grants", Err: err}
	}
	return grants, nil
}

func (in *Introspector) collectConstraints(ctx context.Context) ([]Constraint, error) {
	query := `
		SELECT
			n.nspname,
			rel.relname,
			con.conname,
			CASE con.contype
				WHEN 'p' THEN 'PRIMARY KEY'
				WHEN 'f' THEN 'FOREIGN KEY'
				WHEN 'u' THEN 'UNIQUE'
				WHEN 'c' THEN 'CHECK'
				WHEN 'x' THEN 'EXCLUSION'
				ELSE con.contype::text
			END,
			pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		JOIN pg_class rel ON rel.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = rel.relnamespace
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
			AND n.nspname NOT LIKE 'pg\_%'
			AND NOT (n.nspname = ANY($1))
		ORDER BY n.nspname, rel.relname, con.conname
	`

	rows, err := in.conn.Query(ctx, query, in.excluded)
	if err != nil {
		return nil, &Error{Query: "constraints", Err: err}
	}
	defer rows.Close()

	var constraints []Constraint
	for rows.Next() {
		var c Constraint
		if err := rows.Scan(&c.Schema, &c.Table, &c.Name, &c.Type, &c.Definition); err != nil {
			return nil, &Error{Query: "constraints", Err: err}
		}
		constraints = append(constraints, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Query: "constraints", Err: err}
	}
	return constraints, nil
}

func (in *Introspector) collectExtensions(ctx context.Context) ([]Extension, error) {
	query := `
		SELECT e.extname, e.extversion, n.nspname
		FROM pg_extension e
		JOIN pg_namespace n ON n.oid = e.extnamespace
		ORDER BY e.extname
	`

	rows, err := in.conn.Query(ctx, query)
	if err != nil {
		return nil, &Error{Query: "extensions", Err: err}
	}
	defer rows.Close()

	var extensions []Extension
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.Name, &e.Version, &e.Schema); err != nil {
			return nil, &Error{Query: "extensions", Err: err}
		}
		extensions = append(extensions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Query: "extensions", Err: err}
	}
	return extensions, nil
}

func (in *Introspector) collectCronJobs(ctx context.Context) ([]CronJob, error) {
	query := `
		SELECT COALESCE(jobname, 'job-' || jobid::text), schedule, command
		FROM cron.job
		ORDER BY jobname, jobid
	`

	rows, err := in.conn.Query(ctx, query)
	if err != nil {
		return nil, &Error{Query: "cron jobs", Err: err}
	}
	defer rows.Close()

	var jobs []CronJob
	for rows.Next() {
		var j CronJob
		if err := rows.Scan(&j.Name, &j.Schedule, &j.Command); err != nil {
			return nil, &Error{Query: "cron jobs", Err: err}
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Query: "cron jobs", Err: err}
	}
	return jobs, nil
}
