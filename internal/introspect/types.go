package introspect

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column describes one table column. Descriptors are produced fresh on each
// introspection and never mutated, only diffed.
type Column struct {
	Schema        string
	Table         string
	Name          string
	DataType      string
	FormattedType string
	IsNullable    bool
	Default       *string
	Position      int
}

// Key identifies a column across snapshots.
func (c Column) Key() string {
	return fmt.Sprintf("%s.%s.%s", c.Schema, c.Table, c.Name)
}

// TableKey identifies the column's table.
func (c Column) TableKey() string {
	return c.Schema + "." + c.Table
}

// Table carries per-table flags that do not belong to any one column. Column
// membership is tracked on Column; only the row security flag lives here.
type Table struct {
	Schema      string
	Name        string
	RowSecurity bool
}

func (t Table) Key() string { return t.Schema + "." + t.Name }

// Policy describes one row-level-security policy with its role list fully
// resolved.
type Policy struct {
	Schema     string
	Table      string
	Name       string
	Command    string // SELECT, INSERT, UPDATE, DELETE or ALL
	Roles      []string
	Using      *string
	WithCheck  *string
	Permissive bool
}

func (p Policy) Key() string {
	return fmt.Sprintf("%s.%s.%s", p.Schema, p.Table, p.Name)
}

func (p Policy) TableKey() string {
	return p.Schema + "." + p.Table
}

// Grant describes one privilege on one object for one grantee.
type Grant struct {
	Schema     string
	Object     string
	ObjectType string // table, sequence, function or schema
	Grantee    string
	Privilege  string
	Grantable  bool
}

func (g Grant) Key() string {
	return fmt.Sprintf("%s.%s.%s.%s", g.Schema, g.Object, g.Grantee, g.Privilege)
}

// Constraint describes one table constraint by its full definition text.
type Constraint struct {
	Schema     string
	Table      string
	Name       string
	Type       string // PRIMARY KEY, FOREIGN KEY, UNIQUE, CHECK, EXCLUSION
	Definition string
}

func (c Constraint) Key() string {
	return fmt.Sprintf("%s.%s.%s", c.Schema, c.Table, c.Name)
}

// Extension describes one installed extension.
type Extension struct {
	Name    string
	Version string
	Schema  string
}

func (e Extension) Key() string { return e.Name }

// CronJob describes one scheduled job. Only populated when the pg_cron
// extension is installed.
type CronJob struct {
	Name     string
	Schedule string
	Command  string
}

func (j CronJob) Key() string { return j.Name }

// Snapshot is a normalized, point-in-time capture of a database's structural
// and security metadata. Descriptor lists are sorted by key so two snapshots
// of identical databases compare equal regardless of catalog scan order.
type Snapshot struct {
	Tables          []Table
	Columns         []Column
	Policies        []Policy
	Grants          []Grant
	Constraints     []Constraint
	Extensions      []Extension
	CronJobs        []CronJob
	ExcludedSchemas []string
	CapturedAt      time.Time
}

// TableNames returns the distinct schema-qualified table names present in the
// snapshot, sorted.
func (s *Snapshot) TableNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range s.Columns {
		key := c.TableKey()
		if !seen[key] {
			seen[key] = true
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

// SchemaNames returns the distinct schema names present in the snapshot's
// columns, sorted.
func (s *Snapshot) SchemaNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range s.Columns {
		if !seen[c.Schema] {
			seen[c.Schema] = true
			names = append(names, c.Schema)
		}
	}
	sort.Strings(names)
	return names
}

// RLSByTable maps schema-qualified table names to their row security flag.
func (s *Snapshot) RLSByTable() map[string]bool {
	m := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		m[t.Key()] = t.RowSecurity
	}
	return m
}

// PoliciesByTable groups policies by schema-qualified table name.
func (s *Snapshot) PoliciesByTable() map[string][]Policy {
	byTable := make(map[string][]Policy)
	for _, p := range s.Policies {
		byTable[p.TableKey()] = append(byTable[p.TableKey()], p)
	}
	return byTable
}

// normalize sorts every descriptor list by key and every policy role list, so
// diffing is deterministic and role order never shows up as a difference.
func (s *Snapshot) normalize() {
	for i := range s.Policies {
		sort.Strings(s.Policies[i].Roles)
	}
	sort.Slice(s.Tables, func(i, j int) bool { return s.Tables[i].Key() < s.Tables[j].Key() })
	sort.Slice(s.Columns, func(i, j int) bool { return s.Columns[i].Key() < s.Columns[j].Key() })
	sort.Slice(s.Policies, func(i, j int) bool { return s.Policies[i].Key() < s.Policies[j].Key() })
	sort.Slice(s.Grants, func(i, j int) bool { return s.Grants[i].Key() < s.Grants[j].Key() })
	sort.Slice(s.Constraints, func(i, j int) bool { return s.Constraints[i].Key() < s.Constraints[j].Key() })
	sort.Slice(s.Extensions, func(i, j int) bool { return s.Extensions[i].Key() < s.Extensions[j].Key() })
	sort.Slice(s.CronJobs, func(i, j int) bool { return s.CronJobs[i].Key() < s.CronJobs[j].Key() })
}

// Error wraps a failed catalog query.
type Error struct {
	Query string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("introspection failed (%s): %v", e.Query, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// excludedList renders the exclusion set for parameterized queries.
func excludedList(schemas []string) []string {
	out := make([]string, 0, len(schemas))
	for _, s := range schemas {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
