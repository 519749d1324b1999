package plan

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/okvist/pgreconcile/internal/introspect"
)

// qualified renders a schema-qualified, quoted object name.
func qualified(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

// roleList renders a policy/grant role list. PUBLIC is a keyword, not an
// identifier.
func roleList(roles []string) string {
	quoted := make([]string, 0, len(roles))
	for _, r := range roles {
		if strings.EqualFold(r, "public") {
			quoted = append(quoted, "PUBLIC")
			continue
		}
		quoted = append(quoted, pq.QuoteIdentifier(r))
	}
	return strings.Join(quoted, ", ")
}

func addColumnSQL(c introspect.Column, deferNotNull bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		qualified(c.Schema, c.Table), pq.QuoteIdentifier(c.Name), c.FormattedType)
	if c.Default != nil {
		fmt.Fprintf(&b, " DEFAULT %s", *c.Default)
	}
	if !c.IsNullable && !deferNotNull {
		b.WriteString(" NOT NULL")
	}
	b.WriteString(";")
	return b.String()
}

func dropColumnSQL(c introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s;",
		qualified(c.Schema, c.Table), pq.QuoteIdentifier(c.Name))
}

func alterColumnTypeSQL(c introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s;",
		qualified(c.Schema, c.Table), pq.QuoteIdentifier(c.Name), c.FormattedType,
		pq.QuoteIdentifier(c.Name), c.FormattedType)
}

func setNotNullSQL(schema, table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;",
		qualified(schema, table), pq.QuoteIdentifier(column))
}

func dropNotNullSQL(c introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;",
		qualified(c.Schema, c.Table), pq.QuoteIdentifier(c.Name))
}

func setDefaultSQL(c introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s;",
		qualified(c.Schema, c.Table), pq.QuoteIdentifier(c.Name), *c.Default)
}

func dropDefaultSQL(c introspect.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT;",
		qualified(c.Schema, c.Table), pq.QuoteIdentifier(c.Name))
}

func enableRLSSQL(schema, table string) string {
	return fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY;", qualified(schema, table))
}

func disableRLSSQL(schema, table string) string {
	return fmt.Sprintf("ALTER TABLE %s DISABLE ROW LEVEL SECURITY;", qualified(schema, table))
}

func dropPolicySQL(schema, table, policy string) string {
	return fmt.Sprintf("DROP POLICY IF EXISTS %s ON %s;",
		pq.QuoteIdentifier(policy), qualified(schema, table))
}

func createPolicySQL(p introspect.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE POLICY %s ON %s", pq.QuoteIdentifier(p.Name), qualified(p.Schema, p.Table))
	if p.Permissive {
		b.WriteString(" AS PERMISSIVE")
	} else {
		b.WriteString(" AS RESTRICTIVE")
	}
	command := p.Command
	if command == "" {
		command = "ALL"
	}
	fmt.Fprintf(&b, " FOR %s", command)
	if len(p.Roles) > 0 {
		fmt.Fprintf(&b, " TO %s", roleList(p.Roles))
	}
	if p.Using != nil {
		fmt.Fprintf(&b, " USING (%s)", *p.Using)
	}
	if p.WithCheck != nil {
		fmt.Fprintf(&b, " WITH CHECK (%s)", *p.WithCheck)
	}
	b.WriteString(";")
	return b.String()
}

// grantObject renders the ON clause for a grant's object type.
func grantObject(g introspect.Grant) string {
	switch g.ObjectType {
	case "schema":
		return "SCHEMA " + pq.QuoteIdentifier(g.Schema)
	case "sequence":
		return "SEQUENCE " + qualified(g.Schema, g.Object)
	case "function":
		return "FUNCTION " + qualified(g.Schema, g.Object)
	default:
		return "TABLE " + qualified(g.Schema, g.Object)
	}
}

func grantSQL(g introspect.Grant) string {
	sql := fmt.Sprintf("GRANT %s ON %s TO %s", g.Privilege, grantObject(g), roleList([]string{g.Grantee}))
	if g.Grantable {
		sql += " WITH GRANT OPTION"
	}
	return sql + ";"
}

func revokeSQL(g introspect.Grant) string {
	return fmt.Sprintf("REVOKE %s ON %s FROM %s;", g.Privilege, grantObject(g), roleList([]string{g.Grantee}))
}

func createExtensionSQL(e introspect.Extension) string {
	sql := fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s", pq.QuoteIdentifier(e.Name))
	if e.Schema != "" && e.Schema != "public" {
		sql += fmt.Sprintf(" SCHEMA %s", pq.QuoteIdentifier(e.Schema))
	}
	return sql + ";"
}

func alterExtensionSQL(e introspect.Extension) string {
	return fmt.Sprintf("ALTER EXTENSION %s UPDATE TO %s;",
		pq.QuoteIdentifier(e.Name), pq.QuoteLiteral(e.Version))
}

func scheduleJobSQL(j introspect.CronJob) string {
	// Dollar-quoting keeps embedded quotes in the command intact; fall back to
	// literal quoting when the command itself contains the tag.
	command := "$job$" + j.Command + "$job$"
	if strings.Contains(j.Command, "$job$") {
		command = pq.QuoteLiteral(j.Command)
	}
	return fmt.Sprintf("SELECT cron.schedule(%s, %s, %s);",
		pq.QuoteLiteral(j.Name), pq.QuoteLiteral(j.Schedule), command)
}

func unscheduleJobSQL(j introspect.CronJob) string {
	return fmt.Sprintf("SELECT cron.unschedule(%s);", pq.QuoteLiteral(j.Name))
}
