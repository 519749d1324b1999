package datasync

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// AddOnConflict rewrites every INSERT statement in a SQL dump to append
// ON CONFLICT DO NOTHING. Rows are left untouched; only the terminating
// semicolon is replaced. This is what makes incremental loads idempotent:
// rows already present in the target are skipped, never overwritten.
//
// Statements are buffered line by line until a line ends in a semicolon, so
// multi-line INSERTs rewrite correctly.
func AddOnConflict(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	out := bufio.NewWriter(w)
	inside := false
	var buffer []string

	flush := func() error {
		statement := strings.Join(buffer, "\n")
		statement = strings.TrimRight(statement, " \t\r\n")
		statement = strings.TrimSuffix(statement, ";")
		_, err := fmt.Fprintf(out, "%s ON CONFLICT DO NOTHING;\n", statement)
		buffer = buffer[:0]
		inside = false
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !inside && strings.HasPrefix(strings.ToUpper(line), "INSERT INTO") {
			inside = true
			buffer = append(buffer, line)
			if strings.HasSuffix(strings.TrimRight(line, " \t\r"), ";") {
				if err := flush(); err != nil {
					return err
				}
			}
			continue
		}
		if inside {
			buffer = append(buffer, line)
			if strings.HasSuffix(strings.TrimRight(line, " \t\r"), ";") {
				if err := flush(); err != nil {
					return err
				}
			}
			continue
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan dump: %w", err)
	}
	// A dump truncated mid-statement still gets its tail rewritten.
	if inside {
		if err := flush(); err != nil {
			return err
		}
	}
	return out.Flush()
}

// FilterProtectedSchemas drops whole statements that reference any protected
// schema, qualified bare (storage.objects) or quoted ("storage".objects).
// Dumps taken on the source can mention platform-managed schemas; those
// statements must never reach the target.
func FilterProtectedSchemas(r io.Reader, w io.Writer, schemas []string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	out := bufio.NewWriter(w)
	var statement []string

	emit := func() error {
		if len(statement) == 0 {
			return nil
		}
		text := strings.Join(statement, "\n")
		statement = statement[:0]
		if referencesSchema(text, schemas) {
			return nil
		}
		_, err := fmt.Fprintln(out, text)
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		statement = append(statement, line)
		if strings.HasSuffix(strings.TrimRight(line, " \t\r"), ";") {
			if err := emit(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan dump: %w", err)
	}
	if err := emit(); err != nil {
		return err
	}
	return out.Flush()
}

func referencesSchema(statement string, schemas []string) bool {
	lower := strings.ToLower(statement)
	for _, schema := range schemas {
		s := strings.ToLower(schema)
		if strings.Contains(lower, s+".") || strings.Contains(lower, `"`+s+`"`) {
			return true
		}
	}
	return false
}
