package datasync

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/dbconn"
	"github.com/okvist/pgreconcile/internal/execute"
)

// syncViaRows is the fallback path: select every source row over the live
// connection, keep a CSV copy on disk, and insert row by row into the target.
// Slower than a bulk dump but needs no client tools installed.
func (s *Syncer) syncViaRows(ctx context.Context, sourceConn, targetConn *dbconn.Conn, table string, incremental bool) (TableResult, error) {
	result := TableResult{Table: table, Method: "copy-rows"}

	rows, err := sourceConn.Conn.Query(ctx, "SELECT * FROM "+quoteTableKey(table))
	if err != nil {
		return result, fmt.Errorf("failed to read rows from %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	csvPath := filepath.Join(s.workDir, "rows-"+uuid.NewString()+".csv")
	csvFile, err := os.Create(csvPath)
	if err != nil {
		return result, fmt.Errorf("failed to create row csv: %w", err)
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)
	if err := csvWriter.Write(columns); err != nil {
		return result, err
	}

	var statements []string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return result, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}
		record := make([]string, len(values))
		literals := make([]string, len(values))
		for i, v := range values {
			record[i] = csvValue(v)
			literals[i] = sqlLiteral(v)
		}
		if err := csvWriter.Write(record); err != nil {
			return result, err
		}
		statements = append(statements, insertSQL(table, columns, literals, incremental))
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("failed to read rows from %s: %w", table, err)
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return result, err
	}

	for _, stmt := range statements {
		if _, err := targetConn.Conn.Exec(ctx, stmt); err != nil {
			cls := execute.ClassifyError(err, incremental)
			if cls.Class == execute.ClassTolerable {
				s.log.Debug("row skipped", zap.String("table", table), zap.String("detail", cls.Line))
				continue
			}
			result.Class = cls.Class
			result.Detail = cls.Line
			return result, fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		result.Rows++
	}
	return result, nil
}

func insertSQL(table string, columns, literals []string, incremental bool) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteTableKey(table), strings.Join(quoted, ", "), strings.Join(literals, ", "))
	if incremental {
		sql += " ON CONFLICT DO NOTHING"
	}
	return sql + ";"
}

// quoteTableKey quotes a schema-qualified table key ("public.orders").
func quoteTableKey(key string) string {
	schema, table, found := strings.Cut(key, ".")
	if !found {
		return pq.QuoteIdentifier(key)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

// sqlLiteral renders one scanned value as a SQL literal.
func sqlLiteral(v any) string {
	switch value := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(value)
	case float32, float64:
		return fmt.Sprint(value)
	case string:
		return pq.QuoteLiteral(value)
	case []byte:
		return fmt.Sprintf(`'\x%x'`, value)
	case time.Time:
		return pq.QuoteLiteral(value.Format(time.RFC3339Nano))
	case []any:
		// Array columns come back from Values() as []any element slices.
		if len(value) == 0 {
			return "'{}'"
		}
		elems := make([]string, len(value))
		for i, e := range value {
			elems[i] = sqlLiteral(e)
		}
		return "ARRAY[" + strings.Join(elems, ", ") + "]"
	case map[string]any:
		// json and jsonb values are decoded into maps by the driver.
		data, err := json.Marshal(value)
		if err != nil {
			return pq.QuoteLiteral(fmt.Sprint(value))
		}
		return pq.QuoteLiteral(string(data))
	default:
		return pq.QuoteLiteral(fmt.Sprint(value))
	}
}

func csvValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
