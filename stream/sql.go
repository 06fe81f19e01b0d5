package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devinshteyn2/pgcopydb/internal/pg"
)

// ChangeSQL rewrites one decoded change into a target-dialect statement.
func ChangeSQL(action Action, change *Change) (string, error) {
	if change == nil {
		return "", fmt.Errorf("change payload missing for action %q", action)
	}

	switch action {
	case ActionInsert:
		return insertSQL(change)
	case ActionUpdate:
		return updateSQL(change)
	case ActionDelete:
		return deleteSQL(change)
	case ActionTruncate:
		return truncateSQL(change)
	default:
		return "", fmt.Errorf("no SQL rewrite for action %q", action)
	}
}

func insertSQL(change *Change) (string, error) {
	if len(change.Columns) == 0 {
		return "", fmt.Errorf("INSERT on %s.%s with no columns", change.Schema, change.Table)
	}

	names := make([]string, 0, len(change.Columns))
	values := make([]string, 0, len(change.Columns))

	for _, col := range change.Columns {
		names = append(names, pg.QuoteIdentifier(col.Name))
		values = append(values, valueSQL(col.Value))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		pg.QualifiedName(change.Schema, change.Table),
		strings.Join(names, ", "),
		strings.Join(values, ", ")), nil
}

func updateSQL(change *Change) (string, error) {
	if len(change.Columns) == 0 {
		return "", fmt.Errorf("UPDATE on %s.%s with no columns", change.Schema, change.Table)
	}

	assignments := make([]string, 0, len(change.Columns))
	for _, col := range change.Columns {
		assignments = append(assignments,
			fmt.Sprintf("%s = %s", pg.QuoteIdentifier(col.Name), valueSQL(col.Value)))
	}

	// the old key identifies the row; without a replica identity fall back
	// to matching every new column
	key := change.Identity
	if len(key) == 0 {
		key = change.Columns
	}

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;",
		pg.QualifiedName(change.Schema, change.Table),
		strings.Join(assignments, ", "),
		whereSQL(key)), nil
}

func deleteSQL(change *Change) (string, error) {
	key := change.Identity
	if len(key) == 0 {
		key = change.Columns
	}
	if len(key) == 0 {
		return "", fmt.Errorf("DELETE on %s.%s with no identity", change.Schema, change.Table)
	}

	return fmt.Sprintf("DELETE FROM %s WHERE %s;",
		pg.QualifiedName(change.Schema, change.Table),
		whereSQL(key)), nil
}

func truncateSQL(change *Change) (string, error) {
	if len(change.Relations) == 0 {
		return "", fmt.Errorf("TRUNCATE with no relations")
	}

	quoted := make([]string, 0, len(change.Relations))
	for _, rel := range change.Relations {
		schema, table, found := strings.Cut(rel, ".")
		if !found {
			schema, table = "public", rel
		}
		quoted = append(quoted, pg.QualifiedName(schema, table))
	}

	return fmt.Sprintf("TRUNCATE ONLY %s;", strings.Join(quoted, ", ")), nil
}

func whereSQL(columns []Column) string {
	clauses := make([]string, 0, len(columns))
	for _, col := range columns {
		if col.Value == nil {
			clauses = append(clauses,
				fmt.Sprintf("%s IS NULL", pg.QuoteIdentifier(col.Name)))
			continue
		}
		clauses = append(clauses,
			fmt.Sprintf("%s = %s", pg.QuoteIdentifier(col.Name), valueSQL(col.Value)))
	}
	return strings.Join(clauses, " AND ")
}

// valueSQL renders one decoded value as a SQL literal. wal2json numbers
// arrive as json.Number (segment lines are decoded with UseNumber) and
// booleans as bool; the test_decoding and pgoutput decoders hand over
// every value as text.
func valueSQL(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case string:
		return pg.QuoteLiteral(v)
	default:
		return pg.QuoteLiteral(fmt.Sprintf("%v", v))
	}
}
