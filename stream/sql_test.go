package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertSQL(t *testing.T) {
	change := &Change{
		Schema: "public",
		Table:  "t",
		Columns: []Column{
			{Name: "id", Type: "integer", Value: json.Number("1")},
			{Name: "v", Type: "text", Value: "a"},
		},
	}

	sql, err := ChangeSQL(ActionInsert, change)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "public"."t" ("id", "v") VALUES (1, 'a');`, sql)
}

func TestInsertSQLQuotesLiterals(t *testing.T) {
	change := &Change{
		Schema: "public",
		Table:  "t",
		Columns: []Column{
			{Name: "v", Type: "text", Value: "it's"},
		},
	}

	sql, err := ChangeSQL(ActionInsert, change)
	require.NoError(t, err)
	assert.Contains(t, sql, "'it''s'")
}

func TestUpdateSQL(t *testing.T) {
	change := &Change{
		Schema: "public",
		Table:  "t",
		Columns: []Column{
			{Name: "id", Type: "integer", Value: json.Number("1")},
			{Name: "v", Type: "text", Value: "b"},
		},
		Identity: []Column{
			{Name: "id", Type: "integer", Value: json.Number("1")},
		},
	}

	sql, err := ChangeSQL(ActionUpdate, change)
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "public"."t" SET "id" = 1, "v" = 'b' WHERE "id" = 1;`, sql)
}

func TestDeleteSQL(t *testing.T) {
	change := &Change{
		Schema: "public",
		Table:  "t",
		Identity: []Column{
			{Name: "id", Type: "integer", Value: json.Number("3")},
		},
	}

	sql, err := ChangeSQL(ActionDelete, change)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "public"."t" WHERE "id" = 3;`, sql)
}

func TestDeleteSQLNullIdentity(t *testing.T) {
	change := &Change{
		Schema: "public",
		Table:  "t",
		Identity: []Column{
			{Name: "id", Type: "integer", Value: json.Number("3")},
			{Name: "v", Type: "text", Value: nil},
		},
	}

	sql, err := ChangeSQL(ActionDelete, change)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "public"."t" WHERE "id" = 3 AND "v" IS NULL;`, sql)
}

func TestTruncateSQL(t *testing.T) {
	change := &Change{Relations: []string{"public.t1", "s.t2"}}

	sql, err := ChangeSQL(ActionTruncate, change)
	require.NoError(t, err)
	assert.Equal(t, `TRUNCATE ONLY "public"."t1", "s"."t2";`, sql)
}

func TestChangeSQLErrors(t *testing.T) {
	_, err := ChangeSQL(ActionInsert, nil)
	require.Error(t, err)

	_, err = ChangeSQL(ActionDelete, &Change{Schema: "public", Table: "t"})
	require.Error(t, err)

	_, err = ChangeSQL(ActionBegin, &Change{})
	require.Error(t, err)
}

func TestValueSQL(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{name: "null", value: nil, expected: "NULL"},
		{name: "bool", value: true, expected: "true"},
		{name: "number", value: json.Number("42.5"), expected: "42.5"},
		{name: "big number", value: json.Number("9007199254740993"), expected: "9007199254740993"},
		{name: "string", value: "plain", expected: "'plain'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, valueSQL(tt.value))
		})
	}
}
