package indexes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devinshteyn2/pgcopydb/catalog"
)

func TestBuildSQL(t *testing.T) {
	table := &catalog.Table{OID: 1, Namespace: "public", Name: "t"}

	t.Run("plain index uses the source definition", func(t *testing.T) {
		idx := &catalog.Index{
			OID:        10,
			TableOID:   1,
			Name:       "t_v_idx",
			Definition: `CREATE INDEX t_v_idx ON public.t USING btree (v)`,
		}

		assert.Equal(t, idx.Definition, BuildSQL(table, idx))
	})

	t.Run("constraint-backed index becomes ALTER TABLE", func(t *testing.T) {
		idx := &catalog.Index{
			OID:            11,
			TableOID:       1,
			Name:           "t_pkey",
			Definition:     `CREATE UNIQUE INDEX t_pkey ON public.t USING btree (id)`,
			IsPrimary:      true,
			IsUnique:       true,
			ConstraintOID:  20,
			ConstraintName: "t_pkey",
			ConstraintDef:  "PRIMARY KEY (id)",
		}

		assert.Equal(t,
			`ALTER TABLE "public"."t" ADD CONSTRAINT "t_pkey" PRIMARY KEY (id)`,
			BuildSQL(table, idx))
	})
}
