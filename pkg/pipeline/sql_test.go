package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReferencedRelations(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"single", "SELECT * FROM t", []string{"t"}},
		{"join", "SELECT a.x FROM a JOIN b ON a.id = b.id LEFT JOIN c USING (id)", []string{"a", "b", "c"}},
		{"repeated", "SELECT * FROM t UNION ALL SELECT * FROM T", []string{"t"}},
		{"cte", "WITH recent AS (SELECT * FROM t), older AS (SELECT * FROM u) SELECT * FROM recent JOIN older ON true", []string{"t", "u"}},
		{"extract", "SELECT EXTRACT(YEAR FROM ts) AS y FROM events", []string{"events"}},
		{"comment", "SELECT * FROM t -- FROM nowhere\n/* JOIN hidden */", []string{"t"}},
		{"literal", "SELECT 'from x' AS s FROM t", []string{"t"}},
		{"quoted", `SELECT * FROM "Orders"`, []string{`"Orders"`}},
		{"subquery", "SELECT * FROM (SELECT * FROM t) AS sub", []string{"t"}},
		{"empty projection", "SELECT FROM blah", nil},
		{"distinct from", "SELECT * FROM t WHERE a IS DISTINCT FROM b", []string{"t"}},
		{"not distinct from", "SELECT * FROM t WHERE a IS NOT DISTINCT FROM b", []string{"t"}},
		{"nested call", "SELECT EXTRACT(YEAR FROM CAST(ts AS TIMESTAMP)) AS y FROM t", []string{"t"}},
		{"substring", "SELECT SUBSTRING(name FROM 2 FOR 3) AS s FROM t", []string{"t"}},
		{"table function", "SELECT * FROM t JOIN UNNEST(t.tags) AS tag ON true", []string{"t"}},
		{"in subquery", "SELECT * FROM t WHERE id IN (SELECT id FROM u WHERE COALESCE(x, 0) > 1)", []string{"t", "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, referencedRelations(tt.sql))
		})
	}
}

func TestProgramCode(t *testing.T) {
	s := &Session{tables: map[string]*tableDef{}, views: map[string]*viewDef{}}
	s.views["v"] = &viewDef{name: "v", sql: "SELECT * FROM t"}
	s.views["m"] = &viewDef{name: "m", sql: "SELECT COUNT(*) AS n FROM t", materialized: true}
	s.viewOrder = []string{"v", "m"}

	assert.Equal(t, "CREATE VIEW v AS SELECT * FROM t;\n\nCREATE MATERIALIZED VIEW m AS SELECT COUNT(*) AS n FROM t;", s.programCode())
}
