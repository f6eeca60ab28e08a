package clienttest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
)

// Rows is a multiset of rows keyed by column name.
type Rows = []map[string]interface{}

// ViewFunc computes the full contents of a view from the contents of every
// table, keyed by lower-case table name.
type ViewFunc func(tables map[string]Rows) Rows

type table struct {
	name    string
	columns []schema.Column
}

type view struct {
	name         string
	sql          string
	materialized bool
	eval         ViewFunc
	fields       []schema.Field
}

type compiled struct {
	tables []table
	views  []view
}

var (
	createTable  = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)
	createView   = regexp.MustCompile(`(?is)^\s*CREATE\s+(MATERIALIZED\s+)?VIEW\s+([A-Za-z_][A-Za-z0-9_]*)\s+AS\s+(.*)$`)
	emptySelect  = regexp.MustCompile(`(?is)^\s*SELECT\s+FROM\b`)
	selectAll    = regexp.MustCompile(`(?is)^\s*SELECT\s+\*\s+FROM\s+([A-Za-z_][A-Za-z0-9_]*)\s*$`)
	selectCount  = regexp.MustCompile(`(?is)^\s*SELECT\s+COUNT\(\s*\*\s*\)\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*)\s+FROM\s+([A-Za-z_][A-Za-z0-9_]*)\s*$`)
	relationRefs = regexp.MustCompile(`(?i)(\bDISTINCT\s+)?\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)(\s*\()?`)
	cteNames     = regexp.MustCompile(`(?i)(?:\bWITH|,)\s*([A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)
)

// sqlError mirrors one diagnostic of the SQL compiler.
type sqlError struct {
	StartLine   int    `json:"start_line_number"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line_number"`
	EndColumn   int    `json:"end_column"`
	Warning     bool   `json:"warning"`
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
}

func statementError(stmt, msg string) []sqlError {
	return []sqlError{{
		StartLine:   1,
		StartColumn: 1,
		EndLine:     1,
		EndColumn:   len(stmt),
		ErrorType:   "Error parsing SQL",
		Message:     msg,
	}}
}

// compile parses the subset of SQL the fake service understands. Statements
// it cannot evaluate compile to views that never produce rows, unless a
// ViewFunc was registered for them.
func compile(code string, custom map[string]ViewFunc) (*compiled, []sqlError) {
	out := &compiled{}
	known := map[string][]schema.Field{}
	for _, stmt := range splitStatements(code) {
		if m := createTable.FindStringSubmatch(stmt); m != nil {
			t := table{name: m[1]}
			for _, def := range splitTopLevel(m[2]) {
				parts := strings.Fields(def)
				if len(parts) < 2 {
					return nil, statementError(stmt, fmt.Sprintf("Invalid column definition %q", def))
				}
				col, err := schema.ParseColumn(parts[0], strings.Join(parts[1:], " "))
				if err != nil {
					return nil, statementError(stmt, err.Error())
				}
				t.columns = append(t.columns, col)
			}
			out.tables = append(out.tables, t)
			known[strings.ToLower(t.name)] = tableFields(t)
			continue
		}
		if m := createView.FindStringSubmatch(stmt); m != nil {
			v := view{name: m[2], sql: strings.TrimSpace(m[3]), materialized: m[1] != ""}
			if emptySelect.MatchString(v.sql) {
				return nil, statementError(v.sql, `Encountered "FROM" at line 1, column 8.`)
			}
			local := map[string]bool{}
			for _, cte := range cteNames.FindAllStringSubmatch(v.sql, -1) {
				local[strings.ToLower(cte[1])] = true
			}
			for _, ref := range relationRefs.FindAllStringSubmatch(v.sql, -1) {
				if ref[1] != "" || ref[3] != "" {
					continue
				}
				name := strings.ToLower(ref[2])
				if _, ok := known[name]; !ok && !local[name] {
					return nil, statementError(v.sql, fmt.Sprintf("Object '%s' not found", ref[2]))
				}
			}
			v.eval, v.fields = evaluator(v, known, custom)
			out.views = append(out.views, v)
			known[strings.ToLower(v.name)] = v.fields
			continue
		}
		return nil, statementError(stmt, "Unsupported statement")
	}
	return out, nil
}

func tableFields(t table) []schema.Field {
	fields := make([]schema.Field, len(t.columns))
	for i, c := range t.columns {
		fields[i] = schema.Field{
			Name:       c.Name,
			ColumnType: schema.ColumnType{Type: string(c.Type), Nullable: !c.NotNull},
		}
	}
	return fields
}

func evaluator(v view, known map[string][]schema.Field, custom map[string]ViewFunc) (ViewFunc, []schema.Field) {
	if fn, ok := custom[strings.ToLower(v.name)]; ok {
		return fn, nil
	}
	if m := selectAll.FindStringSubmatch(v.sql); m != nil {
		src := strings.ToLower(m[1])
		return func(tables map[string]Rows) Rows {
			rows := make(Rows, len(tables[src]))
			copy(rows, tables[src])
			return rows
		}, known[src]
	}
	if m := selectCount.FindStringSubmatch(v.sql); m != nil {
		col, src := m[1], strings.ToLower(m[2])
		fields := []schema.Field{{Name: col, ColumnType: schema.ColumnType{Type: "BIGINT"}}}
		count := func(tables map[string]Rows) Rows {
			return Rows{{col: int64(len(tables[src]))}}
		}
		return count, fields
	}
	return func(map[string]Rows) Rows { return nil }, nil
}

// splitStatements splits code on semicolons outside quotes.
func splitStatements(code string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	for _, r := range code {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// splitTopLevel splits a column list on commas outside parentheses.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" {
		out = append(out, last)
	}
	return out
}

// rowKey renders a row canonically; encoding/json sorts map keys.
func rowKey(row map[string]interface{}) string {
	b, _ := json.Marshal(row)
	return string(b)
}

// diff returns the changes turning prev into next as insert_delete records.
func diff(prev, next Rows) []map[string]interface{} {
	counts := map[string]int{}
	byKey := map[string]map[string]interface{}{}
	for _, r := range prev {
		k := rowKey(r)
		counts[k]--
		byKey[k] = r
	}
	for _, r := range next {
		k := rowKey(r)
		counts[k]++
		byKey[k] = r
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []map[string]interface{}
	for _, k := range keys {
		for n := counts[k]; n < 0; n++ {
			out = append(out, map[string]interface{}{"delete": byKey[k]})
		}
	}
	for _, k := range keys {
		for n := counts[k]; n > 0; n-- {
			out = append(out, map[string]interface{}{"insert": byKey[k]})
		}
	}
	return out
}
