package pipeline

import (
	"regexp"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
)

var (
	lineComment     = regexp.MustCompile(`--[^\n]*`)
	blockComment    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLiteral   = regexp.MustCompile(`'(?:[^']|'')*'`)
	emptyProjection = regexp.MustCompile(`(?is)^\s*SELECT\s+FROM\b`)
	relationRef     = regexp.MustCompile(`(?i)(\bDISTINCT\s+)?\b(?:FROM|JOIN)\s+("[^"]+"|[A-Za-z_][A-Za-z0-9_]*)`)
	cteName         = regexp.MustCompile(`(?i)(?:\bWITH(?:\s+RECURSIVE)?|,)\s*("[^"]+"|[A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)

	// Innermost parenthesized expression, with the call name if any. FROM
	// inside EXTRACT, TRIM or SUBSTRING is a keyword argument.
	innerParens = regexp.MustCompile(`(?:\b[A-Za-z_][A-Za-z0-9_]*\s*)?\([^()]*\)`)
	selectWord  = regexp.MustCompile(`(?i)\bSELECT\b`)
)

// referencedRelations returns the relations a query reads from, minus names
// it defines itself with WITH. The scan is lexical; queries it cannot make
// sense of return nothing and are left to the compiler.
func referencedRelations(sql string) []string {
	sql = lineComment.ReplaceAllString(sql, " ")
	sql = blockComment.ReplaceAllString(sql, " ")
	sql = stringLiteral.ReplaceAllString(sql, "''")
	if emptyProjection.MatchString(sql) {
		return nil
	}
	sql = collapseExpressions(sql)

	local := map[string]bool{}
	for _, m := range cteName.FindAllStringSubmatch(sql, -1) {
		local[schema.CanonicalName(m[1])] = true
	}

	var refs []string
	seen := map[string]bool{}
	for _, m := range relationRef.FindAllStringSubmatch(sql, -1) {
		// IS [NOT] DISTINCT FROM compares values.
		if m[1] != "" {
			continue
		}
		key := schema.CanonicalName(m[2])
		if local[key] || seen[key] || isKeyword(key) {
			continue
		}
		seen[key] = true
		refs = append(refs, m[2])
	}
	return refs
}

// collapseExpressions replaces parenthesized expressions and calls that hold
// no subquery with a literal, innermost first. Subqueries are kept.
func collapseExpressions(sql string) string {
	for {
		changed := false
		sql = innerParens.ReplaceAllStringFunc(sql, func(expr string) string {
			if selectWord.MatchString(expr) {
				return expr
			}
			changed = true
			return "0"
		})
		if !changed {
			return sql
		}
	}
}

func isKeyword(name string) bool {
	switch name {
	case "lateral", "unnest", "table", "tumble", "hop", "select":
		return true
	}
	return false
}
