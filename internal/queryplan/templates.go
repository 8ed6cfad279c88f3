package queryplan

import (
	"fmt"
	"regexp"
	"strings"
)

// Named question templates. Classification is deliberately shallow: a
// template either matches with enough structure to build a safe query, or
// the question falls through to the constrained generator.
type templateResult struct {
	name       string
	query      string
	parameters []any
}

var (
	aggregateRe = regexp.MustCompile(`(?i)\b(?:how\s+many|count|number\s+of|total)\b`)
	historyRe   = regexp.MustCompile(`(?i)\b(?:recent|latest|newest|history|last)\b`)

	valueEmailRe  = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	valueIDRe     = regexp.MustCompile(`\b[A-Z]{2,5}-[A-Za-z0-9]+\b`)
	valueHashIDRe = regexp.MustCompile(`#(\d+)`)
	valueNumberRe = regexp.MustCompile(`\b\d{4,}\b`)
)

// classify matches the question against the lookup-by-key, filter+sort and
// aggregate templates. Returns nil when no template applies.
func classify(question string, schema Schema, perms Permissions) *templateResult {
	table := matchTable(question, schema, perms)
	if table == nil {
		return nil
	}

	filterCol, filterVal := extractFilter(question, table)
	cols := strings.Join(table.columnNames(), ", ")

	switch {
	case aggregateRe.MatchString(question):
		if filterCol != "" {
			return &templateResult{
				name:       "aggregate",
				query:      fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table.Name, filterCol),
				parameters: []any{filterVal},
			}
		}
		return &templateResult{
			name:  "aggregate",
			query: fmt.Sprintf("SELECT COUNT(*) FROM %s", table.Name),
		}

	case historyRe.MatchString(question) && table.TimeColumn != "":
		if filterCol != "" {
			return &templateResult{
				name: "filter_sort",
				query: fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s DESC",
					cols, table.Name, filterCol, table.TimeColumn),
				parameters: []any{filterVal},
			}
		}
		return &templateResult{
			name:  "filter_sort",
			query: fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC", cols, table.Name, table.TimeColumn),
		}

	case filterCol != "":
		return &templateResult{
			name:       "lookup_by_key",
			query:      fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", cols, table.Name, filterCol),
			parameters: []any{filterVal},
		}
	}

	return nil
}

// matchTable finds the allowed table the question talks about, by table
// name or its singular form.
func matchTable(question string, schema Schema, perms Permissions) *Table {
	q := strings.ToLower(question)
	for i := range schema.Tables {
		t := &schema.Tables[i]
		if !perms.allowed(t.Name) {
			continue
		}
		name := strings.ToLower(t.Name)
		if strings.Contains(q, name) || strings.Contains(q, strings.TrimSuffix(name, "s")) {
			return t
		}
	}
	return nil
}

// extractFilter pulls a lookup value out of the question and pairs it with
// the column it should bind to.
func extractFilter(question string, t *Table) (column string, value any) {
	if m := valueEmailRe.FindString(question); m != "" {
		if col := t.column("email"); col != "" {
			return col, m
		}
	}
	if m := valueIDRe.FindString(question); m != "" {
		if col := pickKey(t); col != "" {
			return col, m
		}
	}
	if m := valueHashIDRe.FindStringSubmatch(question); m != nil {
		if col := pickKey(t); col != "" {
			return col, m[1]
		}
	}
	if m := valueNumberRe.FindString(question); m != "" {
		if col := pickKey(t); col != "" {
			return col, m
		}
	}
	return "", nil
}

func pickKey(t *Table) string {
	if t.Key != "" {
		return t.Key
	}
	return t.column("id")
}
