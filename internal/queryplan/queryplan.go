// Package queryplan turns natural-language questions into parameterized
// queries over a declared schema. Recognized question shapes use named
// templates; everything else goes to a constrained LLM prompt whose output
// is structurally validated before anyone executes it.
package queryplan

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Hard violation and risk constants. A deny-listed table is always a hard
// violation regardless of the gate.
const (
	riskWildcardSensitive = 3.0
	riskNoWhereLargeTable = 2.0
	riskCrossJoin         = 2.0
	riskDenyTable         = 10.0
)

// Column describes one schema column.
type Column struct {
	Name      string `yaml:"name"`
	Sensitive bool   `yaml:"sensitive,omitempty"`
}

// Table describes one queryable table.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
	// Key is the natural lookup column (order id, tracking number).
	Key string `yaml:"key,omitempty"`
	// TimeColumn orders history-style questions, newest first.
	TimeColumn string `yaml:"time_column,omitempty"`
	// Large marks tables where unbounded scans are expensive.
	Large bool `yaml:"large,omitempty"`
}

// Schema is the declared shape of one data source.
type Schema struct {
	Tables []Table `yaml:"tables"`
}

// Permissions restricts which tables a plan may touch.
type Permissions struct {
	AllowTables []string
	DenyTables  []string
}

func (p Permissions) allowed(table string) bool {
	for _, t := range p.AllowTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

func (p Permissions) denied(table string) bool {
	for _, t := range p.DenyTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// Plan is a generated query plus its pre-execution risk evaluation.
// Parameters are always bound, never inlined into the query text.
type Plan struct {
	RawQuestion   string
	Query         string
	Parameters    []any
	TargetSource  string
	EstimatedRisk float64
	Rationale     string
	Violations    []string
}

// Executable reports whether the plan may run under the given risk gate.
func (p *Plan) Executable(gate float64) bool {
	return len(p.Violations) == 0 && p.EstimatedRisk <= gate
}

// ReferencedTables lists the tables the query touches, lowercased.
func (p *Plan) ReferencedTables() []string {
	return referencedTables(p.Query)
}

// QueryWriter produces SQL for questions no template matches. Implemented
// by the LLM client; nil disables free-form generation.
type QueryWriter interface {
	WriteQuery(ctx context.Context, prompt string) (string, error)
}

// Generator plans queries against a schema.
type Generator struct {
	writer QueryWriter
	log    *zap.Logger
}

func NewGenerator(writer QueryWriter, log *zap.Logger) *Generator {
	return &Generator{writer: writer, log: log}
}

// Plan classifies the question against the named templates and falls back
// to constrained LLM generation. The returned plan always carries its risk
// score and violations; callers gate on Executable.
func (g *Generator) Plan(ctx context.Context, question, targetSource string, schema Schema, perms Permissions) (*Plan, error) {
	plan := &Plan{RawQuestion: question, TargetSource: targetSource}

	if tmpl := classify(question, schema, perms); tmpl != nil {
		plan.Query = tmpl.query
		plan.Parameters = tmpl.parameters
		plan.Rationale = "template:" + tmpl.name
	} else {
		if g.writer == nil {
			plan.Violations = append(plan.Violations, "free_form_unsupported")
			plan.Rationale = "no template matched and no query writer configured"
			return plan, nil
		}
		query, err := g.writer.WriteQuery(ctx, constrainedPrompt(question, schema, perms))
		if err != nil {
			return nil, fmt.Errorf("generating query: %w", err)
		}
		plan.Query = normalizeGenerated(query)
		plan.Rationale = "llm:constrained"
		g.log.Debug("free-form query generated", zap.String("question", question))
	}

	g.validate(plan, schema, perms)
	g.scoreRisk(plan, schema, perms)
	return plan, nil
}

var (
	forbiddenStmtRe = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|attach|pragma|exec|merge|replace)\b`)
	commentRe       = regexp.MustCompile(`--|/\*`)
	tableRefRe      = regexp.MustCompile(`(?i)\b(?:from|join|union\s+select\s+.*?\bfrom)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
	crossJoinRe     = regexp.MustCompile(`(?i)\bcross\s+join\b|\bjoin\s+[a-zA-Z_][a-zA-Z0-9_.]*\s*(?:$|where|order|limit|group)`)
)

// validate applies the structural rules: single SELECT statement, no DDL or
// DML, no comments, every referenced table on the allow list.
func (g *Generator) validate(plan *Plan, schema Schema, perms Permissions) {
	q := strings.TrimSpace(plan.Query)
	if q == "" {
		plan.Violations = append(plan.Violations, "empty_query")
		return
	}
	if !strings.HasPrefix(strings.ToLower(q), "select") {
		plan.Violations = append(plan.Violations, "not_a_select")
	}
	if strings.Contains(strings.TrimSuffix(q, ";"), ";") {
		plan.Violations = append(plan.Violations, "multi_statement")
	}
	if commentRe.MatchString(q) {
		plan.Violations = append(plan.Violations, "comment")
	}
	if forbiddenStmtRe.MatchString(q) {
		plan.Violations = append(plan.Violations, "forbidden_statement")
	}
	for _, table := range referencedTables(q) {
		if perms.denied(table) {
			continue // scored as the deny violation below
		}
		if !perms.allowed(table) {
			plan.Violations = append(plan.Violations, "table_not_allowed:"+table)
		}
	}
}

// scoreRisk adds pre-execution risk pressure per the scoring rules.
func (g *Generator) scoreRisk(plan *Plan, schema Schema, perms Permissions) {
	q := strings.ToLower(plan.Query)
	tables := referencedTables(plan.Query)

	for _, table := range tables {
		if perms.denied(table) {
			plan.EstimatedRisk += riskDenyTable
			plan.Violations = append(plan.Violations, "deny_table:"+table)
		}
	}

	if strings.Contains(q, "select *") || strings.Contains(q, "select\t*") {
		for _, table := range tables {
			if t := schema.table(table); t != nil && t.hasSensitive() {
				plan.EstimatedRisk += riskWildcardSensitive
				break
			}
		}
	}

	if !strings.Contains(q, " where ") && !strings.HasSuffix(q, " where") {
		for _, table := range tables {
			if t := schema.table(table); t != nil && t.Large {
				plan.EstimatedRisk += riskNoWhereLargeTable
				break
			}
		}
	}

	if crossJoinRe.MatchString(plan.Query) && !strings.Contains(q, " on ") {
		plan.EstimatedRisk += riskCrossJoin
	}
}

func referencedTables(query string) []string {
	var tables []string
	seen := make(map[string]bool)
	for _, m := range tableRefRe.FindAllStringSubmatch(query, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return tables
}

// normalizeGenerated strips markdown fences the model tends to wrap SQL in.
func normalizeGenerated(query string) string {
	q := strings.TrimSpace(query)
	q = strings.TrimPrefix(q, "```sql")
	q = strings.TrimPrefix(q, "```")
	q = strings.TrimSuffix(q, "```")
	return strings.TrimSpace(q)
}

func constrainedPrompt(question string, schema Schema, perms Permissions) string {
	var b strings.Builder
	b.WriteString("Generate a single parameterized SELECT statement answering the question below.\n")
	b.WriteString("Rules: no DDL or DML, no comments, no multiple statements, no UNION,\n")
	b.WriteString("reference only these tables: ")
	b.WriteString(strings.Join(perms.AllowTables, ", "))
	b.WriteString(".\nUse ? for every value.\n\nSchema:\n")
	for _, t := range schema.Tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name
		}
		fmt.Fprintf(&b, "  %s(%s)\n", t.Name, strings.Join(cols, ", "))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nSQL:")
	return b.String()
}

func (s Schema) table(name string) *Table {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

func (t *Table) hasSensitive() bool {
	for _, c := range t.Columns {
		if c.Sensitive {
			return true
		}
	}
	return false
}

func (t *Table) columnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// column returns the first column whose name contains needle.
func (t *Table) column(needle string) string {
	for _, c := range t.Columns {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			return c.Name
		}
	}
	return ""
}
