package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/diagnosis"
	"github.com/zulandar/signalbox/internal/query"
)

const plannerPrompt = `You write a single read-only SQL SELECT statement that
answers an analytics question against the schema below. Use only the listed
tables and columns. Never modify data.
Reply with a JSON object: {"sql": "...", "tables": ["..."], "explanation": "..."}

Schema:
%s`

// Planner turns questions into SQL. The schema comes from a catalog so the
// model sees real table and column names.
type Planner struct {
	client  *Client
	catalog diagnosis.SchemaCatalog
}

// NewPlanner returns a Planner. catalog may be nil, in which case the model
// is given no schema.
func NewPlanner(c *Client, catalog diagnosis.SchemaCatalog) *Planner {
	return &Planner{client: c, catalog: catalog}
}

// Plan implements pipeline.Planner.
func (p *Planner) Plan(ctx context.Context, question string) (query.Plan, error) {
	return p.ask(ctx, "Question: "+question)
}

// Replan asks for a new query after the failed one returned nothing. The
// hints map literals in the failed query to values that exist in the data.
func (p *Planner) Replan(ctx context.Context, question string, failed query.Plan, hints []diagnosis.Mapping) (query.Plan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nThis query returned no rows:\n%s\n", question, failed.SQL)
	if len(hints) > 0 {
		b.WriteString("\nThese literals do not exist in the data; use the suggested values instead:\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %q -> %q", h.Entity.Value, h.Value)
			if h.Entity.Column != "" {
				fmt.Fprintf(&b, " (column %s)", h.Entity.Column)
			}
			b.WriteString("\n")
		}
	}
	return p.ask(ctx, b.String())
}

// Correct applies a known identifier substitution without a model call.
func (p *Planner) Correct(_ context.Context, _ string, failed query.Plan, fix diagnosis.Correction) (query.Plan, error) {
	return diagnosis.ApplyCorrection(failed, fix), nil
}

func (p *Planner) ask(ctx context.Context, prompt string) (query.Plan, error) {
	schema, err := p.describeSchema(ctx)
	if err != nil {
		return query.Plan{}, err
	}
	var plan query.Plan
	msgs := []Message{system(fmt.Sprintf(plannerPrompt, schema)), user(prompt)}
	if err := p.client.CompleteJSON(ctx, msgs, &plan); err != nil {
		return query.Plan{}, fmt.Errorf("llm: plan: %w", err)
	}
	plan.SQL = strings.TrimSpace(plan.SQL)
	if plan.SQL == "" {
		return query.Plan{}, fmt.Errorf("llm: plan: model returned no sql")
	}
	return plan, nil
}

func (p *Planner) describeSchema(ctx context.Context) (string, error) {
	if p.catalog == nil {
		return "(not available)", nil
	}
	tables, err := p.catalog.Tables(ctx)
	if err != nil {
		return "", fmt.Errorf("llm: list tables: %w", err)
	}
	var b strings.Builder
	for _, t := range tables {
		cols, err := p.catalog.Columns(ctx, t)
		if err != nil {
			return "", fmt.Errorf("llm: columns of %s: %w", t, err)
		}
		fmt.Fprintf(&b, "%s(%s)\n", t, strings.Join(cols, ", "))
	}
	return b.String(), nil
}
