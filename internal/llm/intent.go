package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/pipeline"
)

const intentPrompt = `You rewrite analytics questions so they stand alone.
Use the conversation to resolve pronouns, relative references and omitted
subjects. Keep the user's language. Do not answer the question.
Reply with a JSON object: {"rewritten": "...", "metrics": [...], "dimensions": [...], "time_range": "..."}`

// TermSource renders the business-terms glossary for a prompt.
type TermSource interface {
	Prompt() string
}

// IntentResolver rewrites follow-up questions using recent history and the
// business-terms glossary.
type IntentResolver struct {
	client *Client
	terms  TermSource
}

// NewIntentResolver returns an IntentResolver backed by c. terms may be nil.
func NewIntentResolver(c *Client, terms TermSource) *IntentResolver {
	return &IntentResolver{client: c, terms: terms}
}

type intentReply struct {
	Rewritten  string   `json:"rewritten"`
	Metrics    []string `json:"metrics"`
	Dimensions []string `json:"dimensions"`
	TimeRange  string   `json:"time_range"`
}

// Resolve implements pipeline.IntentResolver.
func (r *IntentResolver) Resolve(ctx context.Context, question string, history []pipeline.Turn) (pipeline.Intent, error) {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)

	prompt := intentPrompt
	if r.terms != nil {
		if glossary := r.terms.Prompt(); glossary != "" {
			prompt += "\n\n" + glossary
		}
	}

	var reply intentReply
	if err := r.client.CompleteJSON(ctx, []Message{system(prompt), user(b.String())}, &reply); err != nil {
		return pipeline.Intent{}, fmt.Errorf("llm: resolve intent: %w", err)
	}
	rewritten := strings.TrimSpace(reply.Rewritten)
	if rewritten == "" {
		rewritten = strings.TrimSpace(question)
	}

	attrs := map[string]any{}
	if len(reply.Metrics) > 0 {
		attrs["metrics"] = reply.Metrics
	}
	if len(reply.Dimensions) > 0 {
		attrs["dimensions"] = reply.Dimensions
	}
	if reply.TimeRange != "" {
		attrs["time_range"] = reply.TimeRange
	}
	return pipeline.Intent{Rewritten: rewritten, Attributes: attrs}, nil
}
