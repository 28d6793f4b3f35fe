package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/diagnosis"
)

const variantsPrompt = `A database filter on a literal value matched no rows. Suggest other
ways the same value may be stored: official names, short forms, common
abbreviations, translations and romanizations (for example 微信 -> WeChat,
Weixin). Do not invent unrelated values.
Reply with a JSON object: {"variants": ["...", "..."]}`

// maxVariants caps how many suggestions are passed on.
const maxVariants = 5

// ValueVariants proposes alternative spellings of probe literals.
type ValueVariants struct {
	client *Client
}

// NewValueVariants returns a ValueVariants backed by c.
func NewValueVariants(c *Client) *ValueVariants {
	return &ValueVariants{client: c}
}

type variantsReply struct {
	Variants []string `json:"variants"`
}

// Variants implements warehouse.VariantSource.
func (v *ValueVariants) Variants(ctx context.Context, question string, ent diagnosis.Entity) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nValue: %q\n", question, ent.Value)
	if ent.Column != "" {
		fmt.Fprintf(&b, "Column: %s\n", ent.Column)
	}
	if ent.Table != "" {
		fmt.Fprintf(&b, "Table: %s\n", ent.Table)
	}

	var reply variantsReply
	if err := v.client.CompleteJSON(ctx, []Message{system(variantsPrompt), user(b.String())}, &reply); err != nil {
		return nil, fmt.Errorf("llm: value variants: %w", err)
	}
	var out []string
	for _, s := range reply.Variants {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, ent.Value) {
			continue
		}
		out = append(out, s)
		if len(out) == maxVariants {
			break
		}
	}
	return out, nil
}
