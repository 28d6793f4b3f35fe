package llm

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/pipeline"
	"github.com/zulandar/signalbox/internal/query"
)

// Aspect names what a Validator judges.
type Aspect string

// Cache-scoring aspects.
const (
	AspectResult       Aspect = "result"
	AspectCompleteness Aspect = "completeness"
	AspectPath         Aspect = "path"
)

var aspectQuestions = map[Aspect]string{
	AspectResult:       "Does the result correctly answer the question?",
	AspectCompleteness: "Does the result cover everything the question asks for, with no missing dimension or period?",
	AspectPath:         "Is the SQL a sensible way to answer the question, joining and filtering on the right tables and columns?",
}

// Validator asks the model a yes/no question about a finished run.
type Validator struct {
	client *Client
	aspect Aspect
}

// NewValidator returns a Validator for one aspect.
func NewValidator(c *Client, aspect Aspect) (*Validator, error) {
	if _, ok := aspectQuestions[aspect]; !ok {
		return nil, fmt.Errorf("llm: unknown validation aspect %q", aspect)
	}
	return &Validator{client: c, aspect: aspect}, nil
}

// NewValidators builds the full validator set for the orchestrator.
func NewValidators(c *Client) pipeline.Validators {
	v := func(a Aspect) pipeline.Validator {
		val, _ := NewValidator(c, a)
		return val
	}
	return pipeline.Validators{
		Result:       v(AspectResult),
		Completeness: v(AspectCompleteness),
		Path:         v(AspectPath),
	}
}

type verdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// Validate implements pipeline.Validator.
func (v *Validator) Validate(ctx context.Context, question string, plan query.Plan, res query.Result) (bool, error) {
	prompt := fmt.Sprintf("%s\n\nQuestion: %s\n\nSQL:\n%s\n\n%s\nReply with a JSON object: {\"pass\": true|false, \"reason\": \"...\"}",
		aspectQuestions[v.aspect], question, plan.SQL, describeResult(res))
	var out verdict
	if err := v.client.CompleteJSON(ctx, []Message{system("You review analytics queries."), user(prompt)}, &out); err != nil {
		return false, fmt.Errorf("llm: validate %s: %w", v.aspect, err)
	}
	if !out.Pass {
		v.client.log.Debug("llm: validation rejected", "aspect", string(v.aspect), "reason", out.Reason)
	}
	return out.Pass, nil
}
