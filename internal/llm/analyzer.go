package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/pipeline"
	"github.com/zulandar/signalbox/internal/query"
)

// sampleRows bounds how much of a result is shown to the model.
const sampleRows = 50

const analyzerPrompt = `You analyse the result of an analytics query.
Summarise what the data shows, list up to three highlights, describe any trend,
and suggest a chart when one helps. Chart options use the ECharts option format.
Reply with a JSON object:
{"summary": "...", "highlights": ["..."], "trend": "...",
 "chart": {"recommended": true, "chart_type": "bar|line|pie|table", "echarts_option": {...}}}`

const responderPrompt = `You answer an analytics question in plain language
using only the query result provided. Be concise. Mention concrete numbers.
Answer in the same language as the question.`

// Analyzer produces insights and chart suggestions.
type Analyzer struct {
	client *Client
}

// NewAnalyzer returns an Analyzer backed by c.
func NewAnalyzer(c *Client) *Analyzer {
	return &Analyzer{client: c}
}

type analysisReply struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	Trend      string   `json:"trend"`
	Chart      *struct {
		Recommended   bool           `json:"recommended"`
		ChartType     string         `json:"chart_type"`
		EChartsOption map[string]any `json:"echarts_option"`
	} `json:"chart"`
}

// Analyze implements pipeline.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, question string, plan query.Plan, res query.Result) (pipeline.Analysis, error) {
	prompt := fmt.Sprintf("Question: %s\n\nSQL:\n%s\n\n%s", question, plan.SQL, describeResult(res))
	var reply analysisReply
	if err := a.client.CompleteJSON(ctx, []Message{system(analyzerPrompt), user(prompt)}, &reply); err != nil {
		return pipeline.Analysis{}, fmt.Errorf("llm: analyze: %w", err)
	}

	var out pipeline.Analysis
	if reply.Summary != "" || len(reply.Highlights) > 0 || reply.Trend != "" {
		out.Insight = &pipeline.Insight{
			Summary:    reply.Summary,
			Highlights: reply.Highlights,
			Trend:      reply.Trend,
			Statistics: map[string]any{"row_count": res.RowCount()},
		}
	}
	if reply.Chart != nil && reply.Chart.Recommended {
		out.Visualization = &pipeline.Visualization{
			Recommended:  true,
			ChartType:    reply.Chart.ChartType,
			EChartOption: reply.Chart.EChartsOption,
			RawData:      head(res.Rows, sampleRows),
		}
	}
	return out, nil
}

// Responder writes the user-facing answer.
type Responder struct {
	client *Client
}

// NewResponder returns a Responder backed by c.
func NewResponder(c *Client) *Responder {
	return &Responder{client: c}
}

// Respond implements pipeline.Responder.
func (r *Responder) Respond(ctx context.Context, question string, res query.Result, analysis *pipeline.Analysis) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n%s", question, describeResult(res))
	if analysis != nil && analysis.Insight != nil && analysis.Insight.Summary != "" {
		fmt.Fprintf(&b, "\nAnalyst notes: %s\n", analysis.Insight.Summary)
	}
	text, err := r.client.Complete(ctx, []Message{system(responderPrompt), user(b.String())})
	if err != nil {
		return "", fmt.Errorf("llm: respond: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func describeResult(res query.Result) string {
	rows, _ := json.Marshal(head(res.Rows, sampleRows))
	return fmt.Sprintf("Columns: %s\nRow count: %d\nRows (first %d): %s\n",
		strings.Join(res.Columns, ", "), res.RowCount(), sampleRows, rows)
}

func head(rows []query.Row, n int) []query.Row {
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}
