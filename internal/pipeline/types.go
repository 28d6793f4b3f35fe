// Package pipeline drives one question through Intent, Planning, Executing,
// Analyzing and Responding, with a bounded Diagnosing detour, and reports
// progress as a stream of events.
package pipeline

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/cache"
	"github.com/zulandar/signalbox/internal/diagnosis"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/query"
)

// Stage is a wire-visible processing phase.
type Stage string

const (
	StageIntent    Stage = "intent"
	StagePlanner   Stage = "planner"
	StageExecutor  Stage = "executor"
	StageAnalyzer  Stage = "analyzer"
	StageResponder Stage = "responder"
)

// Progress percentage reported with each stage's status event.
func (s Stage) Progress() int {
	switch s {
	case StageIntent:
		return 15
	case StagePlanner:
		return 35
	case StageExecutor:
		return 55
	case StageAnalyzer:
		return 75
	case StageResponder:
		return 90
	}
	return 0
}

// State is a node of the run state machine.
type State int

const (
	StateIntent State = iota
	StatePlanning
	StateExecuting
	StateDiagnosing
	StateAnalyzing
	StateResponding
	StateDone
)

var stateNames = [...]string{"intent", "planning", "executing", "diagnosing", "analyzing", "responding", "done"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a run's lifecycle status.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusErrored     Status = "errored"
	StatusInterrupted Status = "interrupted"
)

// ErrorCode classifies error events.
type ErrorCode string

const (
	CodeIntent          ErrorCode = "INTENT_ERROR"
	CodePlanner         ErrorCode = "PLANNER_ERROR"
	CodeExecutor        ErrorCode = "EXECUTOR_ERROR"
	CodeAnalyzer        ErrorCode = "ANALYZER_ERROR"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
	CodeValidation      ErrorCode = "VALIDATION_ERROR"
	CodeConcurrentLimit ErrorCode = "CONCURRENT_LIMIT"
)

// Interrupt reasons.
const (
	ReasonUserCancel = "user_cancel"
	ReasonNewMessage = "new_message"
)

// NoResultAnswer is the text answer for a run whose diagnosis was exhausted.
const NoResultAnswer = "No matching result was found for your question. Try adjusting the time range, names, or filters."

// StageError is a fatal failure attributed to a stage.
type StageError struct {
	Stage Stage
	Code  ErrorCode
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventKind mirrors the server→client message types a run can produce.
type EventKind string

const (
	EventStatus      EventKind = "status"
	EventTextChunk   EventKind = "text_chunk"
	EventComplete    EventKind = "complete"
	EventError       EventKind = "error"
	EventInterrupted EventKind = "interrupted"
)

// Terminal reports whether k ends a run.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError || k == EventInterrupted
}

// Event is one item of a run's output stream. Exactly one payload pointer
// is set, matching Kind.
type Event struct {
	Kind      EventKind
	RunID     string
	MessageID string // client message id the run answers

	Status      *StatusUpdate
	Chunk       *TextChunk
	Answer      *Answer
	Failure     *Failure
	Interrupted *Interruption
}

type StatusUpdate struct {
	Stage    Stage
	Message  string
	Progress int
	Details  map[string]any
}

type TextChunk struct {
	Content string
	Index   int
	IsFirst bool
	IsLast  bool
}

type Failure struct {
	Code        ErrorCode
	Message     string
	Stage       Stage
	Recoverable bool
}

type Interruption struct {
	Stage         Stage
	PartialAnswer string
	Reason        string
}

// Sink receives a run's events in order. It is called with the run's lock
// held and must not block.
type Sink func(Event)

// ---------------------------------------------------------------------------
// Answer
// ---------------------------------------------------------------------------

// Answer is the final payload of a completed run.
type Answer struct {
	MessageID     string         `json:"message_id"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Text          string         `json:"text_answer"`
	SQL           string         `json:"sql_query,omitempty"`
	Insight       *Insight       `json:"data_insight,omitempty"`
	Visualization *Visualization `json:"visualization,omitempty"`
	Debug         *Debug         `json:"debug,omitempty"`
	CacheHit      bool           `json:"-"`
	Exhausted     bool           `json:"-"`
}

// Insight is the analyzer's summary of a result.
type Insight struct {
	Summary    string         `json:"summary,omitempty"`
	Highlights []string       `json:"highlights,omitempty"`
	Trend      string         `json:"trend,omitempty"`
	Statistics map[string]any `json:"statistics,omitempty"`
}

// Visualization is a chart suggestion for a result.
type Visualization struct {
	Recommended  bool           `json:"recommended"`
	ChartType    string         `json:"chart_type,omitempty"`
	EChartOption map[string]any `json:"echarts_option,omitempty"`
	RawData      []query.Row    `json:"raw_data,omitempty"`
}

// Debug is attached to answers when debug mode is on.
type Debug struct {
	SQLQuery        string              `json:"sql_query,omitempty"`
	RawData         []query.Row         `json:"raw_data,omitempty"`
	RowCount        int                 `json:"row_count"`
	ExecutionTimeMs int64               `json:"execution_time_ms"`
	SelectedTables  []string            `json:"selected_tables,omitempty"`
	Intent          map[string]any      `json:"intent,omitempty"`
	Diagnosis       []diagnosis.Attempt `json:"diagnosis,omitempty"`
	CacheHit        bool                `json:"cache_hit"`
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Turn is one prior exchange in the session, for intent resolution.
type Turn struct {
	Role    string
	Content string
}

// Intent is the rewritten question plus whatever the resolver extracted.
type Intent struct {
	Rewritten  string
	Attributes map[string]any
}

// IntentResolver rewrites a raw question into a self-contained one.
type IntentResolver interface {
	Resolve(ctx context.Context, question string, history []Turn) (Intent, error)
}

// Planner produces queries. Replan and Correct serve the diagnosis engine.
type Planner interface {
	Plan(ctx context.Context, question string) (query.Plan, error)
	diagnosis.Replanner
}

// Executor runs a plan against the warehouse. Schema failures should be
// returned as *query.SchemaError.
type Executor interface {
	Execute(ctx context.Context, plan query.Plan) (query.Result, error)
}

// Analysis is the optional enrichment of a result.
type Analysis struct {
	Insight       *Insight
	Visualization *Visualization
}

// Analyzer summarises and charts a result.
type Analyzer interface {
	Analyze(ctx context.Context, question string, plan query.Plan, res query.Result) (Analysis, error)
}

// Responder writes the final natural-language answer.
type Responder interface {
	Respond(ctx context.Context, question string, res query.Result, analysis *Analysis) (string, error)
}

// Validator approves or rejects a finished result for cache scoring.
type Validator interface {
	Validate(ctx context.Context, question string, plan query.Plan, res query.Result) (bool, error)
}

// Validators are the optional score contributors. Nil entries score zero.
type Validators struct {
	Result       Validator
	Completeness Validator
	Path         Validator
}

// CacheStore is the subset of *cache.Store the orchestrator uses.
type CacheStore interface {
	Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
	UpsertOnFirstSuccess(ctx context.Context, w cache.Write) (bool, error)
	RecordHit(ctx context.Context, fingerprint string) error
}

// Journal is the subset of *journal.Journal the orchestrator uses.
type Journal interface {
	Append(e journal.Entry)
}
