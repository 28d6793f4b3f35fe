// Package diagnosis repairs pipeline runs whose query returned nothing or
// failed on a schema error. The engine is stateless: the attempt counter
// belongs to the run and is passed in on every call.
package diagnosis

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/query"
)

// Trigger is the failure signal that sent a run into diagnosis.
type Trigger string

const (
	TriggerEmptyResult Trigger = "empty_result"
	TriggerSchemaError Trigger = "schema_error"
)

// Outcome is how a diagnosis attempt ended.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeExhausted Outcome = "exhausted"
)

// Reasons attached to exhausted attempts.
const (
	ReasonCapReached     = "attempt cap reached"
	ReasonNoEntities     = "no candidate entities in query"
	ReasonNoMapping      = "probe found no alternative values"
	ReasonAllMapped      = "every candidate entity was already mapped"
	ReasonNoCorrection   = "no schema correction found"
	ReasonUnparsable     = "schema error did not name an identifier"
	ReasonSameQuery      = "repair produced the same query"
	ReasonCollaborator   = "repair collaborator failed"
	ReasonUnknownTrigger = "unknown trigger"
)

// Signal describes what went wrong in Executing.
type Signal struct {
	Trigger Trigger
	Err     error // set for TriggerSchemaError
}

// RunContext is the slice of run state diagnosis needs. Known carries the
// mappings verified by earlier attempts of the same run.
type RunContext struct {
	Question string // rewritten question
	Plan     query.Plan
	Known    []Mapping
}

// Attempt is the ephemeral record of one diagnosis cycle.
type Attempt struct {
	Trigger Trigger `json:"trigger"`
	Number  int     `json:"number"`
	Action  string  `json:"action"`
	Outcome Outcome `json:"outcome"`
}

// Action is the repair decision. Plan is set only when resolved; Mappings
// holds the values this attempt verified, for the run to carry forward.
type Action struct {
	Attempt  Attempt
	Plan     *query.Plan
	Mappings []Mapping
	Reason   string
}

// Resolved reports whether a new plan should be executed.
func (a Action) Resolved() bool {
	return a.Attempt.Outcome == OutcomeResolved && a.Plan != nil
}

// Prober looks up stored values that resemble each entity, typically via a
// semantic or fuzzy search over the warehouse. tables are the failed plan's
// tables; entities without a column are searched there.
type Prober interface {
	Probe(ctx context.Context, question string, tables []string, entities []Entity) ([]ProbeHit, error)
}

// Replanner asks the planning collaborator for a repaired query.
type Replanner interface {
	Replan(ctx context.Context, question string, failed query.Plan, hints []Mapping) (query.Plan, error)
	Correct(ctx context.Context, question string, failed query.Plan, fix Correction) (query.Plan, error)
}

// Engine chooses and performs repair actions.
type Engine struct {
	prober  Prober
	planner Replanner
	catalog SchemaCatalog
	log     *logging.Logger
}

// EngineOpts holds the engine's collaborators.
type EngineOpts struct {
	Prober  Prober
	Planner Replanner
	Catalog SchemaCatalog
	Logger  *logging.Logger
}

// NewEngine creates an Engine. All collaborators are required.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Prober == nil {
		return nil, fmt.Errorf("diagnosis: prober is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("diagnosis: planner is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("diagnosis: catalog is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Engine{
		prober:  opts.Prober,
		planner: opts.Planner,
		catalog: opts.Catalog,
		log:     opts.Logger,
	}, nil
}

// Diagnose runs attempt number attempt (1-based) of at most maxAttempts.
// The cap is checked before any collaborator is called, so attempt >
// maxAttempts always returns an exhausted action immediately. The only
// error returned is ctx's, when ctx ended during a collaborator call.
func (e *Engine) Diagnose(ctx context.Context, attempt, maxAttempts int, sig Signal, rc RunContext) (Action, error) {
	a := Attempt{Trigger: sig.Trigger, Number: attempt}
	if attempt > maxAttempts {
		return exhausted(a, "none", ReasonCapReached), nil
	}
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	switch sig.Trigger {
	case TriggerEmptyResult:
		return e.repairEmpty(ctx, a, rc)
	case TriggerSchemaError:
		return e.repairSchema(ctx, a, sig.Err, rc)
	}
	return exhausted(a, "none", ReasonUnknownTrigger), nil
}

// repairEmpty: extract entities → probe → map values → replan with hints.
// Entities already mapped earlier in the run are not probed again; their
// mappings ride along as hints.
func (e *Engine) repairEmpty(ctx context.Context, a Attempt, rc RunContext) (Action, error) {
	entities := ExtractEntities(rc.Question, rc.Plan.SQL, rc.Plan.Tables)
	if len(entities) == 0 {
		return exhausted(a, "extract_entities", ReasonNoEntities), nil
	}
	entities = Unmapped(entities, rc.Known)
	if len(entities) == 0 {
		return exhausted(a, "extract_entities", ReasonAllMapped), nil
	}

	hits, err := e.prober.Probe(ctx, rc.Question, rc.Plan.Tables, entities)
	if err != nil {
		return e.collaboratorFailed(ctx, a, "probe", err)
	}
	mappings := MapValues(hits)
	if len(mappings) == 0 {
		return exhausted(a, "probe", ReasonNoMapping), nil
	}

	hints := append(append([]Mapping(nil), rc.Known...), mappings...)
	plan, err := e.planner.Replan(ctx, rc.Question, rc.Plan, hints)
	if err != nil {
		return e.collaboratorFailed(ctx, a, "replan", err)
	}
	if plan.SQL == rc.Plan.SQL {
		return exhausted(a, "replan", ReasonSameQuery), nil
	}
	e.log.Debug("diagnosis: empty result repaired", "attempt", a.Number, "mappings", len(mappings), "known", len(rc.Known))
	act := resolved(a, "replan_with_values", plan)
	act.Mappings = mappings
	return act, nil
}

// repairSchema: parse error → check catalog → corrected plan, or exhaust
// without calling the planner.
func (e *Engine) repairSchema(ctx context.Context, a Attempt, cause error, rc RunContext) (Action, error) {
	fault, ok := ParseSchemaError(cause)
	if !ok {
		return exhausted(a, "parse_error", ReasonUnparsable), nil
	}
	fix, err := FindCorrection(ctx, e.catalog, fault, rc.Plan.Tables)
	if errors.Is(err, ErrNoCorrection) {
		return exhausted(a, "check_catalog", ReasonNoCorrection), nil
	}
	if err != nil {
		return e.collaboratorFailed(ctx, a, "check_catalog", err)
	}

	plan, err := e.planner.Correct(ctx, rc.Question, rc.Plan, fix)
	if err != nil {
		return e.collaboratorFailed(ctx, a, "correct", err)
	}
	if plan.SQL == rc.Plan.SQL {
		return exhausted(a, "correct", ReasonSameQuery), nil
	}
	e.log.Debug("diagnosis: schema error repaired", "attempt", a.Number, "fix", fix.String())
	return resolved(a, "correct_"+string(fix.Kind), plan), nil
}

func (e *Engine) collaboratorFailed(ctx context.Context, a Attempt, step string, err error) (Action, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Action{}, ctxErr
	}
	e.log.Warn("diagnosis: collaborator failed", "step", step, "attempt", a.Number, "error", err)
	return exhausted(a, step, ReasonCollaborator+": "+err.Error()), nil
}

func exhausted(a Attempt, step, reason string) Action {
	a.Action = step
	a.Outcome = OutcomeExhausted
	return Action{Attempt: a, Reason: reason}
}

func resolved(a Attempt, step string, p query.Plan) Action {
	a.Action = step
	a.Outcome = OutcomeResolved
	return Action{Attempt: a, Plan: &p}
}
