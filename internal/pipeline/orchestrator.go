package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/signalbox/internal/cache"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/diagnosis"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/query"
)

// maxDebugRows caps the raw rows attached to debug payloads.
const maxDebugRows = 100

// Settings are the orchestrator's tunables.
type Settings struct {
	Timeouts      config.StageTimeouts
	MaxDiagnosis  int
	CacheMinScore int
	ChunkSize     int
	Debug         bool
}

// SettingsFromConfig maps the pipeline and chat config sections.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Timeouts:      cfg.Pipeline.Timeouts,
		MaxDiagnosis:  cfg.Pipeline.MaxDiagnosis(),
		CacheMinScore: cfg.Pipeline.CacheMinScore,
		ChunkSize:     cfg.Pipeline.ChunkSize,
		Debug:         cfg.Chat.Debug,
	}
}

// Opts wires an Orchestrator. Analyzer, Validators, Metrics and Logger are
// optional.
type Opts struct {
	Intent     IntentResolver
	Planner    Planner
	Executor   Executor
	Analyzer   Analyzer
	Responder  Responder
	Validators Validators
	Diagnosis  *diagnosis.Engine
	Cache      CacheStore
	Journal    Journal
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
	Settings   Settings
}

// Orchestrator drives runs through the state machine.
type Orchestrator struct {
	intent     IntentResolver
	planner    Planner
	executor   Executor
	analyzer   Analyzer
	responder  Responder
	validators Validators
	diag       *diagnosis.Engine
	cache      CacheStore
	journal    Journal
	metrics    *metrics.Metrics
	log        *logging.Logger
	settings   Settings
}

// New validates opts and returns an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	switch {
	case opts.Intent == nil:
		return nil, fmt.Errorf("pipeline: intent resolver is required")
	case opts.Planner == nil:
		return nil, fmt.Errorf("pipeline: planner is required")
	case opts.Executor == nil:
		return nil, fmt.Errorf("pipeline: executor is required")
	case opts.Responder == nil:
		return nil, fmt.Errorf("pipeline: responder is required")
	case opts.Diagnosis == nil:
		return nil, fmt.Errorf("pipeline: diagnosis engine is required")
	case opts.Cache == nil:
		return nil, fmt.Errorf("pipeline: cache store is required")
	case opts.Journal == nil:
		return nil, fmt.Errorf("pipeline: journal is required")
	}
	if opts.Settings.MaxDiagnosis < 0 {
		return nil, fmt.Errorf("pipeline: max diagnosis must be >= 0")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Orchestrator{
		intent:     opts.Intent,
		planner:    opts.Planner,
		executor:   opts.Executor,
		analyzer:   opts.Analyzer,
		responder:  opts.Responder,
		validators: opts.Validators,
		diag:       opts.Diagnosis,
		cache:      opts.Cache,
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		settings:   opts.Settings,
	}, nil
}

// Start creates a run and drives it on its own goroutine. Cancelling ctx
// or calling Run.Interrupt stops it at the next checkpoint.
func (o *Orchestrator) Start(ctx context.Context, req Request, sink Sink) *Run {
	run := newRun(uuid.NewString(), req, sink)
	rctx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	o.metrics.RunStarted()
	go func() {
		defer close(run.done)
		defer cancel()
		defer o.metrics.RunEnded()
		o.drive(rctx, run)
	}()
	return run
}

// Execute drives a run to completion on the calling goroutine and returns
// it once a terminal event has been delivered.
func (o *Orchestrator) Execute(ctx context.Context, req Request, sink Sink) *Run {
	run := newRun(uuid.NewString(), req, sink)
	rctx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	defer cancel()
	defer close(run.done)
	o.metrics.RunStarted()
	defer o.metrics.RunEnded()
	o.drive(rctx, run)
	return run
}

// flight holds the mutable state of one run between transitions.
type flight struct {
	run *Run

	intent    Intent
	plan      query.Plan
	result    query.Result
	executed  bool
	signal    diagnosis.Signal
	attempts  int
	diagnoses []diagnosis.Attempt
	mappings  []diagnosis.Mapping
	analysis  *Analysis
	hit       *models.CacheEntry
	skipCache bool
	exhausted string
}

func (f *flight) question() string {
	if f.intent.Rewritten != "" {
		return f.intent.Rewritten
	}
	return f.run.Question
}

// errStop ends the state loop after a terminal event was delivered.
var errStop = errors.New("pipeline: run stopped")

func (o *Orchestrator) drive(ctx context.Context, run *Run) {
	f := &flight{run: run}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("pipeline: panic in run", "run", run.ID, "panic", r, "stack", string(debug.Stack()))
			o.fail(f, &StageError{Stage: run.Stage(), Code: CodeInternal, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	state := StateIntent
	for state != StateDone {
		if ctx.Err() != nil {
			o.interrupted(f)
			return
		}
		var err error
		switch state {
		case StateIntent:
			state, err = o.resolveIntent(ctx, f)
		case StatePlanning:
			state, err = o.planQuery(ctx, f)
		case StateExecuting:
			state, err = o.executePlan(ctx, f)
		case StateDiagnosing:
			state, err = o.diagnose(ctx, f)
		case StateAnalyzing:
			state, err = o.analyze(ctx, f)
		case StateResponding:
			state, err = o.respond(ctx, f)
		default:
			err = &StageError{Stage: run.Stage(), Code: CodeInternal, Err: fmt.Errorf("unknown state %s", state)}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, errStop) {
			return
		}
		if ctx.Err() != nil {
			o.interrupted(f)
			return
		}
		var se *StageError
		if !errors.As(err, &se) {
			se = &StageError{Stage: run.Stage(), Code: CodeInternal, Err: err}
		}
		o.fail(f, se)
		return
	}
}

// ---------------------------------------------------------------------------
// States
// ---------------------------------------------------------------------------

func (o *Orchestrator) resolveIntent(ctx context.Context, f *flight) (State, error) {
	o.enter(f, StateIntent, StageIntent, "Understanding your question")
	intent, err := call(ctx, o, StageIntent, o.settings.Timeouts.Intent, func(c context.Context) (Intent, error) {
		return o.intent.Resolve(c, f.run.Question, f.run.history)
	})
	if err != nil {
		return StateDone, &StageError{Stage: StageIntent, Code: CodeIntent, Err: err}
	}
	if intent.Rewritten == "" {
		intent.Rewritten = f.run.Question
	}
	f.intent = intent
	f.run.setRewritten(intent.Rewritten)
	return StatePlanning, nil
}

func (o *Orchestrator) planQuery(ctx context.Context, f *flight) (State, error) {
	o.enter(f, StatePlanning, StagePlanner, "Planning the query")

	if !f.skipCache {
		if entry := o.lookup(ctx, f); entry != nil {
			f.hit = entry
			f.plan = query.Plan{SQL: entry.QueryText, Tables: entry.TableList()}
			return StateResponding, nil
		}
	}

	plan, err := call(ctx, o, StagePlanner, o.settings.Timeouts.Planner, func(c context.Context) (query.Plan, error) {
		return o.planner.Plan(c, f.question())
	})
	if err != nil {
		return StateDone, &StageError{Stage: StagePlanner, Code: CodePlanner, Err: err}
	}
	if plan.SQL == "" {
		return StateDone, &StageError{Stage: StagePlanner, Code: CodePlanner, Err: fmt.Errorf("planner returned an empty query")}
	}
	f.plan = plan
	return StateExecuting, nil
}

// lookup consults the cache by the rewritten question's fingerprint. Only
// active entries count; cache failures degrade to a miss. The hit itself is
// recorded once the cached query has replayed.
func (o *Orchestrator) lookup(ctx context.Context, f *flight) *models.CacheEntry {
	fp := cache.Fingerprint(f.question())
	entry, err := o.cache.Lookup(ctx, fp)
	if err != nil {
		o.log.Warn("pipeline: cache lookup failed", "run", f.run.ID, "error", err)
		o.metrics.CacheLookup("error")
		return nil
	}
	if entry == nil {
		o.metrics.CacheLookup("miss")
		return nil
	}
	if entry.Status != models.CacheStatusActive {
		o.metrics.CacheLookup("inactive")
		return nil
	}
	o.metrics.CacheLookup("hit")
	return entry
}

func (o *Orchestrator) executePlan(ctx context.Context, f *flight) (State, error) {
	o.enter(f, StateExecuting, StageExecutor, "Running the query")
	res, err := call(ctx, o, StageExecutor, o.settings.Timeouts.Executor, func(c context.Context) (query.Result, error) {
		return o.executor.Execute(c, f.plan)
	})
	switch {
	case err == nil && !res.IsEmpty():
		f.result = res
		f.executed = true
		return StateAnalyzing, nil
	case err == nil:
		f.result = res
		f.executed = true
		f.signal = diagnosis.Signal{Trigger: diagnosis.TriggerEmptyResult}
		return StateDiagnosing, nil
	case diagnosis.IsSchemaError(err):
		f.signal = diagnosis.Signal{Trigger: diagnosis.TriggerSchemaError, Err: err}
		return StateDiagnosing, nil
	}
	return StateDone, &StageError{Stage: StageExecutor, Code: CodeExecutor, Err: err}
}

func (o *Orchestrator) diagnose(ctx context.Context, f *flight) (State, error) {
	f.run.enter(StateDiagnosing, StageExecutor)
	f.attempts++
	if f.attempts <= o.settings.MaxDiagnosis {
		o.status(f, StageExecutor, fmt.Sprintf("Repairing the query (attempt %d of %d)", f.attempts, o.settings.MaxDiagnosis),
			map[string]any{"diagnosis_attempt": f.attempts, "trigger": string(f.signal.Trigger)})
	}

	rc := diagnosis.RunContext{Question: f.question(), Plan: f.plan, Known: f.mappings}
	action, err := call(ctx, o, "diagnosis", o.settings.Timeouts.Diagnosis, func(c context.Context) (diagnosis.Action, error) {
		return o.diag.Diagnose(c, f.attempts, o.settings.MaxDiagnosis, f.signal, rc)
	})
	if err != nil {
		if ctx.Err() != nil {
			return StateDone, err
		}
		action = diagnosis.Action{
			Attempt: diagnosis.Attempt{Trigger: f.signal.Trigger, Number: f.attempts, Action: "timeout", Outcome: diagnosis.OutcomeExhausted},
			Reason:  fmt.Sprintf("%s: %v", diagnosis.ReasonCollaborator, err),
		}
	}

	f.diagnoses = append(f.diagnoses, action.Attempt)
	o.metrics.DiagnosisAttempt(string(f.signal.Trigger), string(action.Attempt.Outcome))
	if action.Resolved() {
		f.plan = *action.Plan
		f.mappings = append(f.mappings, action.Mappings...)
		return StateExecuting, nil
	}
	f.exhausted = action.Reason
	o.log.Info("pipeline: diagnosis exhausted", "run", f.run.ID, "attempt", f.attempts, "reason", action.Reason)
	return StateResponding, nil
}

func (o *Orchestrator) analyze(ctx context.Context, f *flight) (State, error) {
	if o.analyzer == nil {
		return StateResponding, nil
	}
	o.enter(f, StateAnalyzing, StageAnalyzer, "Analyzing the result")
	a, err := call(ctx, o, StageAnalyzer, o.settings.Timeouts.Analyzer, func(c context.Context) (Analysis, error) {
		return o.analyzer.Analyze(c, f.question(), f.plan, f.result)
	})
	if err != nil {
		if ctx.Err() != nil {
			return StateDone, err
		}
		o.log.Warn("pipeline: analysis skipped", "run", f.run.ID, "error", err)
		return StateResponding, nil
	}
	f.analysis = &a
	return StateResponding, nil
}

func (o *Orchestrator) respond(ctx context.Context, f *flight) (State, error) {
	o.enter(f, StateResponding, StageResponder, "Writing the answer")

	if f.hit != nil {
		replayed, err := o.replayCached(ctx, f)
		if err != nil {
			return StateDone, err
		}
		if !replayed {
			return StatePlanning, nil
		}
	}

	var text string
	if f.exhausted != "" {
		text = NoResultAnswer
	} else {
		var err error
		text, err = call(ctx, o, StageResponder, o.settings.Timeouts.Responder, func(c context.Context) (string, error) {
			return o.responder.Respond(c, f.question(), f.result, f.analysis)
		})
		if err != nil {
			return StateDone, &StageError{Stage: StageResponder, Code: CodeInternal, Err: err}
		}
	}

	if err := o.stream(ctx, f, text); err != nil {
		return StateDone, err
	}

	score := o.store(ctx, f)
	answer := o.answer(f, text)
	if !f.run.finish(Event{Kind: EventComplete, Answer: answer}, StatusCompleted) {
		o.metrics.RunFinished("interrupted")
		o.record(f, models.LogStatusTimeout, "interrupted", score)
		return StateDone, errStop
	}
	o.metrics.RunFinished(outcome(f))
	o.record(f, models.LogStatusSuccess, f.exhausted, score)
	return StateDone, nil
}

// replayCached re-runs a cached query. On failure or an empty result the
// run falls back to Planning with the cache bypassed.
func (o *Orchestrator) replayCached(ctx context.Context, f *flight) (bool, error) {
	res, err := call(ctx, o, StageExecutor, o.settings.Timeouts.Executor, func(c context.Context) (query.Result, error) {
		return o.executor.Execute(c, f.plan)
	})
	if err == nil && !res.IsEmpty() {
		f.result = res
		f.executed = true
		if err := o.cache.RecordHit(ctx, f.hit.Fingerprint); err != nil {
			o.log.Warn("pipeline: cache hit not recorded", "run", f.run.ID, "error", err)
		}
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	o.log.Warn("pipeline: cached query replay failed, replanning", "run", f.run.ID, "error", err, "empty", err == nil)
	f.hit = nil
	f.skipCache = true
	f.plan = query.Plan{}
	return false, nil
}

// stream emits text as rune chunks of the configured size followed by an
// empty closing chunk.
func (o *Orchestrator) stream(ctx context.Context, f *flight, text string) error {
	chunks := Chunk(text, o.settings.ChunkSize)
	for i, c := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.run.emit(Event{Kind: EventTextChunk, Chunk: &TextChunk{Content: c, Index: i, IsFirst: i == 0}})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.run.emit(Event{Kind: EventTextChunk, Chunk: &TextChunk{Index: len(chunks), IsFirst: len(chunks) == 0, IsLast: true}})
	return nil
}

// store scores a fresh successful run and writes it to the cache when the
// score clears the threshold. It returns the score, or nil when no write
// was attempted.
func (o *Orchestrator) store(ctx context.Context, f *flight) *int {
	if f.hit != nil || f.exhausted != "" || !f.executed || f.result.IsEmpty() {
		return nil
	}
	if f.skipCache {
		// The stale entry still owns this fingerprint.
		o.metrics.CacheWrite("stale_entry")
		return nil
	}
	sig := cache.Signals{Executed: true, NonEmpty: true}
	sig.ResultApproved = o.validate(ctx, f, o.validators.Result, "result")
	sig.CompletenessApproved = o.validate(ctx, f, o.validators.Completeness, "completeness")
	sig.PathApproved = o.validate(ctx, f, o.validators.Path, "path")
	score := cache.Score(sig)
	if score < o.settings.CacheMinScore {
		o.metrics.CacheWrite("below_threshold")
		return &score
	}

	created, err := o.cache.UpsertOnFirstSuccess(ctx, cache.Write{
		Fingerprint:       cache.Fingerprint(f.question()),
		Question:          f.run.Question,
		RewrittenQuestion: f.question(),
		QueryText:         f.plan.SQL,
		Tables:            f.plan.Tables,
		Score:             score,
	})
	switch {
	case err != nil:
		o.log.Warn("pipeline: cache write failed", "run", f.run.ID, "error", err)
		o.metrics.CacheWrite("error")
	case created:
		o.metrics.CacheWrite("created")
	default:
		o.metrics.CacheWrite("existing")
	}
	return &score
}

func (o *Orchestrator) validate(ctx context.Context, f *flight, v Validator, name string) bool {
	if v == nil {
		return false
	}
	ok, err := call(ctx, o, Stage("validate_"+name), o.settings.Timeouts.Analyzer, func(c context.Context) (bool, error) {
		return v.Validate(c, f.question(), f.plan, f.result)
	})
	if err != nil {
		o.log.Debug("pipeline: validator failed", "validator", name, "error", err)
		return false
	}
	return ok
}

func (o *Orchestrator) answer(f *flight, text string) *Answer {
	a := &Answer{
		MessageID: uuid.NewString(),
		ReplyTo:   f.run.MessageID,
		Text:      text,
		CacheHit:  f.hit != nil,
		Exhausted: f.exhausted != "",
	}
	if f.analysis != nil {
		a.Insight = f.analysis.Insight
		a.Visualization = f.analysis.Visualization
	}
	if !o.settings.Debug {
		return a
	}
	a.SQL = f.plan.SQL
	rows := f.result.Rows
	if len(rows) > maxDebugRows {
		rows = rows[:maxDebugRows]
	}
	a.Debug = &Debug{
		SQLQuery:        f.plan.SQL,
		RawData:         rows,
		RowCount:        f.result.RowCount(),
		ExecutionTimeMs: f.result.Elapsed.Milliseconds(),
		SelectedTables:  f.plan.Tables,
		Intent:          f.intent.Attributes,
		Diagnosis:       f.diagnoses,
		CacheHit:        f.hit != nil,
	}
	return a
}

// ---------------------------------------------------------------------------
// Terminals
// ---------------------------------------------------------------------------

func (o *Orchestrator) fail(f *flight, se *StageError) {
	o.log.Warn("pipeline: run failed", "run", f.run.ID, "stage", se.Stage, "code", se.Code, "error", se.Err)
	delivered := f.run.finish(Event{Kind: EventError, Failure: &Failure{
		Code:        se.Code,
		Message:     failureMessage(se),
		Stage:       se.Stage,
		Recoverable: se.Code != CodeInternal,
	}}, StatusErrored)
	if !delivered {
		o.metrics.RunFinished("interrupted")
		o.record(f, models.LogStatusTimeout, "interrupted", nil)
		return
	}
	o.metrics.RunFinished("error")
	o.record(f, models.LogStatusError, se.Error(), nil)
}

// interrupted handles a run whose context ended. When Interrupt already
// delivered the terminal event this only journals the outcome.
func (o *Orchestrator) interrupted(f *flight) {
	f.run.stop(ReasonUserCancel)
	o.metrics.RunFinished("interrupted")
	o.record(f, models.LogStatusTimeout, "interrupted", nil)
}

func (o *Orchestrator) record(f *flight, status, errText string, score *int) {
	e := journal.Entry{
		RunID:             f.run.ID,
		SessionID:         f.run.SessionID,
		MessageID:         f.run.MessageID,
		Question:          f.run.Question,
		RewrittenQuestion: f.intent.Rewritten,
		QueryText:         f.plan.SQL,
		Tables:            f.plan.Tables,
		Status:            status,
		Error:             errText,
		Elapsed:           time.Since(f.run.StartedAt),
		CacheScore:        score,
		CacheHit:          f.hit != nil,
	}
	if f.executed {
		n := f.result.RowCount()
		e.RowCount = &n
	}
	o.journal.Append(e)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (o *Orchestrator) enter(f *flight, state State, stage Stage, msg string) {
	f.run.enter(state, stage)
	o.status(f, stage, msg, nil)
}

func (o *Orchestrator) status(f *flight, stage Stage, msg string, details map[string]any) {
	f.run.emit(Event{Kind: EventStatus, Status: &StatusUpdate{
		Stage:    stage,
		Message:  msg,
		Progress: stage.Progress(),
		Details:  details,
	}})
}

// call runs fn under a per-stage timeout. A collaborator that ignores its
// context keeps running on its own goroutine, but its result is discarded
// once the deadline or the run's cancellation is observed.
func call[T any](ctx context.Context, o *Orchestrator, stage Stage, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	cctx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%s: panic: %v", stage, r)}
			}
		}()
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		o.metrics.ObserveStage(string(stage), time.Since(start))
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return r.v, r.err
	case <-cctx.Done():
		o.metrics.ObserveStage(string(stage), time.Since(start))
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%s timed out after %s: %w", stage, timeout, cctx.Err())
	}
}

func outcome(f *flight) string {
	switch {
	case f.hit != nil:
		return "cache_hit"
	case f.exhausted != "":
		return "exhausted"
	}
	return "success"
}

func failureMessage(se *StageError) string {
	switch se.Code {
	case CodeIntent:
		return "Could not understand the question: " + se.Err.Error()
	case CodePlanner:
		return "Could not plan a query: " + se.Err.Error()
	case CodeExecutor:
		return "Query execution failed: " + se.Err.Error()
	}
	return "Internal error: " + se.Err.Error()
}
