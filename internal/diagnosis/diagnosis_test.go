package diagnosis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/signalbox/internal/query"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProber struct {
	mu     sync.Mutex
	calls  int
	probed []Entity
	tables []string
	hits   []ProbeHit
	err    error
}

func (p *fakeProber) Probe(_ context.Context, _ string, tables []string, entities []Entity) ([]ProbeHit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.tables = tables
	p.probed = append(p.probed, entities...)
	if p.err != nil {
		return nil, p.err
	}
	return p.hits, nil
}

type fakeReplanner struct {
	mu          sync.Mutex
	replans     int
	corrections []Correction
	hints       []Mapping
	err         error
}

func (r *fakeReplanner) Replan(_ context.Context, _ string, failed query.Plan, hints []Mapping) (query.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replans++
	r.hints = hints
	if r.err != nil {
		return query.Plan{}, r.err
	}
	sql := failed.SQL
	for _, h := range hints {
		sql = strings.ReplaceAll(sql, "'"+h.Entity.Value+"'", "'"+h.Value+"'")
	}
	return query.Plan{SQL: sql, Tables: failed.Tables}, nil
}

func (r *fakeReplanner) Correct(_ context.Context, _ string, failed query.Plan, fix Correction) (query.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corrections = append(r.corrections, fix)
	if r.err != nil {
		return query.Plan{}, r.err
	}
	return ApplyCorrection(failed, fix), nil
}

type fakeCatalog struct {
	tables  []string
	columns map[string][]string
	aliases map[string]string
}

func (c *fakeCatalog) Tables(context.Context) ([]string, error) { return c.tables, nil }

func (c *fakeCatalog) Columns(_ context.Context, table string) ([]string, error) {
	return c.columns[table], nil
}

func (c *fakeCatalog) ResolveAlias(_ context.Context, _ query.FaultKind, name string) (string, bool, error) {
	to, ok := c.aliases[strings.ToLower(name)]
	return to, ok, nil
}

func newTestEngine(t *testing.T, p *fakeProber, r *fakeReplanner, c *fakeCatalog) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOpts{Prober: p, Planner: r, Catalog: c})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func salesCatalog() *fakeCatalog {
	return &fakeCatalog{
		tables: []string{"sales", "customers", "order_items"},
		columns: map[string][]string{
			"sales":     {"id", "Region", "amount", "sold_at"},
			"customers": {"id", "name", "city"},
		},
		aliases: map[string]string{"revenue": "sales"},
	}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(EngineOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDiagnose_CapCheckedBeforeCollaborators(t *testing.T) {
	for _, limit := range []int{0, 1, 2} {
		p := &fakeProber{}
		r := &fakeReplanner{}
		e := newTestEngine(t, p, r, salesCatalog())

		act, err := e.Diagnose(context.Background(), limit+1, limit,
			Signal{Trigger: TriggerEmptyResult},
			RunContext{Plan: query.Plan{SQL: "SELECT * FROM sales WHERE Region = 'east'"}})
		if err != nil {
			t.Fatalf("cap %d: %v", limit, err)
		}
		if act.Resolved() || act.Attempt.Outcome != OutcomeExhausted || act.Reason != ReasonCapReached {
			t.Errorf("cap %d: action = %+v", limit, act)
		}
		if p.calls != 0 || r.replans != 0 {
			t.Errorf("cap %d: collaborators called (probe=%d replan=%d)", limit, p.calls, r.replans)
		}
	}
}

func TestDiagnose_EmptyResultResolved(t *testing.T) {
	p := &fakeProber{hits: []ProbeHit{{
		Entity: Entity{Value: "east", Table: "sales", Column: "Region"},
		Values: []string{"East China", "West China"},
	}}}
	r := &fakeReplanner{}
	e := newTestEngine(t, p, r, salesCatalog())

	rc := RunContext{
		Question: "total sales in east last month",
		Plan:     query.Plan{SQL: "SELECT SUM(amount) FROM sales WHERE Region = 'east'", Tables: []string{"sales"}},
	}
	act, err := e.Diagnose(context.Background(), 1, 2, Signal{Trigger: TriggerEmptyResult}, rc)
	if err != nil {
		t.Fatal(err)
	}
	if !act.Resolved() {
		t.Fatalf("expected resolved, got %+v", act)
	}
	if !strings.Contains(act.Plan.SQL, "'East China'") {
		t.Errorf("plan SQL = %q", act.Plan.SQL)
	}
	if act.Attempt.Number != 1 || act.Attempt.Trigger != TriggerEmptyResult {
		t.Errorf("attempt = %+v", act.Attempt)
	}
	if len(r.hints) != 1 || r.hints[0].Value != "East China" {
		t.Errorf("hints = %+v", r.hints)
	}
}

func TestDiagnose_EmptyResultExhaustion(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		prober *fakeProber
		reason string
	}{
		{"no entities", "SELECT COUNT(*) FROM sales", &fakeProber{}, ReasonNoEntities},
		{"no hits", "SELECT * FROM sales WHERE Region = 'mars'", &fakeProber{}, ReasonNoMapping},
		{"value already exact", "SELECT * FROM sales WHERE Region = 'East'", &fakeProber{hits: []ProbeHit{{
			Entity: Entity{Value: "East"}, Values: []string{"East"},
		}}}, ReasonNoMapping},
		{"probe error", "SELECT * FROM sales WHERE Region = 'x'", &fakeProber{err: errors.New("llm down")}, ReasonCollaborator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.prober, &fakeReplanner{}, salesCatalog())
			act, err := e.Diagnose(context.Background(), 1, 2,
				Signal{Trigger: TriggerEmptyResult},
				RunContext{Plan: query.Plan{SQL: tt.sql, Tables: []string{"sales"}}})
			if err != nil {
				t.Fatal(err)
			}
			if act.Resolved() {
				t.Fatalf("expected exhausted, got %+v", act)
			}
			if !strings.HasPrefix(act.Reason, tt.reason) {
				t.Errorf("reason = %q, want prefix %q", act.Reason, tt.reason)
			}
		})
	}
}

func TestDiagnose_KnownMappingsCarriedForward(t *testing.T) {
	p := &fakeProber{hits: []ProbeHit{{
		Entity: Entity{Value: "online", Table: "sales", Column: "channel"},
		Values: []string{"Online Store"},
	}}}
	r := &fakeReplanner{}
	e := newTestEngine(t, p, r, salesCatalog())

	known := []Mapping{{Entity: Entity{Value: "east", Table: "sales", Column: "Region"}, Value: "East China"}}
	rc := RunContext{
		Question: `sales in "east" through online`,
		Plan: query.Plan{
			SQL:    "SELECT SUM(amount) FROM sales WHERE Region = 'East China' AND channel = 'online'",
			Tables: []string{"sales"},
		},
		Known: known,
	}
	act, err := e.Diagnose(context.Background(), 2, 3, Signal{Trigger: TriggerEmptyResult}, rc)
	if err != nil {
		t.Fatal(err)
	}
	if !act.Resolved() {
		t.Fatalf("expected resolved, got %+v", act)
	}
	for _, ent := range p.probed {
		if strings.EqualFold(ent.Value, "east") {
			t.Errorf("mapped entity looked up again: %+v", ent)
		}
	}
	if len(p.tables) != 1 || p.tables[0] != "sales" {
		t.Errorf("probe tables = %v", p.tables)
	}
	if len(act.Mappings) != 1 || act.Mappings[0].Value != "Online Store" {
		t.Errorf("new mappings = %+v", act.Mappings)
	}
	if len(r.hints) != 2 || r.hints[0].Value != "East China" || r.hints[1].Value != "Online Store" {
		t.Errorf("hints = %+v, want known then new", r.hints)
	}
}

func TestDiagnose_AllEntitiesAlreadyMapped(t *testing.T) {
	p := &fakeProber{}
	r := &fakeReplanner{}
	e := newTestEngine(t, p, r, salesCatalog())

	rc := RunContext{
		Question: `sales in "east"`,
		Plan:     query.Plan{SQL: "SELECT SUM(amount) FROM sales", Tables: []string{"sales"}},
		Known:    []Mapping{{Entity: Entity{Value: "East"}, Value: "East China"}},
	}
	act, err := e.Diagnose(context.Background(), 2, 3, Signal{Trigger: TriggerEmptyResult}, rc)
	if err != nil {
		t.Fatal(err)
	}
	if act.Resolved() || act.Reason != ReasonAllMapped {
		t.Errorf("action = %+v, want exhausted with %q", act, ReasonAllMapped)
	}
	if p.calls != 0 || r.replans != 0 {
		t.Errorf("collaborators called (probe=%d replan=%d)", p.calls, r.replans)
	}
}

func TestDiagnose_SchemaErrorCorrected(t *testing.T) {
	r := &fakeReplanner{}
	e := newTestEngine(t, &fakeProber{}, r, salesCatalog())

	rc := RunContext{Plan: query.Plan{SQL: "SELECT SUM(amount) FROM sale", Tables: []string{"sale"}}}
	act, err := e.Diagnose(context.Background(), 1, 2, Signal{
		Trigger: TriggerSchemaError,
		Err:     errors.New("Error 1146 (42S02): Table 'shop.sale' doesn't exist"),
	}, rc)
	if err != nil {
		t.Fatal(err)
	}
	if !act.Resolved() {
		t.Fatalf("expected resolved, got %+v", act)
	}
	if act.Plan.SQL != "SELECT SUM(amount) FROM sales" {
		t.Errorf("SQL = %q", act.Plan.SQL)
	}
	if len(act.Plan.Tables) != 1 || act.Plan.Tables[0] != "sales" {
		t.Errorf("Tables = %v", act.Plan.Tables)
	}
	if act.Attempt.Action != "correct_table" {
		t.Errorf("Action = %q", act.Attempt.Action)
	}
}

func TestDiagnose_SchemaErrorNoCorrectionSkipsPlanner(t *testing.T) {
	r := &fakeReplanner{}
	e := newTestEngine(t, &fakeProber{}, r, salesCatalog())

	act, err := e.Diagnose(context.Background(), 1, 2, Signal{
		Trigger: TriggerSchemaError,
		Err:     errors.New("no such table: invoices"),
	}, RunContext{Plan: query.Plan{SQL: "SELECT * FROM invoices", Tables: []string{"invoices"}}})
	if err != nil {
		t.Fatal(err)
	}
	if act.Resolved() || act.Reason != ReasonNoCorrection {
		t.Errorf("action = %+v", act)
	}
	if len(r.corrections) != 0 {
		t.Errorf("planner called %d times", len(r.corrections))
	}
}

func TestDiagnose_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newTestEngine(t, &fakeProber{}, &fakeReplanner{}, salesCatalog())
	_, err := e.Diagnose(ctx, 1, 2, Signal{Trigger: TriggerEmptyResult}, RunContext{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Schema parsing and correction
// ---------------------------------------------------------------------------

func TestParseSchemaError(t *testing.T) {
	tests := []struct {
		msg       string
		kind      query.FaultKind
		name      string
		qualifier string
		ok        bool
	}{
		{"Error 1146 (42S02): Table 'shop.orders' doesn't exist", query.FaultTable, "orders", "", true},
		{"table `Sales` doesn't exist", query.FaultTable, "Sales", "", true},
		{"no such table: main.orders", query.FaultTable, "orders", "", true},
		{"Error 1054 (42S22): Unknown column 's.regoin' in 'where clause'", query.FaultColumn, "regoin", "s", true},
		{"no such column: amout", query.FaultColumn, "amout", "", true},
		{"connection refused", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			f, ok := ParseSchemaError(errors.New(tt.msg))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if f.Kind != tt.kind || f.Name != tt.name || f.Qualifier != tt.qualifier {
				t.Errorf("fault = %+v", f)
			}
		})
	}

	f, ok := ParseSchemaError(&query.SchemaError{Kind: query.FaultColumn, Name: "t.c", Err: errors.New("x")})
	if !ok || f.Name != "c" || f.Qualifier != "t" {
		t.Errorf("typed schema error = %+v, %v", f, ok)
	}
	if !IsSchemaError(&query.SchemaError{Err: errors.New("opaque")}) {
		t.Error("typed schema error without name should still route to schema branch")
	}
}

func TestFindCorrection(t *testing.T) {
	cat := salesCatalog()
	ctx := context.Background()
	tests := []struct {
		name   string
		fault  Fault
		tables []string
		want   Correction
		err    error
	}{
		{"mis-cased table", Fault{Kind: query.FaultTable, Name: "Sales"}, nil,
			Correction{Kind: query.FaultTable, From: "Sales", To: "sales"}, nil},
		{"alias table", Fault{Kind: query.FaultTable, Name: "revenue"}, nil,
			Correction{Kind: query.FaultTable, From: "revenue", To: "sales"}, nil},
		{"similar table", Fault{Kind: query.FaultTable, Name: "customer"}, nil,
			Correction{Kind: query.FaultTable, From: "customer", To: "customers"}, nil},
		{"unknown table", Fault{Kind: query.FaultTable, Name: "invoices"}, nil, Correction{}, ErrNoCorrection},
		{"mis-cased column", Fault{Kind: query.FaultColumn, Name: "region", Qualifier: "sales"}, []string{"customers", "sales"},
			Correction{Kind: query.FaultColumn, From: "region", To: "Region", Table: "sales"}, nil},
		{"unknown column", Fault{Kind: query.FaultColumn, Name: "profit"}, []string{"sales"}, Correction{}, ErrNoCorrection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindCorrection(ctx, cat, tt.fault, tt.tables)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("correction = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSimilarNames(t *testing.T) {
	got := SimilarNames("order", []string{"orders", "order_items", "Order", "users"})
	if len(got) != 2 || got[0] != "orders" || got[1] != "order_items" {
		t.Errorf("SimilarNames = %v", got)
	}
}

func TestApplyCorrection(t *testing.T) {
	p := query.Plan{SQL: "SELECT s.amount FROM sale s ORDER BY s.amount", Tables: []string{"sale"}}
	got := ApplyCorrection(p, Correction{Kind: query.FaultTable, From: "sale", To: "sales"})
	if got.SQL != "SELECT s.amount FROM sales s ORDER BY s.amount" {
		t.Errorf("SQL = %q", got.SQL)
	}
	if got.Tables[0] != "sales" {
		t.Errorf("Tables = %v", got.Tables)
	}
	if p.Tables[0] != "sale" {
		t.Error("ApplyCorrection must not mutate its input")
	}
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

func TestExtractEntities(t *testing.T) {
	sql := "SELECT * FROM sales s WHERE s.Region = 'east' AND city LIKE '%Shang%' AND channel IN ('web', 'app') AND Region = 'east'"
	got := ExtractEntities(`sales for "Acme Corp"`, sql, []string{"sales"})

	want := []Entity{
		{Value: "east", Table: "sales", Column: "Region"},
		{Value: "Shang", Table: "sales", Column: "city"},
		{Value: "web", Table: "sales", Column: "channel"},
		{Value: "app", Table: "sales", Column: "channel"},
		{Value: "Acme Corp"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entities: %+v", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entity %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMapValues(t *testing.T) {
	hits := []ProbeHit{
		{Entity: Entity{Value: "beijing"}, Values: []string{"Shanghai", "Beijing"}},
		{Entity: Entity{Value: "east"}, Values: []string{"North", "East China"}},
		{Entity: Entity{Value: "mars"}, Values: []string{"Earth"}},
		{Entity: Entity{Value: "web"}, Values: []string{"web"}},
		{Entity: Entity{Value: "none"}},
	}
	hits = append(hits, ProbeHit{Entity: Entity{Value: "Beijing", Column: "city"}, Values: []string{"Beijing Shi"}})
	got := MapValues(hits)
	want := []string{"Beijing", "East China", "Earth"}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i, w := range want {
		if got[i].Value != w {
			t.Errorf("mapping %d = %q, want %q", i, got[i].Value, w)
		}
	}
}

func TestUnmapped(t *testing.T) {
	entities := []Entity{{Value: "east", Column: "Region"}, {Value: "East"}, {Value: "web"}}
	known := []Mapping{{Entity: Entity{Value: "EAST"}, Value: "East China"}}

	got := Unmapped(entities, known)
	if len(got) != 1 || got[0].Value != "web" {
		t.Errorf("Unmapped = %+v", got)
	}
	if got := Unmapped(entities, nil); len(got) != 3 {
		t.Errorf("Unmapped without known = %+v", got)
	}
}
