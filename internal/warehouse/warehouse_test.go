package warehouse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/diagnosis"
	"github.com/zulandar/signalbox/internal/query"
	"gorm.io/gorm"
)

func openWarehouse(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})
	stmts := []string{
		`CREATE TABLE sales (id INTEGER PRIMARY KEY, city TEXT, amount REAL, sold_on TEXT)`,
		`CREATE TABLE cities (name TEXT, region TEXT)`,
		`INSERT INTO sales (city, amount, sold_on) VALUES
			('Beijing City', 120.5, '2026-03-01'),
			('Beijing City', 80, '2026-03-02'),
			('Shanghai', 200, '2026-03-02')`,
		`INSERT INTO cities VALUES ('Beijing City', 'North'), ('Shanghai', 'East')`,
	}
	for _, s := range stmts {
		if err := gormDB.Exec(s).Error; err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
	return gormDB
}

func newTestExecutor(t *testing.T, gormDB *gorm.DB, maxRows int) *Executor {
	t.Helper()
	e, err := NewExecutor(ExecutorOpts{DB: gormDB, MaxRows: maxRows})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

func TestNewExecutor_NilDB(t *testing.T) {
	if _, err := NewExecutor(ExecutorOpts{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestExecute_Rows(t *testing.T) {
	e := newTestExecutor(t, openWarehouse(t), 0)
	res, err := e.Execute(context.Background(), query.Plan{SQL: "SELECT city, SUM(amount) AS total FROM sales GROUP BY city ORDER BY city;"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Columns) != 2 || res.Columns[1] != "total" {
		t.Errorf("Columns = %v", res.Columns)
	}
	if res.RowCount() != 2 {
		t.Fatalf("RowCount = %d, want 2", res.RowCount())
	}
	if res.Rows[0]["city"] != "Beijing City" {
		t.Errorf("first city = %v (%T)", res.Rows[0]["city"], res.Rows[0]["city"])
	}
	if res.IsEmpty() {
		t.Error("result should not be empty")
	}
}

func TestExecute_EmptyResults(t *testing.T) {
	e := newTestExecutor(t, openWarehouse(t), 0)
	tests := []struct {
		name string
		sql  string
	}{
		{"no rows", "SELECT * FROM sales WHERE city = 'Beijing'"},
		{"null aggregate", "SELECT SUM(amount) FROM sales WHERE city = 'Beijing'"},
		{"zero count", "SELECT COUNT(*) FROM sales WHERE city = 'Beijing'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), query.Plan{SQL: tt.sql})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.IsEmpty() {
				t.Errorf("IsEmpty = false for %v", res.Rows)
			}
		})
	}
}

func TestExecute_MaxRows(t *testing.T) {
	e := newTestExecutor(t, openWarehouse(t), 2)
	res, err := e.Execute(context.Background(), query.Plan{SQL: "SELECT * FROM sales"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.RowCount() != 2 {
		t.Errorf("RowCount = %d, want 2", res.RowCount())
	}
}

func TestExecute_RejectsWrites(t *testing.T) {
	e := newTestExecutor(t, openWarehouse(t), 0)
	for _, sql := range []string{"DELETE FROM sales", "UPDATE sales SET amount = 0", "  drop table sales"} {
		if _, err := e.Execute(context.Background(), query.Plan{SQL: sql}); !errors.Is(err, ErrNotReadOnly) {
			t.Errorf("%q: err = %v, want ErrNotReadOnly", sql, err)
		}
	}
	if _, err := e.Execute(context.Background(), query.Plan{SQL: "WITH t AS (SELECT 1 AS n) SELECT n FROM t"}); err != nil {
		t.Errorf("WITH query: %v", err)
	}
}

func TestExecute_SchemaErrors(t *testing.T) {
	e := newTestExecutor(t, openWarehouse(t), 0)
	tests := []struct {
		name string
		sql  string
		kind query.FaultKind
		id   string
	}{
		{"missing table", "SELECT * FROM sale", query.FaultTable, "sale"},
		{"missing column", "SELECT amout FROM sales", query.FaultColumn, "amout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), query.Plan{SQL: tt.sql})
			se, ok := query.AsSchemaError(err)
			if !ok {
				t.Fatalf("err = %v, want *query.SchemaError", err)
			}
			if se.Kind != tt.kind || se.Name != tt.id {
				t.Errorf("SchemaError = {%s %s}, want {%s %s}", se.Kind, se.Name, tt.kind, tt.id)
			}
		})
	}
}

func TestExecute_SyntaxErrorIsNotSchema(t *testing.T) {
	e := newTestExecutor(t, openWarehouse(t), 0)
	_, err := e.Execute(context.Background(), query.Plan{SQL: "SELECT FROM WHERE"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := query.AsSchemaError(err); ok {
		t.Errorf("syntax error classified as schema error: %v", err)
	}
}

func TestClassify_MySQL(t *testing.T) {
	tests := []struct {
		name   string
		err    *mysqldriver.MySQLError
		schema bool
		kind   query.FaultKind
		id     string
	}{
		{"no such table", &mysqldriver.MySQLError{Number: 1146, Message: "Table 'shop.sale' doesn't exist"}, true, query.FaultTable, "sale"},
		{"unknown column", &mysqldriver.MySQLError{Number: 1054, Message: "Unknown column 's.amout' in 'field list'"}, true, query.FaultColumn, "s.amout"},
		{"access denied", &mysqldriver.MySQLError{Number: 1142, Message: "SELECT command denied"}, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			se, ok := query.AsSchemaError(err)
			if ok != tt.schema {
				t.Fatalf("schema = %v, want %v (%v)", ok, tt.schema, err)
			}
			if !ok {
				if !strings.Contains(err.Error(), "mysql 1142") {
					t.Errorf("err = %v", err)
				}
				return
			}
			if se.Kind != tt.kind || se.Name != tt.id {
				t.Errorf("SchemaError = {%s %s}, want {%s %s}", se.Kind, se.Name, tt.kind, tt.id)
			}
		})
	}
}

func TestClassify_ContextErrorsPassThrough(t *testing.T) {
	if err := classify(context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func TestCatalog(t *testing.T) {
	gormDB := openWarehouse(t)
	c := NewCatalog(gormDB, time.Minute)
	ctx := context.Background()

	tables, err := c.Tables(ctx)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if strings.Join(tables, ",") != "cities,sales" {
		t.Errorf("Tables = %v", tables)
	}
	cols, err := c.Columns(ctx, "sales")
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if strings.Join(cols, ",") != "id,city,amount,sold_on" {
		t.Errorf("Columns = %v", cols)
	}
	if cols, err := c.Columns(ctx, "nope"); err != nil || cols != nil {
		t.Errorf("unknown table: %v, %v", cols, err)
	}

	// Cached until invalidated.
	if err := gormDB.Exec("CREATE TABLE refunds (id INTEGER)").Error; err != nil {
		t.Fatal(err)
	}
	tables, _ = c.Tables(ctx)
	if len(tables) != 2 {
		t.Errorf("cached Tables = %v", tables)
	}
	c.Invalidate()
	tables, _ = c.Tables(ctx)
	if len(tables) != 3 {
		t.Errorf("refreshed Tables = %v", tables)
	}
}

func TestCatalog_FindsCorrection(t *testing.T) {
	e := newTestExecutor(t, openWarehouse(t), 0)
	c := NewCatalog(e.db, 0)
	_, err := e.Execute(context.Background(), query.Plan{SQL: "SELECT * FROM Sale"})
	fault, ok := diagnosis.ParseSchemaError(err)
	if !ok {
		t.Fatalf("unparsable: %v", err)
	}
	fix, err := diagnosis.FindCorrection(context.Background(), c, fault, []string{"Sale"})
	if err != nil {
		t.Fatalf("FindCorrection: %v", err)
	}
	if fix.To != "sales" {
		t.Errorf("fix = %s, want -> sales", fix)
	}
}

// ---------------------------------------------------------------------------
// Prober
// ---------------------------------------------------------------------------

func newTestProber(t *testing.T, gormDB *gorm.DB, variants VariantSource) *Prober {
	t.Helper()
	p, err := NewProber(ProberOpts{DB: gormDB, Catalog: NewCatalog(gormDB, time.Minute), Variants: variants})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}
	return p
}

func TestStoredValues_RequiresDBAndCatalog(t *testing.T) {
	if _, err := NewProber(ProberOpts{}); err == nil {
		t.Error("expected error for missing db")
	}
	gormDB := openWarehouse(t)
	if _, err := NewProber(ProberOpts{DB: gormDB}); err == nil {
		t.Error("expected error for missing catalog")
	}
}

func TestProber(t *testing.T) {
	gormDB := openWarehouse(t)
	p := newTestProber(t, gormDB, nil)

	hits, err := p.Probe(context.Background(), "sales in beijing", []string{"sales"}, []diagnosis.Entity{
		{Value: "beijing", Table: "sales", Column: "city"},
		{Value: "Shang", Column: "city"},    // no table given; only sales has city
		{Value: "North", Column: "region"},  // resolved to cities
		{Value: "Paris", Column: "city"},    // nothing stored
		{Value: "quoted phrase"},            // no column; nothing in sales text columns
		{Value: "x", Column: "no_such_col"}, // no table has it
	})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	got := map[string][]string{}
	for _, h := range hits {
		got[h.Entity.Value] = h.Values
	}
	if len(got) != 3 {
		t.Fatalf("hits = %v, want 3 entities", got)
	}
	if v := got["beijing"]; len(v) != 1 || v[0] != "Beijing City" {
		t.Errorf("beijing = %v", v)
	}
	if v := got["Shang"]; len(v) != 1 || v[0] != "Shanghai" {
		t.Errorf("Shang = %v", v)
	}
	if v := got["North"]; len(v) != 1 || v[0] != "North" {
		t.Errorf("North = %v", v)
	}

	maps := diagnosis.MapValues(hits)
	if len(maps) != 2 {
		t.Errorf("mappings = %+v, want beijing and Shang only", maps)
	}
}

func TestStoredValues_LiteralLongerThanStored(t *testing.T) {
	gormDB := openWarehouse(t)
	stmts := []string{
		`CREATE TABLE districts (name TEXT, region TEXT, population INTEGER)`,
		`INSERT INTO districts VALUES ('Chaoyang', 'Beijing', 3450000), ('Pudong', 'Shanghai', 5680000)`,
	}
	for _, s := range stmts {
		if err := gormDB.Exec(s).Error; err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
	p := newTestProber(t, gormDB, nil)

	question := `population of "Beijing City"`
	sql := "SELECT SUM(population) FROM districts WHERE region = 'Beijing City'"
	entities := diagnosis.ExtractEntities(question, sql, []string{"districts"})
	if len(entities) != 2 || entities[1].Column != "" {
		t.Fatalf("entities = %+v, want a predicate entity and a question entity", entities)
	}

	hits, err := p.Probe(context.Background(), question, []string{"districts"}, entities)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %+v, want one per entity", hits)
	}
	for _, h := range hits {
		if h.Entity.Table != "districts" || h.Entity.Column != "region" {
			t.Errorf("hit located at %s.%s, want districts.region", h.Entity.Table, h.Entity.Column)
		}
		if len(h.Values) != 1 || h.Values[0] != "Beijing" {
			t.Errorf("values = %v, want [Beijing]", h.Values)
		}
	}

	maps := diagnosis.MapValues(hits)
	if len(maps) != 1 {
		t.Fatalf("mappings = %+v, want one", maps)
	}
	if maps[0].Entity.Value != "Beijing City" || maps[0].Value != "Beijing" {
		t.Errorf("mapping = %+v, want Beijing City -> Beijing", maps[0])
	}
}

type fixedVariants map[string][]string

func (f fixedVariants) Variants(_ context.Context, _ string, ent diagnosis.Entity) ([]string, error) {
	if vs, ok := f[ent.Value]; ok {
		return vs, nil
	}
	return nil, errors.New("no suggestions")
}

func TestStoredValues_ModelVariants(t *testing.T) {
	gormDB := openWarehouse(t)
	p := newTestProber(t, gormDB, fixedVariants{"上海": {"Shanghai"}})

	hits, err := p.Probe(context.Background(), "上海的销售额", []string{"sales"}, []diagnosis.Entity{
		{Value: "上海", Column: "city"},
		{Value: "巴黎", Column: "city"}, // variant source fails; the search carries on
	})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(hits) != 1 || len(hits[0].Values) != 1 || hits[0].Values[0] != "Shanghai" {
		t.Fatalf("hits = %+v, want 上海 -> Shanghai", hits)
	}
}

func TestSearchTermsAndRank(t *testing.T) {
	terms := searchTerms("Beijing City", []string{"beijing city", "BJ", "x"})
	if strings.Join(terms, "|") != "Beijing City|BJ|Beijing|City" {
		t.Errorf("searchTerms = %v", terms)
	}
	if got := searchTerms("x", nil); len(got) != 1 {
		t.Errorf("single-rune literal dropped: %v", got)
	}

	vals := []string{"Mexico City", "Beijing", "Beijing City Center", "beijing city"}
	rank("Beijing City", vals)
	want := "beijing city|Beijing City Center|Beijing|Mexico City"
	if strings.Join(vals, "|") != want {
		t.Errorf("rank = %v, want %s", vals, want)
	}
}

func TestCatalog_TextColumns(t *testing.T) {
	gormDB := openWarehouse(t)
	c := NewCatalog(gormDB, time.Minute)
	cols, err := c.TextColumns(context.Background(), "sales")
	if err != nil {
		t.Fatalf("TextColumns: %v", err)
	}
	if strings.Join(cols, ",") != "city,sold_on" {
		t.Errorf("TextColumns = %v, want city,sold_on", cols)
	}
	if cols, err := c.TextColumns(context.Background(), "missing"); err != nil || cols != nil {
		t.Errorf("unknown table = %v, %v", cols, err)
	}
}
