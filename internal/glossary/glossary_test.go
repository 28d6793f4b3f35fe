package glossary

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/config"
)

func seedTerms() []config.TermConfig {
	return []config.TermConfig{
		{Name: "GMV", Meaning: "gross merchandise value", SQLHint: "SUM(order_amount)"},
		{Name: "DAU", Meaning: "daily active users"},
	}
}

func TestNew_SeedsWithoutFile(t *testing.T) {
	g, err := New(config.TermsConfig{Entries: seedTerms()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	terms := g.List()
	if len(terms) != 2 || terms[0].Name != "DAU" || terms[1].Name != "GMV" {
		t.Errorf("List = %+v, want DAU, GMV", terms)
	}
	if err := g.Add(config.TermConfig{Name: "ARPU", Meaning: "average revenue per user"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Add without file = %v, want ErrReadOnly", err)
	}
}

func TestNew_FileWinsOverSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.yaml")
	doc := "terms:\n  - name: ARPU\n    meaning: average revenue per user\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := New(config.TermsConfig{File: path, Entries: seedTerms()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("Len = %d, want 1", g.Len())
	}
	if _, err := g.Get("GMV"); !errors.Is(err, ErrNotFound) {
		t.Errorf("seed term present although file exists: %v", err)
	}
}

func TestNew_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.yaml")
	if err := os.WriteFile(path, []byte("terms: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(config.TermsConfig{File: path}, nil); err == nil || !strings.Contains(err.Error(), "glossary: parse") {
		t.Errorf("error = %v, want glossary: parse", err)
	}
}

func TestGlossary_CRUDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "terms.yaml")
	g, err := New(config.TermsConfig{File: path, Entries: seedTerms()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.Add(config.TermConfig{Name: "ARPU", Meaning: "average revenue per user", Examples: []string{"ARPU by month"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Add(config.TermConfig{Name: "ARPU", Meaning: "again"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Add = %v, want ErrExists", err)
	}
	if err := g.Add(config.TermConfig{Name: "  "}); !errors.Is(err, ErrInvalid) {
		t.Errorf("blank Add = %v, want ErrInvalid", err)
	}

	hint := "SUM(paid_amount)"
	got, err := g.Update("GMV", Update{SQLHint: &hint})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.SQLHint != hint || got.Meaning != "gross merchandise value" {
		t.Errorf("Update = %+v", got)
	}
	if _, err := g.Update("nope", Update{SQLHint: &hint}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown = %v, want ErrNotFound", err)
	}
	if err := g.Delete("DAU"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := g.Delete("DAU"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}

	// A fresh glossary on the same file sees every change.
	again, err := New(config.TermsConfig{File: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	names := []string{}
	for _, term := range again.List() {
		names = append(names, term.Name)
	}
	if strings.Join(names, ",") != "ARPU,GMV" {
		t.Errorf("reopened terms = %v, want ARPU,GMV", names)
	}
	if term, _ := again.Get("GMV"); term.SQLHint != hint {
		t.Errorf("GMV after reopen = %+v", term)
	}
	if term, _ := again.Get("ARPU"); len(term.Examples) != 1 {
		t.Errorf("ARPU after reopen = %+v", term)
	}
}

func TestGlossary_ReloadPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.yaml")
	g, err := New(config.TermsConfig{File: path, Entries: seedTerms()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Len() != 2 {
		t.Fatalf("Len = %d, want seeded 2", g.Len())
	}

	doc := "terms:\n  - name: GMV\n    meaning: gross merchandise value\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := g.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if g.Len() != 1 {
		t.Errorf("Len after reload = %d, want 1", g.Len())
	}

	if err := os.WriteFile(path, []byte("terms: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := g.Reload(); err == nil {
		t.Error("expected parse error")
	}
	if g.Len() != 1 {
		t.Errorf("failed reload dropped terms: Len = %d", g.Len())
	}
}

func TestGlossary_Prompt(t *testing.T) {
	empty, err := New(config.TermsConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p := empty.Prompt(); p != "" {
		t.Errorf("empty Prompt = %q", p)
	}

	g, err := New(config.TermsConfig{Entries: seedTerms()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := g.Prompt()
	if !strings.Contains(p, "- GMV: gross merchandise value (SQL hint: SUM(order_amount))") {
		t.Errorf("Prompt missing GMV line:\n%s", p)
	}
	if !strings.Contains(p, "- DAU: daily active users") || strings.Contains(p, "DAU: daily active users (SQL") {
		t.Errorf("Prompt DAU line wrong:\n%s", p)
	}
}
