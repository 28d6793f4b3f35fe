// Package glossary holds the business terms the intent resolver is told
// about. Terms live in a YAML file operators edit by hand, through the API,
// or with sb terms; Reload picks up hand edits without a restart.
package glossary

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/logging"
	"gopkg.in/yaml.v3"
)

// Term is one glossary entry.
type Term = config.TermConfig

// Update changes the given fields of a term; nil fields are left alone.
type Update struct {
	Meaning  *string  `json:"meaning"`
	SQLHint  *string  `json:"sql_hint"`
	Examples []string `json:"examples"`
}

var (
	ErrNotFound = errors.New("glossary: term not found")
	ErrExists   = errors.New("glossary: term already exists")
	ErrReadOnly = errors.New("glossary: no terms file configured")
	ErrInvalid  = errors.New("glossary: term needs a name and a meaning")
)

type document struct {
	Terms []Term `yaml:"terms"`
}

// Glossary is safe for concurrent use.
type Glossary struct {
	path string
	seed []Term
	log  *logging.Logger

	mu    sync.RWMutex
	terms map[string]Term
}

// New loads the glossary described by cfg.
func New(cfg config.TermsConfig, log *logging.Logger) (*Glossary, error) {
	if log == nil {
		log = logging.Nop()
	}
	g := &Glossary{path: cfg.File, seed: cfg.Entries, log: log}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload rereads the terms file. A missing file falls back to the seed
// entries; a malformed one is an error and the current terms are kept.
func (g *Glossary) Reload() error {
	terms := make(map[string]Term)
	list := g.seed
	if g.path != "" {
		data, err := os.ReadFile(g.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			g.log.Debug("glossary: terms file missing, using config entries", "path", g.path)
		case err != nil:
			return fmt.Errorf("glossary: read %s: %w", g.path, err)
		default:
			var doc document
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("glossary: parse %s: %w", g.path, err)
			}
			list = doc.Terms
		}
	}
	for _, t := range list {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			continue
		}
		terms[t.Name] = t
	}

	g.mu.Lock()
	g.terms = terms
	g.mu.Unlock()
	g.log.Info("glossary: loaded", "terms", len(terms))
	return nil
}

// List returns every term sorted by name.
func (g *Glossary) List() []Term {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sorted()
}

// Len returns the number of terms.
func (g *Glossary) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.terms)
}

// Get returns the named term.
func (g *Glossary) Get(name string) (Term, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.terms[name]
	if !ok {
		return Term{}, ErrNotFound
	}
	return t, nil
}

// Add stores a new term and saves the file.
func (g *Glossary) Add(t Term) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" || strings.TrimSpace(t.Meaning) == "" {
		return ErrInvalid
	}
	return g.mutate(func(terms map[string]Term) error {
		if _, ok := terms[t.Name]; ok {
			return ErrExists
		}
		terms[t.Name] = t
		return nil
	})
}

// Update changes an existing term and saves the file.
func (g *Glossary) Update(name string, u Update) (Term, error) {
	var out Term
	err := g.mutate(func(terms map[string]Term) error {
		t, ok := terms[name]
		if !ok {
			return ErrNotFound
		}
		if u.Meaning != nil {
			if strings.TrimSpace(*u.Meaning) == "" {
				return ErrInvalid
			}
			t.Meaning = *u.Meaning
		}
		if u.SQLHint != nil {
			t.SQLHint = *u.SQLHint
		}
		if u.Examples != nil {
			t.Examples = u.Examples
		}
		terms[name] = t
		out = t
		return nil
	})
	return out, err
}

// Delete removes a term and saves the file.
func (g *Glossary) Delete(name string) error {
	return g.mutate(func(terms map[string]Term) error {
		if _, ok := terms[name]; !ok {
			return ErrNotFound
		}
		delete(terms, name)
		return nil
	})
}

// Prompt renders the terms for the intent prompt, or "" when there are
// none.
func (g *Glossary) Prompt() string {
	terms := g.List()
	if len(terms) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Business terms used by this company (apply them when reading the question):\n")
	for _, t := range terms {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Meaning)
		if t.SQLHint != "" {
			fmt.Fprintf(&b, " (SQL hint: %s)", t.SQLHint)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// mutate applies fn to a copy of the terms and keeps the copy only once the
// file is saved.
func (g *Glossary) mutate(fn func(map[string]Term) error) error {
	if g.path == "" {
		return ErrReadOnly
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	next := make(map[string]Term, len(g.terms))
	for k, v := range g.terms {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	prev := g.terms
	g.terms = next
	if err := g.save(); err != nil {
		g.terms = prev
		return err
	}
	return nil
}

// save writes the terms through a temp file and rename. Callers hold mu.
func (g *Glossary) save() error {
	data, err := yaml.Marshal(document{Terms: g.sorted()})
	if err != nil {
		return fmt.Errorf("glossary: marshal: %w", err)
	}
	dir := filepath.Dir(g.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("glossary: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".terms-*.yaml")
	if err != nil {
		return fmt.Errorf("glossary: write %s: %w", g.path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("glossary: write %s: %w", g.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("glossary: write %s: %w", g.path, err)
	}
	if err := os.Rename(tmp.Name(), g.path); err != nil {
		return fmt.Errorf("glossary: write %s: %w", g.path, err)
	}
	return nil
}

func (g *Glossary) sorted() []Term {
	out := make([]Term, 0, len(g.terms))
	for _, t := range g.terms {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
