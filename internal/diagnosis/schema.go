package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zulandar/signalbox/internal/query"
)

var (
	missingTablePatterns = []*regexp.Regexp{
		regexp.MustCompile("(?i)table\\s+['\"`]?(?:\\w+\\.)?([^\\s'\"`]+)['\"`]?\\s+doesn't\\s+exist"),
		regexp.MustCompile("(?i)no\\s+such\\s+table:\\s*(?:\\w+\\.)?([\\w]+)"),
	}
	unknownColumnPatterns = []*regexp.Regexp{
		regexp.MustCompile("(?i)unknown\\s+column\\s+['\"`]?([\\w\\.]+)['\"`]?"),
		regexp.MustCompile("(?i)no\\s+such\\s+column:\\s*([\\w\\.]+)"),
	}
)

// Fault is the offending identifier parsed out of a schema error.
type Fault struct {
	Kind      query.FaultKind
	Name      string // bare identifier
	Qualifier string // table or alias prefix for columns, if any
}

// ParseSchemaError extracts the missing table or column from err. It
// understands MySQL and SQLite wording, and trusts Kind/Name already set on
// a *query.SchemaError.
func ParseSchemaError(err error) (Fault, bool) {
	if err == nil {
		return Fault{}, false
	}
	if se, ok := query.AsSchemaError(err); ok && se.Name != "" && se.Kind != query.FaultUnknown {
		return splitFault(se.Kind, se.Name), true
	}
	msg := err.Error()
	for _, re := range missingTablePatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			return Fault{Kind: query.FaultTable, Name: m[1]}, true
		}
	}
	for _, re := range unknownColumnPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			return splitFault(query.FaultColumn, m[1]), true
		}
	}
	return Fault{}, false
}

// IsSchemaError reports whether err should be routed to the schema branch.
func IsSchemaError(err error) bool {
	if _, ok := query.AsSchemaError(err); ok {
		return true
	}
	_, ok := ParseSchemaError(err)
	return ok
}

func splitFault(kind query.FaultKind, name string) Fault {
	f := Fault{Kind: kind, Name: name}
	if kind == query.FaultColumn {
		if i := strings.LastIndex(name, "."); i >= 0 {
			f.Qualifier = name[:i]
			f.Name = name[i+1:]
		}
	}
	return f
}

// SchemaCatalog answers existence questions about the warehouse schema.
type SchemaCatalog interface {
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]string, error)
}

// AliasResolver is optionally implemented by a SchemaCatalog that knows
// business aliases for tables or columns.
type AliasResolver interface {
	ResolveAlias(ctx context.Context, kind query.FaultKind, name string) (string, bool, error)
}

// Correction is an identifier substitution that should make a query valid.
type Correction struct {
	Kind  query.FaultKind `json:"kind"`
	From  string          `json:"from"`
	To    string          `json:"to"`
	Table string          `json:"table,omitempty"` // owning table for column fixes
}

func (c Correction) String() string {
	return fmt.Sprintf("%s %s -> %s", c.Kind, c.From, c.To)
}

// ErrNoCorrection means the catalog offers nothing that explains the fault.
var ErrNoCorrection = errors.New("diagnosis: no correction found")

// FindCorrection checks f against the catalog. A fault is correctable when
// the name differs from a real identifier only by case, is a known alias, or
// (for tables) matches exactly one similar table name.
func FindCorrection(ctx context.Context, catalog SchemaCatalog, f Fault, planTables []string) (Correction, error) {
	switch f.Kind {
	case query.FaultTable:
		return findTableCorrection(ctx, catalog, f)
	case query.FaultColumn:
		return findColumnCorrection(ctx, catalog, f, planTables)
	}
	return Correction{}, ErrNoCorrection
}

func findTableCorrection(ctx context.Context, catalog SchemaCatalog, f Fault) (Correction, error) {
	tables, err := catalog.Tables(ctx)
	if err != nil {
		return Correction{}, fmt.Errorf("diagnosis: list tables: %w", err)
	}
	for _, t := range tables {
		if strings.EqualFold(t, f.Name) && t != f.Name {
			return Correction{Kind: query.FaultTable, From: f.Name, To: t}, nil
		}
	}
	if to, ok, err := resolveAlias(ctx, catalog, query.FaultTable, f.Name); err != nil {
		return Correction{}, err
	} else if ok {
		return Correction{Kind: query.FaultTable, From: f.Name, To: to}, nil
	}
	if similar := SimilarNames(f.Name, tables); len(similar) == 1 {
		return Correction{Kind: query.FaultTable, From: f.Name, To: similar[0]}, nil
	}
	return Correction{}, ErrNoCorrection
}

func findColumnCorrection(ctx context.Context, catalog SchemaCatalog, f Fault, planTables []string) (Correction, error) {
	candidates := planTables
	if f.Qualifier != "" {
		for _, t := range planTables {
			if strings.EqualFold(t, f.Qualifier) {
				candidates = []string{t}
				break
			}
		}
	}
	for _, table := range candidates {
		cols, err := catalog.Columns(ctx, table)
		if err != nil {
			return Correction{}, fmt.Errorf("diagnosis: list columns of %s: %w", table, err)
		}
		for _, c := range cols {
			if strings.EqualFold(c, f.Name) && c != f.Name {
				return Correction{Kind: query.FaultColumn, From: f.Name, To: c, Table: table}, nil
			}
		}
	}
	if to, ok, err := resolveAlias(ctx, catalog, query.FaultColumn, f.Name); err != nil {
		return Correction{}, err
	} else if ok {
		return Correction{Kind: query.FaultColumn, From: f.Name, To: to}, nil
	}
	return Correction{}, ErrNoCorrection
}

func resolveAlias(ctx context.Context, catalog SchemaCatalog, kind query.FaultKind, name string) (string, bool, error) {
	ar, ok := catalog.(AliasResolver)
	if !ok {
		return "", false, nil
	}
	to, found, err := ar.ResolveAlias(ctx, kind, name)
	if err != nil {
		return "", false, fmt.Errorf("diagnosis: resolve alias %s: %w", name, err)
	}
	if !found || to == "" || to == name {
		return "", false, nil
	}
	return to, true, nil
}

// SimilarNames returns candidates where one lower-cased name contains the
// other, excluding exact matches.
func SimilarNames(name string, candidates []string) []string {
	n := strings.ToLower(name)
	if n == "" {
		return nil
	}
	var out []string
	for _, c := range candidates {
		lc := strings.ToLower(c)
		if lc == n {
			continue
		}
		if strings.Contains(lc, n) || strings.Contains(n, lc) {
			out = append(out, c)
		}
	}
	return out
}

// ApplyCorrection rewrites every whole-word, case-sensitive occurrence of
// c.From in p's SQL and table list.
func ApplyCorrection(p query.Plan, c Correction) query.Plan {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(c.From) + `\b`)
	out := query.Plan{
		SQL:         re.ReplaceAllLiteralString(p.SQL, c.To),
		Explanation: p.Explanation,
	}
	for _, t := range p.Tables {
		if c.Kind == query.FaultTable && strings.EqualFold(t, c.From) {
			t = c.To
		}
		out.Tables = append(out.Tables, t)
	}
	return out
}
