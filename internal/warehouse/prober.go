package warehouse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/zulandar/signalbox/internal/diagnosis"
	"github.com/zulandar/signalbox/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultProbeLimit is how many distinct values a probe returns per column.
const DefaultProbeLimit = 10

// maxTerms caps the search terms tried for one entity.
const maxTerms = 8

// VariantSource proposes other spellings of an entity's literal: aliases,
// abbreviations, translations.
type VariantSource interface {
	Variants(ctx context.Context, question string, ent diagnosis.Entity) ([]string, error)
}

// ProberOpts configures a Prober.
type ProberOpts struct {
	DB       *gorm.DB
	Catalog  *Catalog
	Limit    int
	Variants VariantSource // optional
	Logger   *logging.Logger
}

// Prober looks up stored values resembling the literals of a failed query.
type Prober struct {
	db       *gorm.DB
	catalog  *Catalog
	limit    int
	variants VariantSource
	log      *logging.Logger
}

// NewProber returns a Prober. Identifiers are checked against the catalog
// before they reach SQL.
func NewProber(opts ProberOpts) (*Prober, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("warehouse: prober requires a database")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("warehouse: prober requires a catalog")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultProbeLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Prober{
		db:       opts.DB,
		catalog:  opts.Catalog,
		limit:    opts.Limit,
		variants: opts.Variants,
		log:      opts.Logger,
	}, nil
}

// target is one column a probe searches.
type target struct {
	table, column string
}

// Probe implements diagnosis.Prober. An entity with a column is searched in
// that column of every table that has it (or of its own table). An entity
// without one is searched in the text columns of its table, or of tables.
// Each search matches stored values containing the literal, any of its
// words, or any proposed variant, so "Beijing City" finds "Beijing".
func (p *Prober) Probe(ctx context.Context, question string, tables []string, entities []diagnosis.Entity) ([]diagnosis.ProbeHit, error) {
	var hits []diagnosis.ProbeHit
	for _, ent := range entities {
		targets, err := p.targetsFor(ctx, ent, tables)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			continue
		}
		terms := searchTerms(ent.Value, p.variantsFor(ctx, question, ent))
		if len(terms) == 0 {
			continue
		}
		for _, tg := range targets {
			vals, err := p.distinctLike(ctx, tg, terms)
			if err != nil {
				return nil, err
			}
			if len(vals) == 0 {
				continue
			}
			rank(ent.Value, vals)
			found := ent
			found.Table, found.Column = tg.table, tg.column
			hits = append(hits, diagnosis.ProbeHit{Entity: found, Values: vals})
		}
	}
	return hits, nil
}

func (p *Prober) variantsFor(ctx context.Context, question string, ent diagnosis.Entity) []string {
	if p.variants == nil {
		return nil
	}
	vs, err := p.variants.Variants(ctx, question, ent)
	if err != nil {
		p.log.Warn("warehouse: value variants unavailable", "value", ent.Value, "error", err)
		return nil
	}
	return vs
}

func (p *Prober) targetsFor(ctx context.Context, ent diagnosis.Entity, planTables []string) ([]target, error) {
	all, err := p.catalog.Tables(ctx)
	if err != nil {
		return nil, err
	}
	scope := planTables
	if ent.Table != "" {
		scope = []string{ent.Table}
	}
	var out []target
	for _, t := range all {
		if ent.Column == "" && !containsFold(scope, t) {
			continue
		}
		if ent.Column != "" && ent.Table != "" && !strings.EqualFold(t, ent.Table) {
			continue
		}
		if ent.Column == "" {
			cols, err := p.catalog.TextColumns(ctx, t)
			if err != nil {
				return nil, err
			}
			for _, c := range cols {
				out = append(out, target{t, c})
			}
			continue
		}
		cols, err := p.catalog.Columns(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			if strings.EqualFold(c, ent.Column) {
				out = append(out, target{t, c})
				break
			}
		}
	}
	return out, nil
}

func (p *Prober) distinctLike(ctx context.Context, tg target, terms []string) ([]string, error) {
	likes := make([]clause.Expression, 0, len(terms))
	for _, term := range terms {
		likes = append(likes, clause.Like{Column: clause.Column{Name: tg.column}, Value: "%" + term + "%"})
	}
	var vals []string
	err := p.db.WithContext(ctx).
		Table(tg.table).
		Distinct(tg.column).
		Where(clause.Or(likes...)).
		Limit(p.limit).
		Pluck(tg.column, &vals).Error
	if err != nil {
		return nil, fmt.Errorf("warehouse: probe %s.%s: %w", tg.table, tg.column, err)
	}
	return vals, nil
}

// searchTerms returns value, then variants, then the words of value,
// deduplicated ignoring case. Variants shorter than two runes and words
// shorter than three are dropped.
func searchTerms(value string, variants []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string, minRunes int) {
		s = strings.TrimSpace(s)
		k := strings.ToLower(s)
		if s == "" || len([]rune(s)) < minRunes || seen[k] || len(out) >= maxTerms {
			return
		}
		seen[k] = true
		out = append(out, s)
	}
	add(value, 1)
	for _, v := range variants {
		add(v, 2)
	}
	for _, w := range strings.FieldsFunc(value, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		add(w, 3)
	}
	return out
}

// rank orders vals: exact match, then values containing literal, then values
// literal contains, then the rest.
func rank(literal string, vals []string) {
	l := strings.ToLower(literal)
	score := func(v string) int {
		lv := strings.ToLower(v)
		switch {
		case lv == l:
			return 0
		case strings.Contains(lv, l):
			return 1
		case strings.Contains(l, lv):
			return 2
		}
		return 3
	}
	sort.SliceStable(vals, func(i, j int) bool { return score(vals[i]) < score(vals[j]) })
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

var (
	_ diagnosis.Prober        = (*Prober)(nil)
	_ diagnosis.SchemaCatalog = (*Catalog)(nil)
)
