package diagnosis

import (
	"regexp"
	"strings"
)

// Entity is a literal the failed query filtered on, a likely reason for an
// empty result when it does not match stored values exactly.
type Entity struct {
	Value  string `json:"value"`
	Table  string `json:"table,omitempty"`
	Column string `json:"column,omitempty"`
}

// ProbeHit carries the stored values a probe found for an entity.
type ProbeHit struct {
	Entity Entity   `json:"entity"`
	Values []string `json:"values"`
}

// Mapping replaces an entity's literal with a value that exists in the data.
type Mapping struct {
	Entity Entity `json:"entity"`
	Value  string `json:"value"`
}

var (
	predicateRe = regexp.MustCompile("(?i)([\\w\\.`]+)\\s*(?:=|!=|<>|\\blike\\b)\\s*'((?:[^']|'')*)'")
	inListRe    = regexp.MustCompile("(?i)([\\w\\.`]+)\\s+in\\s*\\(([^)]*)\\)")
	literalRe   = regexp.MustCompile(`'((?:[^']|'')*)'`)
	quotedRe    = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|「([^」]+)」`)
)

// ExtractEntities collects candidate entities from string predicates in sql
// and from quoted phrases in question. Column qualifiers are resolved
// against tables when possible.
func ExtractEntities(question, sql string, tables []string) []Entity {
	var out []Entity
	seen := make(map[string]bool)
	add := func(e Entity) {
		e.Value = strings.TrimSpace(strings.Trim(e.Value, "%"))
		if e.Value == "" {
			return
		}
		key := strings.ToLower(e.Table + "." + e.Column + "=" + e.Value)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, e)
	}

	for _, m := range predicateRe.FindAllStringSubmatch(sql, -1) {
		table, column := splitColumn(m[1], tables)
		add(Entity{Value: unquote(m[2]), Table: table, Column: column})
	}
	for _, m := range inListRe.FindAllStringSubmatch(sql, -1) {
		table, column := splitColumn(m[1], tables)
		for _, lit := range literalRe.FindAllStringSubmatch(m[2], -1) {
			add(Entity{Value: unquote(lit[1]), Table: table, Column: column})
		}
	}
	for _, m := range quotedRe.FindAllStringSubmatch(question, -1) {
		for _, g := range m[1:] {
			if g != "" {
				add(Entity{Value: g})
			}
		}
	}
	return out
}

func splitColumn(ref string, tables []string) (table, column string) {
	ref = strings.ReplaceAll(ref, "`", "")
	column = ref
	qualifier := ""
	if i := strings.LastIndex(ref, "."); i >= 0 {
		qualifier, column = ref[:i], ref[i+1:]
	}
	for _, t := range tables {
		if qualifier != "" && strings.EqualFold(t, qualifier) {
			return t, column
		}
	}
	if len(tables) == 1 {
		return tables[0], column
	}
	return "", column
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

// MapValues picks, for each hit, the stored value that best matches the
// entity: exact (ignoring case), then containment, then the first value.
// Entities whose literal already exists verbatim produce no mapping, and a
// literal is mapped at most once.
func MapValues(hits []ProbeHit) []Mapping {
	var out []Mapping
	seen := make(map[string]bool)
	for _, h := range hits {
		key := strings.ToLower(h.Entity.Value)
		if seen[key] {
			continue
		}
		best := bestMatch(h.Entity.Value, h.Values)
		if best == "" || best == h.Entity.Value {
			continue
		}
		seen[key] = true
		out = append(out, Mapping{Entity: h.Entity, Value: best})
	}
	return out
}

// Unmapped drops entities whose literal one of known already maps.
func Unmapped(entities []Entity, known []Mapping) []Entity {
	if len(known) == 0 {
		return entities
	}
	done := make(map[string]bool, len(known))
	for _, m := range known {
		done[strings.ToLower(m.Entity.Value)] = true
	}
	var out []Entity
	for _, e := range entities {
		if !done[strings.ToLower(e.Value)] {
			out = append(out, e)
		}
	}
	return out
}

func bestMatch(original string, found []string) string {
	if len(found) == 0 {
		return ""
	}
	o := strings.ToLower(original)
	for _, f := range found {
		if strings.ToLower(f) == o {
			return f
		}
	}
	for _, f := range found {
		lf := strings.ToLower(f)
		if strings.Contains(lf, o) || strings.Contains(o, lf) {
			return f
		}
	}
	return found[0]
}
