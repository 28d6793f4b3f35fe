// Package query holds the value types passed between the planner, the
// warehouse executor, and the diagnosis engine.
package query

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Plan is a candidate query for a question.
type Plan struct {
	SQL         string   `json:"sql"`
	Tables      []string `json:"tables"`
	Explanation string   `json:"explanation,omitempty"`
}

// Row is one result row keyed by column name.
type Row map[string]any

// Result is what executing a Plan produced.
type Result struct {
	Columns []string      `json:"columns"`
	Rows    []Row         `json:"rows"`
	Elapsed time.Duration `json:"-"`
}

// RowCount returns the number of rows.
func (r Result) RowCount() int { return len(r.Rows) }

// IsEmpty reports whether the result carries no usable data: no rows, a first
// row whose values are all NULL, or a single-column first row equal to zero
// (an aggregate over nothing).
func (r Result) IsEmpty() bool {
	if len(r.Rows) == 0 {
		return true
	}
	first := r.Rows[0]
	if len(first) == 0 {
		return true
	}
	allNil := true
	for _, v := range first {
		if v != nil {
			allNil = false
			break
		}
	}
	if allNil {
		return true
	}
	if len(r.Rows) == 1 && len(first) == 1 {
		for _, v := range first {
			return isZero(v)
		}
	}
	return false
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int32:
		return n == 0
	case int64:
		return n == 0
	case uint64:
		return n == 0
	case float32:
		return n == 0
	case float64:
		return n == 0 || math.IsNaN(n)
	case []byte:
		s := string(n)
		return s == "0" || s == "0.0" || s == "0.00"
	case string:
		return n == "0" || n == "0.0" || n == "0.00"
	}
	return false
}

// FaultKind names the identifier class a schema error complains about.
type FaultKind string

const (
	FaultUnknown FaultKind = ""
	FaultTable   FaultKind = "table"
	FaultColumn  FaultKind = "column"
)

// SchemaError marks an execution failure caused by a missing or misspelled
// table or column. Kind and Name are filled when the driver made them
// obvious; otherwise diagnosis parses Err's message.
type SchemaError struct {
	Kind FaultKind
	Name string
	Err  error
}

func (e *SchemaError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("schema error: unknown %s %q: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("schema error: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// AsSchemaError unwraps err to a *SchemaError if it is one.
func AsSchemaError(err error) (*SchemaError, bool) {
	var se *SchemaError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
