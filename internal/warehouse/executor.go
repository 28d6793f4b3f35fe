// Package warehouse runs planned queries against the analytics database and
// answers schema and value questions for the diagnosis engine.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/zulandar/signalbox/internal/diagnosis"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/query"
	"gorm.io/gorm"
)

// MySQL server error numbers for missing identifiers.
const (
	mysqlNoSuchTable   = 1146
	mysqlUnknownColumn = 1054
)

// DefaultMaxRows caps how many rows one query may return.
const DefaultMaxRows = 10000

// ErrNotReadOnly is returned for statements other than SELECT or WITH.
var ErrNotReadOnly = errors.New("warehouse: only read-only queries are allowed")

var readOnlyRe = regexp.MustCompile(`(?is)^\s*(select|with)\b`)

// ExecutorOpts configures an Executor.
type ExecutorOpts struct {
	DB      *gorm.DB
	MaxRows int
	Logger  *logging.Logger
}

// Executor runs plans with gorm's raw query support.
type Executor struct {
	db      *gorm.DB
	maxRows int
	log     *logging.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOpts) (*Executor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("warehouse: db is required")
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Executor{db: opts.DB, maxRows: opts.MaxRows, log: opts.Logger}, nil
}

// Execute implements pipeline.Executor. Missing tables and columns are
// reported as *query.SchemaError.
func (e *Executor) Execute(ctx context.Context, plan query.Plan) (query.Result, error) {
	sql := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(plan.SQL), ";"))
	if !readOnlyRe.MatchString(sql) {
		return query.Result{}, ErrNotReadOnly
	}

	start := time.Now()
	rows, err := e.db.WithContext(ctx).Raw(sql).Rows()
	if err != nil {
		return query.Result{}, classify(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("warehouse: columns: %w", err)
	}
	res := query.Result{Columns: cols}
	for rows.Next() {
		if len(res.Rows) >= e.maxRows {
			e.log.Warn("warehouse: result truncated", "max_rows", e.maxRows)
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return query.Result{}, fmt.Errorf("warehouse: scan: %w", err)
		}
		row := make(query.Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classify(err)
	}
	res.Elapsed = time.Since(start)
	e.log.Debug("warehouse: query executed", "rows", len(res.Rows), "elapsed_ms", res.Elapsed.Milliseconds())
	return res, nil
}

// normalize turns driver byte slices into strings so results encode as text.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// classify wraps missing-identifier failures in *query.SchemaError.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlNoSuchTable, mysqlUnknownColumn:
			return schemaError(err)
		}
		return fmt.Errorf("warehouse: mysql %d: %w", myErr.Number, err)
	}
	if diagnosis.IsSchemaError(err) {
		return schemaError(err)
	}
	return fmt.Errorf("warehouse: execute: %w", err)
}

func schemaError(err error) error {
	se := &query.SchemaError{Err: err}
	if f, ok := diagnosis.ParseSchemaError(err); ok {
		se.Kind = f.Kind
		se.Name = f.Name
		if f.Qualifier != "" {
			se.Name = f.Qualifier + "." + f.Name
		}
	}
	return se
}
