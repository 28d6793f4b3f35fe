package warehouse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Catalog lists warehouse tables and columns through the gorm migrator.
// Results are cached for ttl; a zero ttl disables caching.
type Catalog struct {
	db  *gorm.DB
	ttl time.Duration

	mu      sync.Mutex
	loaded  time.Time
	tables  []string
	columns map[string][]string
	text    map[string][]string
}

// NewCatalog returns a Catalog on db.
func NewCatalog(db *gorm.DB, ttl time.Duration) *Catalog {
	return &Catalog{db: db, ttl: ttl, columns: make(map[string][]string), text: make(map[string][]string)}
}

// Tables implements diagnosis.SchemaCatalog.
func (c *Catalog) Tables(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh() && c.tables != nil {
		return c.tables, nil
	}
	tables, err := c.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("warehouse: list tables: %w", err)
	}
	sort.Strings(tables)
	c.tables = tables
	c.columns = make(map[string][]string)
	c.text = make(map[string][]string)
	c.loaded = time.Now()
	return tables, nil
}

// Columns implements diagnosis.SchemaCatalog. An unknown table has no
// columns.
func (c *Catalog) Columns(ctx context.Context, table string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cols, ok := c.columns[table]; ok && c.fresh() {
		return cols, nil
	}
	m := c.db.WithContext(ctx).Migrator()
	if !m.HasTable(table) {
		return nil, nil
	}
	types, err := m.ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("warehouse: columns of %s: %w", table, err)
	}
	cols := make([]string, 0, len(types))
	for _, t := range types {
		cols = append(cols, t.Name())
	}
	c.columns[table] = cols
	return cols, nil
}

// TextColumns lists the columns of table that hold character data. An
// unknown table has none.
func (c *Catalog) TextColumns(ctx context.Context, table string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cols, ok := c.text[table]; ok && c.fresh() {
		return cols, nil
	}
	m := c.db.WithContext(ctx).Migrator()
	if !m.HasTable(table) {
		return nil, nil
	}
	types, err := m.ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("warehouse: columns of %s: %w", table, err)
	}
	var cols []string
	for _, t := range types {
		if isText(t.DatabaseTypeName()) {
			cols = append(cols, t.Name())
		}
	}
	c.text[table] = cols
	return cols, nil
}

func isText(typeName string) bool {
	t := strings.ToUpper(typeName)
	for _, kind := range []string{"CHAR", "TEXT", "CLOB", "STRING", "ENUM"} {
		if strings.Contains(t, kind) {
			return true
		}
	}
	return false
}

// Invalidate drops cached schema, for use after the warehouse changes.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = nil
	c.columns = make(map[string][]string)
	c.text = make(map[string][]string)
}

func (c *Catalog) fresh() bool {
	return c.ttl > 0 && time.Since(c.loaded) < c.ttl
}
