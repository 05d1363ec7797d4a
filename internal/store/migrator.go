package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rocket-dataservice/internal/metadata"
)

type Migrator struct {
	store  *Store
	logger *zap.Logger
}

func NewMigrator(store *Store, logger *zap.Logger) *Migrator {
	return &Migrator{store: store, logger: logger}
}

// MigrateAll migrates every registered entity in name order.
func (m *Migrator) MigrateAll(ctx context.Context, reg *metadata.Registry) error {
	for _, e := range reg.AllEntities() {
		if err := m.Migrate(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Migrate ensures the table matches the entity metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, entity)
	}

	return m.alterTable(ctx, entity)
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	var cols []string
	for i := range entity.Fields {
		cols = append(cols, m.buildColumnDef(entity, &entity.Fields[i]))
	}

	sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", QuoteIdent(entity.Table), strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}
	m.logger.Info("created table", zap.String("table", entity.Table), zap.Int("columns", len(cols)))

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for i := range entity.Fields {
		f := &entity.Fields[i]
		if _, ok := existing[f.Name]; ok {
			continue
		}
		col := QuoteIdent(f.Name) + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)
		// existing rows need a value before NOT NULL can hold
		if def, ok := defaultLiteral(f); ok {
			col += " DEFAULT " + def
			if f.Required && !f.Nullable {
				col += " NOT NULL"
			}
		}
		sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(entity.Table), col)
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
		}
		m.logger.Info("added column", zap.String("table", entity.Table), zap.String("column", f.Name))
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}
	return nil
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f *metadata.Field) string {
	if f.Name == entity.PrimaryKey.Field {
		if entity.PrimaryKey.Generated && f.IsInteger() {
			return m.store.Dialect.IdentityColumn(f.Name)
		}
		return QuoteIdent(f.Name) + " " + m.store.Dialect.ColumnType(f.Type, f.Precision) + " PRIMARY KEY"
	}

	col := QuoteIdent(f.Name) + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)
	if f.Required && !f.Nullable {
		col += " NOT NULL"
	}
	if def, ok := defaultLiteral(f); ok {
		col += " DEFAULT " + def
	}
	return col
}

// defaultLiteral renders a field default as a SQL literal.
func defaultLiteral(f *metadata.Field) (string, bool) {
	v := f.DefaultValue()
	if v.IsNull() {
		return "", false
	}
	if b, ok := v.Boolean(); ok {
		if b {
			return "TRUE", true
		}
		return "FALSE", true
	}
	if n, ok := v.Num(); ok {
		return fmt.Sprintf("%v", n), true
	}
	return "'" + strings.ReplaceAll(v.Text(), "'", "''") + "'", true
}

func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	table := QuoteIdent(entity.Table)
	for _, f := range entity.Fields {
		if !f.Unique || f.Name == entity.PrimaryKey.Field {
			continue
		}
		sqlStr := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			QuoteIdent("idx_"+entity.Table+"_"+f.Name), table, QuoteIdent(f.Name))
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("create unique index on %s.%s: %w", entity.Table, f.Name, err)
		}
	}

	// row filters hit the ownership columns on every read
	for _, name := range entity.Ownership.Fields() {
		sqlStr := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			QuoteIdent("idx_"+entity.Table+"_"+name), table, QuoteIdent(name))
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("create ownership index on %s.%s: %w", entity.Table, name, err)
		}
	}
	return nil
}
