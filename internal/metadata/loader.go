package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// LoadAll reads entities, relations and rules from the system tables and adds
// them to the registry. Rows from the database replace same-named entries.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry, logger *zap.Logger) error {
	entities, err := loadEntities(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	for _, e := range entities {
		if err := reg.Register(e); err != nil {
			logger.Warn("skipping invalid entity", zap.String("entity", e.Name), zap.Error(err))
		}
	}

	relations, err := loadRelations(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("load relations: %w", err)
	}
	reg.AddRelations(relations...)

	rules, err := loadRules(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	reg.LoadRules(rules)

	logger.Info("loaded metadata from database",
		zap.Int("entities", len(entities)),
		zap.Int("relations", len(relations)),
		zap.Int("rules", len(rules)))
	return nil
}

func loadEntities(ctx context.Context, db *sql.DB, logger *zap.Logger) ([]*Entity, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _entities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}

		var entity Entity
		if err := json.Unmarshal(defJSON, &entity); err != nil {
			logger.Warn("skipping entity with invalid JSON", zap.String("entity", name), zap.Error(err))
			continue
		}
		if entity.Name == "" {
			entity.Name = name
		}
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}

func loadRelations(ctx context.Context, db *sql.DB, logger *zap.Logger) ([]*Relation, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _relations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}

		var rel Relation
		if err := json.Unmarshal(defJSON, &rel); err != nil {
			logger.Warn("skipping relation with invalid JSON", zap.String("relation", name), zap.Error(err))
			continue
		}
		if rel.Name == "" {
			rel.Name = name
		}
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}

func loadRules(ctx context.Context, db *sql.DB, logger *zap.Logger) ([]*Rule, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, hook, type, definition, priority, active FROM _rules ORDER BY entity, priority")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		var defJSON []byte
		if err := rows.Scan(&r.ID, &r.Entity, &r.Hook, &r.Type, &defJSON, &r.Priority, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		if err := json.Unmarshal(defJSON, &r.Definition); err != nil {
			logger.Warn("skipping rule with invalid JSON", zap.String("rule", r.ID), zap.Error(err))
			continue
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}
