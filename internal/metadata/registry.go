package metadata

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	mu                sync.RWMutex
	entities          map[string]*Entity
	relationsBySource map[string][]*Relation // keyed by source entity name
	relationsByName   map[string]*Relation   // keyed by relation name
	rulesByEntity     map[string][]*Rule     // keyed by entity name, sorted by priority
}

func NewRegistry() *Registry {
	return &Registry{
		entities:          make(map[string]*Entity),
		relationsBySource: make(map[string][]*Relation),
		relationsByName:   make(map[string]*Relation),
		rulesByEntity:     make(map[string][]*Rule),
	}
}

// Register normalizes and adds a single entity, replacing any entity of the same name.
func (r *Registry) Register(e *Entity) error {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.Name] = e
	return nil
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities sorted by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsByName[name]
}

// GetRelationsForSource returns all relations where source matches the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsBySource[entityName]
}

// AllRelations returns all registered relations.
func (r *Registry) AllRelations() []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	relations := make([]*Relation, 0, len(r.relationsByName))
	for _, rel := range r.relationsByName {
		relations = append(relations, rel)
	}
	sort.Slice(relations, func(i, j int) bool { return relations[i].Name < relations[j].Name })
	return relations
}

// AddRelations registers relations, replacing any with the same name.
func (r *Registry) AddRelations(relations ...*Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rel := range relations {
		r.relationsByName[rel.Name] = rel
	}
	r.indexRelations()
}

func (r *Registry) indexRelations() {
	r.relationsBySource = make(map[string][]*Relation)
	names := make([]string, 0, len(r.relationsByName))
	for name := range r.relationsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rel := r.relationsByName[name]
		r.relationsBySource[rel.Source] = append(r.relationsBySource[rel.Source], rel)
	}
}

// GetRulesForEntity returns active rules for an entity and hook, sorted by priority.
func (r *Registry) GetRulesForEntity(entityName, hook string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.rulesByEntity[entityName]
	var result []*Rule
	for _, rule := range all {
		if rule.Active && rule.Hook == hook {
			result = append(result, rule)
		}
	}
	return result
}

// Load replaces all entities and relations in the registry.
func (r *Registry) Load(entities []*Entity, relations []*Relation) error {
	for _, e := range entities {
		e.Normalize()
		if err := e.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
	}

	r.relationsByName = make(map[string]*Relation, len(relations))
	for _, rel := range relations {
		r.relationsByName[rel.Name] = rel
	}
	r.indexRelations()
	return nil
}

// LoadRules adds rules to the registry, keeping each entity's list sorted by priority.
func (r *Registry) LoadRules(rules []*Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range rules {
		r.rulesByEntity[rule.Entity] = append(r.rulesByEntity[rule.Entity], rule)
	}
	for _, entityRules := range r.rulesByEntity {
		sort.SliceStable(entityRules, func(i, j int) bool {
			return entityRules[i].Priority < entityRules[j].Priority
		})
	}
}

// Validate checks cross-entity references. It runs once after all sources are loaded.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, rel := range r.relationsByName {
		src, tgt := r.entities[rel.Source], r.entities[rel.Target]
		switch {
		case src == nil:
			errs = append(errs, fmt.Errorf("relation %s: unknown source %s", rel.Name, rel.Source))
		case tgt == nil:
			errs = append(errs, fmt.Errorf("relation %s: unknown target %s", rel.Name, rel.Target))
		default:
			if !src.HasField(rel.SourceKey) {
				errs = append(errs, fmt.Errorf("relation %s: %s has no field %s", rel.Name, src.Name, rel.SourceKey))
			}
			if !tgt.HasField(rel.TargetKey) {
				errs = append(errs, fmt.Errorf("relation %s: %s has no field %s", rel.Name, tgt.Name, rel.TargetKey))
			}
		}
		switch rel.DefaultOnDelete() {
		case OnDeleteCascade, OnDeleteSetNull, OnDeleteRestrict, OnDeleteNone:
		default:
			errs = append(errs, fmt.Errorf("relation %s: unknown on_delete %q", rel.Name, rel.OnDelete))
		}
	}
	for entity, rules := range r.rulesByEntity {
		e := r.entities[entity]
		if e == nil {
			errs = append(errs, fmt.Errorf("rules reference unknown entity %s", entity))
			continue
		}
		for _, rule := range rules {
			if rule.Definition.Field != "" && !e.HasField(rule.Definition.Field) {
				errs = append(errs, fmt.Errorf("rule %s: %s has no field %s", rule.ID, entity, rule.Definition.Field))
			}
		}
	}
	return errors.Join(errs...)
}

// ReplaceWith swaps in the contents of o. Readers see either the old or the
// new metadata, never a mix.
func (r *Registry) ReplaceWith(o *Registry) {
	o.mu.RLock()
	entities, bySource, byName, rules := o.entities, o.relationsBySource, o.relationsByName, o.rulesByEntity
	o.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = entities
	r.relationsBySource = bySource
	r.relationsByName = byName
	r.rulesByEntity = rules
}
