package metadata

import (
	"fmt"
	"strings"
)

type Entity struct {
	Name       string     `json:"name" yaml:"name"`
	Table      string     `json:"table" yaml:"table"`
	PrimaryKey PrimaryKey `json:"primary_key" yaml:"primary_key"`
	SoftDelete bool       `json:"soft_delete" yaml:"soft_delete"`
	Ownership  Ownership  `json:"ownership" yaml:"ownership"`
	Audit      Audit      `json:"audit" yaml:"audit"`
	// ActiveField holds the soft-state flag. Rows with a false value are
	// inactive and hidden unless explicitly requested.
	ActiveField string `json:"active_field,omitempty" yaml:"active_field"`
	// SystemField marks rows that no caller may modify or delete.
	SystemField string  `json:"system_field,omitempty" yaml:"system_field"`
	Fields      []Field `json:"fields" yaml:"fields"`
}

type PrimaryKey struct {
	Field     string `json:"field" yaml:"field"`
	Type      string `json:"type" yaml:"type"` // uuid, int, bigint, string
	Generated bool   `json:"generated" yaml:"generated"`
}

// Ownership names the columns used for row-level access checks.
// Either may be empty when the table is not partitioned that way.
type Ownership struct {
	UserField string `json:"user_field,omitempty" yaml:"user_field"`
	TeamField string `json:"team_field,omitempty" yaml:"team_field"`
}

func (o Ownership) Fields() []string {
	var out []string
	if o.UserField != "" {
		out = append(out, o.UserField)
	}
	if o.TeamField != "" {
		out = append(out, o.TeamField)
	}
	return out
}

// Audit names the columns stamped on every mutation.
type Audit struct {
	CreatedBy string `json:"created_by,omitempty" yaml:"created_by"`
	UpdatedBy string `json:"updated_by,omitempty" yaml:"updated_by"`
	CreatedAt string `json:"created_at,omitempty" yaml:"created_at"`
	UpdatedAt string `json:"updated_at,omitempty" yaml:"updated_at"`
}

func (a Audit) Fields() []string {
	var out []string
	for _, f := range []string{a.CreatedBy, a.UpdatedBy, a.CreatedAt, a.UpdatedAt} {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// StandardOwnership and StandardAudit are the conventional column names.
var (
	StandardOwnership = Ownership{UserField: "OwningUserId", TeamField: "OwningTeamId"}
	StandardAudit     = Audit{
		CreatedBy: "CreatedById",
		UpdatedBy: "UpdatedById",
		CreatedAt: "CreatedDate",
		UpdatedAt: "UpdatedDate",
	}
)

// GetField returns a pointer to the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns all field names.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// IsAuditField reports whether the engine stamps this field itself.
func (e *Entity) IsAuditField(name string) bool {
	for _, f := range e.Audit.Fields() {
		if f == name {
			return true
		}
	}
	return false
}

// IsOwnershipField reports whether name is one of the ownership columns.
func (e *Entity) IsOwnershipField(name string) bool {
	return name != "" && (name == e.Ownership.UserField || name == e.Ownership.TeamField)
}

// Normalize fills defaults and adds the columns implied by the ownership,
// audit, active and system roles when the field list omits them.
func (e *Entity) Normalize() {
	if e.Table == "" {
		e.Table = e.Name
	}
	if e.PrimaryKey.Field == "" {
		e.PrimaryKey.Field = "Id"
	}
	if e.PrimaryKey.Type == "" {
		e.PrimaryKey.Type = "uuid"
	}

	ensure := func(name, typ string, nullable bool) {
		if name == "" || e.HasField(name) {
			return
		}
		e.Fields = append(e.Fields, Field{Name: name, Type: typ, Nullable: nullable})
	}
	if !e.HasField(e.PrimaryKey.Field) {
		e.Fields = append([]Field{{Name: e.PrimaryKey.Field, Type: e.PrimaryKey.Type, Required: true}}, e.Fields...)
	}
	ensure(e.Ownership.UserField, "string", true)
	ensure(e.Ownership.TeamField, "string", true)
	ensure(e.Audit.CreatedBy, "string", true)
	ensure(e.Audit.UpdatedBy, "string", true)
	ensure(e.Audit.CreatedAt, "timestamp", true)
	ensure(e.Audit.UpdatedAt, "timestamp", true)
	ensure(e.ActiveField, "boolean", false)
	ensure(e.SystemField, "boolean", true)
}

// Validate checks the descriptor is internally consistent.
func (e *Entity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity without name")
	}
	if strings.ContainsAny(e.Name, " .\"'") {
		return fmt.Errorf("entity %s: invalid name", e.Name)
	}
	pk := e.GetField(e.PrimaryKey.Field)
	if pk == nil {
		return fmt.Errorf("entity %s: primary key field %q not declared", e.Name, e.PrimaryKey.Field)
	}

	seen := make(map[string]bool, len(e.Fields))
	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Name == "" || strings.ContainsAny(f.Name, " .\"'") {
			return fmt.Errorf("entity %s: invalid field name %q", e.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("entity %s: duplicate field %s", e.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.knownType() {
			return fmt.Errorf("entity %s: field %s has unknown type %q", e.Name, f.Name, f.Type)
		}
	}

	for _, name := range append(e.Ownership.Fields(), e.Audit.CreatedBy, e.Audit.UpdatedBy) {
		if name == "" {
			continue
		}
		if f := e.GetField(name); f == nil || !f.IsText() {
			return fmt.Errorf("entity %s: %s must be a string field", e.Name, name)
		}
	}
	for _, name := range []string{e.Audit.CreatedAt, e.Audit.UpdatedAt} {
		if name == "" {
			continue
		}
		if f := e.GetField(name); f == nil || !f.IsTime() {
			return fmt.Errorf("entity %s: %s must be a timestamp field", e.Name, name)
		}
	}
	for _, name := range []string{e.ActiveField, e.SystemField} {
		if name == "" {
			continue
		}
		if f := e.GetField(name); f == nil || f.Type != "boolean" {
			return fmt.Errorf("entity %s: %s must be a boolean field", e.Name, name)
		}
	}
	if e.SoftDelete && e.ActiveField == "" {
		return fmt.Errorf("entity %s: soft_delete requires active_field", e.Name)
	}
	return nil
}
