package metadata

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rocket-dataservice/internal/record"
)

type Field struct {
	Name      string   `json:"name" yaml:"name"`
	Type      string   `json:"type" yaml:"type"`
	Required  bool     `json:"required,omitempty" yaml:"required"`
	Unique    bool     `json:"unique,omitempty" yaml:"unique"`
	Default   any      `json:"default,omitempty" yaml:"default"`
	Nullable  bool     `json:"nullable,omitempty" yaml:"nullable"`
	Enum      []string `json:"enum,omitempty" yaml:"enum"`
	Precision int      `json:"precision,omitempty" yaml:"precision"`
	MaxLength int      `json:"max_length,omitempty" yaml:"max_length"`
	// ReadOnly fields are never written by callers; CreateOnly fields
	// may be set on create but not changed afterwards.
	ReadOnly   bool `json:"read_only,omitempty" yaml:"read_only"`
	CreateOnly bool `json:"create_only,omitempty" yaml:"create_only"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (f Field) knownType() bool {
	switch f.Type {
	case "string", "text", "uuid", "int", "integer", "bigint", "float", "decimal", "boolean", "timestamp", "date":
		return true
	}
	return false
}

func (f Field) IsText() bool {
	return f.Type == "string" || f.Type == "text" || f.Type == "uuid"
}

func (f Field) IsTime() bool {
	return f.Type == "timestamp" || f.Type == "date"
}

func (f Field) IsInteger() bool {
	return f.Type == "int" || f.Type == "integer" || f.Type == "bigint"
}

func (f Field) IsNumber() bool {
	return f.IsInteger() || f.Type == "float" || f.Type == "decimal"
}

// Coerce converts a caller-supplied value to this field's type.
// Null passes through; nullability is checked by the validation stage.
func (f Field) Coerce(v record.Value) (record.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch {
	case f.IsText():
		s, ok := v.Str()
		if !ok {
			if v.Kind() != record.KindNumber {
				return record.Value{}, fmt.Errorf("%s: expected string, got %s", f.Name, v.Kind())
			}
			s = v.Text()
		}
		if f.Type == "uuid" {
			if _, err := uuid.Parse(s); err != nil {
				return record.Value{}, fmt.Errorf("%s: invalid uuid %q", f.Name, s)
			}
		}
		return record.String(s), nil

	case f.IsNumber():
		n, ok := v.Num()
		if !ok {
			s, isStr := v.Str()
			if !isStr {
				return record.Value{}, fmt.Errorf("%s: expected number, got %s", f.Name, v.Kind())
			}
			parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return record.Value{}, fmt.Errorf("%s: invalid number %q", f.Name, s)
			}
			n = parsed
		}
		if f.IsInteger() && n != math.Trunc(n) {
			return record.Value{}, fmt.Errorf("%s: expected integer, got %v", f.Name, n)
		}
		return record.Number(n), nil

	case f.Type == "boolean":
		switch v.Kind() {
		case record.KindBool:
			return v, nil
		case record.KindNumber:
			n, _ := v.Num()
			return record.Bool(n != 0), nil
		case record.KindString:
			s, _ := v.Str()
			b, err := strconv.ParseBool(s)
			if err != nil {
				return record.Value{}, fmt.Errorf("%s: invalid boolean %q", f.Name, s)
			}
			return record.Bool(b), nil
		}
		return record.Value{}, fmt.Errorf("%s: expected boolean, got %s", f.Name, v.Kind())

	case f.IsTime():
		if _, ok := v.Timestamp(); ok {
			return v, nil
		}
		s, ok := v.Str()
		if !ok {
			return record.Value{}, fmt.Errorf("%s: expected timestamp, got %s", f.Name, v.Kind())
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return record.Time(t), nil
			}
		}
		return record.Value{}, fmt.Errorf("%s: invalid timestamp %q", f.Name, s)
	}
	return v, nil
}

// Decode converts a value scanned from the database into a typed Value.
func (f Field) Decode(raw any) (record.Value, error) {
	if b, ok := raw.([16]byte); ok {
		raw = uuid.UUID(b).String()
	}
	v, err := record.FromAny(raw)
	if err != nil {
		v = record.String(fmt.Sprint(raw))
	}
	if f.IsText() && v.Kind() == record.KindString {
		return v, nil
	}
	return f.Coerce(v)
}

// DefaultValue returns the declared default as a typed value, or null.
func (f Field) DefaultValue() record.Value {
	if f.Default == nil {
		return record.Null()
	}
	v, err := record.FromAny(f.Default)
	if err != nil {
		return record.Null()
	}
	cv, err := f.Coerce(v)
	if err != nil {
		return record.Null()
	}
	return cv
}
