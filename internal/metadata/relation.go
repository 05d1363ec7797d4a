package metadata

// Relation links a parent (source) entity to child (target) rows whose
// TargetKey holds the parent's SourceKey value.
type Relation struct {
	Name      string `json:"name" yaml:"name"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	SourceKey string `json:"source_key" yaml:"source_key"`
	TargetKey string `json:"target_key" yaml:"target_key"`
	OnDelete  string `json:"on_delete" yaml:"on_delete"` // cascade, set_null, restrict, none
}

const (
	OnDeleteCascade  = "cascade"
	OnDeleteSetNull  = "set_null"
	OnDeleteRestrict = "restrict"
	OnDeleteNone     = "none"
)

// DefaultOnDelete returns the delete policy, defaulting to "none".
func (r *Relation) DefaultOnDelete() string {
	if r.OnDelete != "" {
		return r.OnDelete
	}
	return OnDeleteNone
}
