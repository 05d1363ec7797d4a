package metadata

// Grant attaches permission names such as TABLE_Widget_CREATE_USER to a role.
type Grant struct {
	Role        string   `json:"role" yaml:"role"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// Member assigns roles and team memberships to a user id.
type Member struct {
	User  string   `json:"user" yaml:"user"`
	Roles []string `json:"roles" yaml:"roles"`
	Teams []string `json:"teams,omitempty" yaml:"teams"`
}
