package metadata

// CallerLocal is the request local holding the authenticated *UserContext.
const CallerLocal = "user"

// UserContext represents the authenticated caller, set by auth middleware.
type UserContext struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
