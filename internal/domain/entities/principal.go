package entities

// UserRole is the age/privilege class of an authenticated user.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleAdult UserRole = "adult"
	RoleTeen  UserRole = "teen"
	RoleChild UserRole = "child"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleAdult, RoleTeen, RoleChild:
		return true
	}
	return false
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   UserRole
}

// ModelRef names a model the way a client does: name plus host.
type ModelRef struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// ModelInfo is a model registry entry with its per-role access flags.
type ModelInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Host            string `json:"host"`
	Provider        string `json:"provider"` // "ollama" or "openai"
	Installed       bool   `json:"installed"`
	Active          bool   `json:"active"`
	AllowTeen       bool   `json:"allow_teen"`
	AllowChild      bool   `json:"allow_child"`
	SafeModeAllowed bool   `json:"safe_mode_allowed"`
}

// ModelID builds the registry id for a name/host pair.
func ModelID(name, host string) string {
	return name + "@" + host
}

// Ref returns the client-facing name/host pair.
func (m *ModelInfo) Ref() ModelRef {
	return ModelRef{Name: m.Name, Host: m.Host}
}
