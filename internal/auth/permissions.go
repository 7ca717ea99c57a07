package auth

// Roles known to the platform.
const (
	RoleExporter = "exporter"
	RoleQAAgency = "qa_agency"
	RoleImporter = "importer"
	RoleAdmin    = "admin"
)

var knownRoles = map[string]struct{}{
	RoleExporter: {},
	RoleQAAgency: {},
	RoleImporter: {},
	RoleAdmin:    {},
}

// IsKnownRole reports whether role is one of the platform roles.
func IsKnownRole(role string) bool {
	_, ok := knownRoles[role]
	return ok
}
