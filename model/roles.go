package model

// RoleResolver resolves the organizational roles of the acting user. The
// resolved roles replace RequestContext.Roles before any workflow
// transition is attempted.
type RoleResolver interface {
	// Resolve returns all organizational roles for the given subject.
	Resolve(rctx *RequestContext) ([]string, error)

	// Invalidate clears cached roles for the given subject.
	Invalidate(subjectID string)
}

// RoleSource is the backend implementation that maps identity-provider
// groups and subjects to organizational roles.
type RoleSource interface {
	// ResolveRoles returns the organizational roles for the given context.
	ResolveRoles(rctx *RequestContext) ([]string, error)

	// Sync refreshes the mapping from its external source.
	Sync() error
}
