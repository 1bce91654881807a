package model

// RouteKind selects how a matched request is served.
type RouteKind string

const (
	// RouteLocal is served by a handler inside the gateway.
	RouteLocal RouteKind = "local"
	// RouteProxy is forwarded to an upstream cluster.
	RouteProxy RouteKind = "proxy"
)

// Route maps a path pattern to a local handler or an upstream cluster.
// An empty Policy means the route is public.
type Route struct {
	ID          string
	Match       string
	Exact       bool
	Kind        RouteKind
	Cluster     string
	Handler     string
	Policy      string
	StripPrefix bool
}

// Public reports whether the route has no authorization requirement.
func (r *Route) Public() bool {
	return r.Policy == ""
}

// ClaimRequirement holds when a session carries a claim of Type and, if
// Values is non-empty, that claim's value is one of Values.
type ClaimRequirement struct {
	Type   string
	Values []string
}

// Policy is a named authorization requirement attached to routes.
type Policy struct {
	Name                 string
	Scheme               string
	RequireAuthenticated bool
	Claims               []ClaimRequirement
}
