// Package authz decides whether a resolved session may use a route.
package authz

import (
	"errors"
	"fmt"
	"slices"

	"bff-gateway/internal/model"
)

// ErrUnauthorized is the parent of every rejection returned by Authorize.
var ErrUnauthorized = errors.New("unauthorized")

var (
	// ErrUnauthenticated means the route needs a session and none was resolved.
	ErrUnauthenticated = fmt.Errorf("%w: authentication required", ErrUnauthorized)
	// ErrForbidden means a session was resolved but does not satisfy the policy.
	ErrForbidden = fmt.Errorf("%w: policy not satisfied", ErrUnauthorized)
)

// Outcome labels used for logging and metrics.
const (
	OutcomeAllowed         = "allowed"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeForbidden       = "forbidden"
)

// Gate evaluates routes against the policy table. It performs no I/O and
// its tables are never written after construction.
type Gate struct {
	policies map[string]model.Policy
}

// NewGate creates a Gate over a copy of policies.
func NewGate(policies map[string]model.Policy) *Gate {
	cp := make(map[string]model.Policy, len(policies))
	for name, p := range policies {
		cp[name] = p
	}
	return &Gate{policies: cp}
}

// Authorize returns nil when sess may access route. sess is nil for an
// anonymous caller. Every named policy requires a session, whatever its
// RequireAuthenticated flag says. A route naming an unknown policy is
// rejected.
func (g *Gate) Authorize(route *model.Route, sess *model.Session) error {
	if route.Public() {
		return nil
	}

	policy, ok := g.policies[route.Policy]
	if !ok {
		return fmt.Errorf("%w: unknown policy %q", ErrForbidden, route.Policy)
	}
	if sess == nil {
		return ErrUnauthenticated
	}
	if policy.Scheme != "" && sess.Scheme != policy.Scheme {
		return fmt.Errorf("%w: scheme %q, want %q", ErrForbidden, sess.Scheme, policy.Scheme)
	}
	for _, req := range policy.Claims {
		if !claimSatisfied(sess, req) {
			return fmt.Errorf("%w: claim %q", ErrForbidden, req.Type)
		}
	}
	return nil
}

func claimSatisfied(sess *model.Session, req model.ClaimRequirement) bool {
	values := sess.ClaimValues(req.Type)
	if len(values) == 0 {
		return false
	}
	if len(req.Values) == 0 {
		return true
	}
	for _, v := range values {
		if slices.Contains(req.Values, v) {
			return true
		}
	}
	return false
}

// Outcome maps an Authorize result to its label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeAllowed
	case errors.Is(err, ErrUnauthenticated):
		return OutcomeUnauthenticated
	default:
		return OutcomeForbidden
	}
}
