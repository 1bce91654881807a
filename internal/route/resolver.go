// Package route resolves inbound request paths against the ordered route table.
package route

import (
	"errors"
	"net/url"
	"path"
	"strings"

	"bff-gateway/internal/model"
)

var (
	// ErrNotFound is returned when no route matches a path.
	ErrNotFound = errors.New("no route matches path")

	// ErrNonCanonical is returned for paths with dot segments, repeated
	// slashes or a missing leading slash. Such paths are never resolved or
	// forwarded.
	ErrNonCanonical = errors.New("path is not canonical")
)

// Canonical reports whether p is already in canonical form: rooted, no "."
// or ".." segments and no empty segments. A trailing slash is allowed.
func Canonical(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean == p
}

// Table is an immutable, ordered route table. It is safe for concurrent use.
type Table struct {
	routes []model.Route
}

// NewTable copies routes into a table. Declaration order is the match order.
func NewTable(routes []model.Route) *Table {
	cp := make([]model.Route, len(routes))
	copy(cp, routes)
	return &Table{routes: cp}
}

// Resolve returns the first route whose pattern matches path.
//
// Matching is first-match-wins in declaration order, not longest prefix:
// with "/api" declared before "/api/special", "/api/special/x" resolves to
// "/api". Existing deployments depend on this ordering.
func (t *Table) Resolve(path string) (*model.Route, error) {
	for i := range t.routes {
		if Matches(&t.routes[i], path) {
			return &t.routes[i], nil
		}
	}
	return nil, ErrNotFound
}

// Routes returns a copy of the table in declaration order.
func (t *Table) Routes() []model.Route {
	cp := make([]model.Route, len(t.routes))
	copy(cp, t.routes)
	return cp
}

// Matches reports whether path matches the route's pattern. Prefix patterns
// only match on a segment boundary, so "/api1" does not match "/api1x".
func Matches(r *model.Route, path string) bool {
	if r.Exact {
		return path == r.Match
	}
	prefix := strings.TrimSuffix(r.Match, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// TrimPrefix removes the route's match prefix from path, always returning a
// path that starts with "/".
func TrimPrefix(r *model.Route, path string) string {
	prefix := strings.TrimSuffix(r.Match, "/")
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

// TrimEscapedPrefix is TrimPrefix for the escaped form of a path, as
// returned by url.URL.EscapedPath.
func TrimEscapedPrefix(r *model.Route, escaped string) string {
	prefix := (&url.URL{Path: strings.TrimSuffix(r.Match, "/")}).EscapedPath()
	rest := strings.TrimPrefix(escaped, prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}
