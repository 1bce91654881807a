package service

import (
	"net/http"
	"strings"

	"bff-gateway/internal/middleware"
	"bff-gateway/internal/model"
	"bff-gateway/internal/route"
)

// Transform rewrites an outbound request before dispatch. Transforms run
// in order; the first error aborts the request before any upstream I/O.
type Transform func(pr *model.ProxyRequest, sess *model.Session) error

// Pipeline returns the transforms applied to requests for rt. Apart from
// connection-scoped headers and the optional prefix removal, the only
// change made to the browser's request is the Authorization header.
func Pipeline(rt *model.Route) []Transform {
	ts := []Transform{
		StripHopByHop(),
		AttachBearer(),
	}
	if rt.StripPrefix {
		ts = append(ts, RemovePrefix(rt))
	}
	return ts
}

// Apply runs transforms in order.
func Apply(pr *model.ProxyRequest, sess *model.Session, transforms []Transform) error {
	for _, t := range transforms {
		if err := t(pr, sess); err != nil {
			return err
		}
	}
	return nil
}

// StripHopByHop removes connection-scoped headers, including any listed in
// the Connection header itself.
func StripHopByHop() Transform {
	return func(pr *model.ProxyRequest, _ *model.Session) error {
		for _, v := range pr.Header.Values("Connection") {
			for _, name := range strings.Split(v, ",") {
				if name = strings.TrimSpace(name); name != "" {
					pr.Header.Del(name)
				}
			}
		}
		for _, h := range middleware.HopByHopHeaders() {
			pr.Header.Del(h)
		}
		return nil
	}
}

// AttachBearer replaces the Authorization header with the session's access
// token. Anonymous callers on public routes have any Authorization header
// removed. A session without an access token yields ErrMissingCredential.
// Token expiry is not checked; an expired token earns an upstream 401 that
// is passed back to the browser.
func AttachBearer() Transform {
	return func(pr *model.ProxyRequest, sess *model.Session) error {
		if sess == nil {
			pr.Header.Del("Authorization")
			return nil
		}
		if sess.AccessToken == "" {
			return ErrMissingCredential
		}
		pr.Header.Set("Authorization", "Bearer "+sess.AccessToken)
		return nil
	}
}

// RemovePrefix strips the route's match prefix from the outbound path.
func RemovePrefix(rt *model.Route) Transform {
	return func(pr *model.ProxyRequest, _ *model.Session) error {
		pr.Path = route.TrimPrefix(rt, pr.Path)
		if pr.RawPath != "" {
			pr.RawPath = route.TrimEscapedPrefix(rt, pr.RawPath)
		}
		return nil
	}
}

// cloneHeader copies h so transforms never touch the inbound request's headers.
func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
